package experiment

import (
	"context"
	"encoding/json"

	"clipforge-controlplane/pkg/errutil"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Task bundles the asynq handlers run by the worker process.
type Task struct {
	svc *Service
}

func NewTask(svc *Service) *Task {
	return &Task{svc: svc}
}

type evaluatePayload struct {
	ExperimentID string `json:"experiment_id,omitempty"`
}

// HandleEvaluate reviews experiments for promotion. A payload naming an
// experiment reviews just that one; an empty payload sweeps every RUNNING
// experiment.
func (t *Task) HandleEvaluate(ctx context.Context, task *asynq.Task) error {
	var payload evaluatePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			zap.L().Error("malformed evaluate payload", zap.Error(err))
			return nil // poison payload, retrying cannot help
		}
	}

	ids := []string{payload.ExperimentID}
	if payload.ExperimentID == "" {
		var err error
		ids, err = t.svc.ListRunning(ctx)
		if err != nil {
			return err
		}
	}

	for _, id := range ids {
		decision, err := t.svc.EvaluatePromotion(ctx, id)
		if err != nil {
			// Experiments promoted or stopped since listing are not a failure.
			if errutil.HasStatus(err, errutil.StatusConflict) || errutil.HasStatus(err, errutil.StatusNotFound) {
				continue
			}
			zap.L().Error("promotion review failed", zap.String("experiment_id", id), zap.Error(err))
			continue
		}
		if !decision.Promoted {
			zap.L().Debug("experiment stays running",
				zap.String("experiment_id", id),
				zap.Bool("eligible", decision.Eligible),
				zap.String("reason", decision.Reason),
			)
		}
	}

	return nil
}

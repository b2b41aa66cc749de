package job

import (
	"context"
	"encoding/json"
	"time"

	"clipforge-controlplane/pkg/errutil"
	"clipforge-controlplane/services/plan"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// timeoutGraceFactor bounds how long past its SLA target a job may stay
// active before the scan forces TIMED_OUT.
const timeoutGraceFactor = 4.0

// Task bundles the asynq handlers run by the worker process.
type Task struct {
	svc *Service
}

func NewTask(svc *Service) *Task {
	return &Task{svc: svc}
}

// HandleRemedyDispatch forwards a breach record to the billing collaborator.
// The remedy's business action (credit issuance, escalation) is decided
// there; this side only guarantees the record reaches the queue.
func (t *Task) HandleRemedyDispatch(ctx context.Context, task *asynq.Task) error {
	var audit SLAAudit
	if err := json.Unmarshal(task.Payload(), &audit); err != nil {
		zap.L().Error("malformed remedy payload", zap.Error(err))
		return nil // poison payload, retrying cannot help
	}

	zap.L().Info("sla remedy dispatched to billing",
		zap.String("job_id", audit.JobID),
		zap.Int64("target_seconds", audit.TargetSeconds),
		zap.Int64("actual_seconds", audit.ActualSeconds),
	)

	return nil
}

// HandleTimeoutScan times out active jobs that have blown far past their SLA
// target. Transitions go through the state machine like every other edge, so
// each timed-out job still gets its event and audit row.
func (t *Task) HandleTimeoutScan(ctx context.Context, task *asynq.Task) error {
	var active []Job
	if err := t.svc.db.WithContext(ctx).
		Where("state IN ?", ActiveStates).
		Find(&active).Error; err != nil {
		return err
	}

	var plans []plan.Plan
	if err := t.svc.db.WithContext(ctx).Find(&plans).Error; err != nil {
		return err
	}
	multipliers := make(map[string]float64, len(plans))
	for _, p := range plans {
		multipliers[p.ID] = p.TargetMultiplier
	}

	now := time.Now().UTC()
	for _, j := range active {
		m, ok := multipliers[j.PlanID]
		if !ok {
			continue
		}
		target := time.Duration(float64(j.InputMinutes)*60*m) * time.Second
		deadline := j.CreatedAt.Add(time.Duration(timeoutGraceFactor * float64(target)))
		if now.Before(deadline) {
			continue
		}

		if _, err := t.svc.ReportTransition(ctx, j.ID, StateTimedOut, map[string]interface{}{
			"deadline": deadline.Format(time.RFC3339),
		}); err != nil {
			// Busy jobs are mid-transition; the next scan picks them up.
			if errutil.HasStatus(err, errutil.StatusBusy) {
				continue
			}
			zap.L().Error("failed to time out job", zap.String("job_id", j.ID), zap.Error(err))
		}
	}

	return nil
}

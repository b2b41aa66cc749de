package job

import (
	"context"
	"encoding/json"
	"time"

	"clipforge-controlplane/pkg/errutil"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// transitions is the closed edge set of the job lifecycle. Terminal side
// branches (FAILED, TIMED_OUT, CANCELED) are reachable from every non-terminal
// state; the forward chain never skips or regresses.
var transitions = map[JobState][]JobState{
	StateCreated:      {StateQueued, StateFailed, StateTimedOut, StateCanceled},
	StateQueued:       {StateIngesting, StateFailed, StateTimedOut, StateCanceled},
	StateIngesting:    {StateTranscribing, StateFailed, StateTimedOut, StateCanceled},
	StateTranscribing: {StateAnalyzing, StateFailed, StateTimedOut, StateCanceled},
	StateAnalyzing:    {StateEditing, StateFailed, StateTimedOut, StateCanceled},
	StateEditing:      {StateRendering, StateFailed, StateTimedOut, StateCanceled},
	StateRendering:    {StateUploading, StateFailed, StateTimedOut, StateCanceled},
	StateUploading:    {StateCompleted, StateFailed, StateTimedOut, StateCanceled},
	StateCompleted:    {},
	StateFailed:       {},
	StateTimedOut:     {},
	StateCanceled:     {},
}

// CanTransition reports whether the edge from -> to exists in the lifecycle graph.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine advances jobs through the lifecycle. Each transition is one atomic
// commit: validate edge, conditional state update, event append, and on
// terminal states the SLA audit, all inside a single transaction.
type Machine struct {
	db      *gorm.DB
	auditor *Auditor
}

func NewMachine(db *gorm.DB, auditor *Auditor) *Machine {
	return &Machine{db: db, auditor: auditor}
}

// TransitionResult carries what the commit decided, so callers can act after
// the transaction closes (e.g. enqueue the remedy dispatch on breach).
type TransitionResult struct {
	Job   *Job
	Audit *SLAAudit
}

// Transition moves jobID to the target state. Returns InvalidTransition when
// the edge is not in the table, Busy when a concurrent transition won the
// race, and NotFound for unknown jobs. The job row is left untouched on any
// failure.
func (m *Machine) Transition(ctx context.Context, jobID string, to JobState, detail map[string]interface{}) (*TransitionResult, error) {
	if to.String() == "" {
		return nil, errutil.ValidationFailed("unknown target state")
	}

	var result TransitionResult

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Job
		if err := tx.Where("id = ?", jobID).First(&current).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return errutil.NotFound("job not found")
			}
			return errutil.Internal("failed to load job", errutil.WithErr(err))
		}

		if !CanTransition(current.State, to) {
			return errutil.InvalidTransition(
				"illegal state edge",
				errutil.WithDetails(
					errutil.Detail{Field: "from", Message: string(current.State)},
					errutil.Detail{Field: "to", Message: string(to)},
				),
			)
		}

		now := time.Now().UTC()

		// Conditional update keyed on the observed state: if another
		// transition committed in between, zero rows change and the caller
		// gets a retryable Busy instead of a corrupted ordering.
		res := tx.Model(&Job{}).
			Where("id = ? AND state = ?", jobID, current.State).
			Updates(map[string]interface{}{
				"state":      to,
				"updated_at": now,
			})
		if res.Error != nil {
			return errutil.Internal("failed to update job state", errutil.WithErr(res.Error))
		}
		if res.RowsAffected == 0 {
			return errutil.Busy("job is mid-transition, retry")
		}

		var payload datatypes.JSON
		if len(detail) > 0 {
			raw, err := json.Marshal(detail)
			if err != nil {
				return errutil.Internal("failed to encode event detail", errutil.WithErr(err))
			}
			payload = datatypes.JSON(raw)
		}

		event := &JobEvent{
			JobID:  jobID,
			State:  to,
			Detail: payload,
			At:     now,
		}
		if err := tx.Create(event).Error; err != nil {
			return errutil.Internal("failed to append job event", errutil.WithErr(err))
		}

		current.State = to
		current.UpdatedAt = now
		result.Job = &current

		if to.Terminal() {
			audit, err := m.auditor.Finalize(ctx, tx, &current, now)
			if err != nil {
				return err
			}
			result.Audit = audit
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("job transitioned",
		zap.String("job_id", jobID),
		zap.String("state", string(to)),
		zap.Bool("terminal", to.Terminal()),
	)

	return &result, nil
}

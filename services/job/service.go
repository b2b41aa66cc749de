package job

import (
	"context"
	"encoding/json"

	"clipforge-controlplane/pkg/db/option"
	"clipforge-controlplane/pkg/errutil"
	"clipforge-controlplane/pkg/task"
	"clipforge-controlplane/pkg/taskname"
	"clipforge-controlplane/services/org"
	"clipforge-controlplane/services/plan"

	"clipforge-controlplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	asynq     task.Enqueuer
	machine   *Machine
	scheduler *Scheduler
	estimator *Estimator
	plans     *plan.Service

	orgs   repository.Repository[org.Org]
	jobs   repository.Repository[Job]
	events repository.Repository[JobEvent]
	audits repository.Repository[SLAAudit]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Asynq     task.Enqueuer `optional:"true"`
	Machine   *Machine
	Scheduler *Scheduler
	Estimator *Estimator
	Plans     *plan.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		asynq:     p.Asynq,
		machine:   p.Machine,
		scheduler: p.Scheduler,
		estimator: p.Estimator,
		plans:     p.Plans,
		orgs:      repository.ProvideStore[org.Org](p.DB),
		jobs:      repository.ProvideStore[Job](p.DB),
		events:    repository.ProvideStore[JobEvent](p.DB),
		audits:    repository.ProvideStore[SLAAudit](p.DB),
	}
}

type CreateJobRequest struct {
	OrgID          string  `json:"org_id" binding:"required"`
	SourceURL      string  `json:"source_url" binding:"required"`
	InputMinutes   int     `json:"input_minutes" binding:"required"`
	PlanID         string  `json:"plan" binding:"required"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

type JobView struct {
	Job      *Job       `json:"job"`
	Timeline []JobEvent `json:"timeline,omitempty"`
	Audit    *SLAAudit  `json:"sla_audit,omitempty"`
	Lane     string     `json:"lane"`
}

// CreateJob admits a job into its plan's lane. Duplicate submissions carrying
// the same (org, idempotency key) resolve to the same job: the unique index
// closes the race between concurrent callers, so the loser of an insert race
// re-reads and returns the winner's row.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*JobView, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("org_id", req.OrgID),
	)

	if req.InputMinutes <= 0 {
		return nil, errutil.ValidationFailed("input_minutes must be positive")
	}
	if req.SourceURL == "" {
		return nil, errutil.ValidationFailed("source_url is required")
	}

	owner, err := s.orgs.FindOne(ctx, &org.Org{ID: req.OrgID})
	if err != nil {
		zapLog.Error("failed query get org", zap.Error(err))
		return nil, errutil.Internal("failed to check org", errutil.WithErr(err))
	}
	if owner == nil {
		return nil, errutil.NotFound("org not found")
	}

	p, err := s.plans.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	if req.InputMinutes > p.MaxInputMinutes {
		return nil, errutil.PlanLimitExceeded(
			"input exceeds plan limit",
			errutil.WithDetails(errutil.Detail{
				Field:   "input_minutes",
				Message: LaneLabel(p.Lane),
			}),
		)
	}

	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, req.OrgID, *req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.view(ctx, existing, false)
		}
	} else {
		req.IdempotencyKey = nil
	}

	record := &Job{
		ID:             s.node.Generate().String(),
		OrgID:          req.OrgID,
		SourceURL:      req.SourceURL,
		InputMinutes:   req.InputMinutes,
		PlanID:         p.ID,
		Lane:           p.Lane,
		PriorityScore:  PriorityScore(p.Lane, 0),
		State:          StateCreated,
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return tx.Create(&JobEvent{JobID: record.ID, State: StateCreated}).Error
	}); err != nil {
		// An insert losing the idempotency race trips the unique index; the
		// winner's row is the caller's answer.
		if record.IdempotencyKey != nil {
			existing, lookupErr := s.findByIdempotencyKey(ctx, req.OrgID, *record.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return s.view(ctx, existing, false)
			}
		}
		zapLog.Error("failed to create job", zap.Error(err))
		return nil, errutil.Internal("failed to create job", errutil.WithErr(err))
	}

	result, err := s.machine.Transition(ctx, record.ID, StateQueued, nil)
	if err != nil {
		return nil, err
	}
	record = result.Job

	eta, err := s.estimator.ETASeconds(ctx, record, p)
	if err != nil {
		zapLog.Warn("failed to estimate eta", zap.Error(err))
	} else {
		if err := s.jobs.Update(ctx, record.ID, map[string]interface{}{"eta_seconds": eta}); err != nil {
			zapLog.Warn("failed to persist eta", zap.Error(err))
		} else {
			record.ETASeconds = &eta
		}
	}

	zapLog.Info("job created",
		zap.String("job_id", record.ID),
		zap.String("plan", p.ID),
		zap.Int("lane", p.Lane),
	)

	return s.view(ctx, record, false)
}

func (s *Service) findByIdempotencyKey(ctx context.Context, orgID, key string) (*Job, error) {
	existing, err := s.jobs.FindOne(ctx, &Job{OrgID: orgID, IdempotencyKey: &key})
	if err != nil {
		return nil, errutil.Internal("failed to check idempotency key", errutil.WithErr(err))
	}
	return existing, nil
}

// GetJob returns the job with its full event timeline and, for terminal jobs,
// the SLA audit row.
func (s *Service) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	record, err := s.jobs.FindOne(ctx, &Job{ID: jobID})
	if err != nil {
		return nil, errutil.Internal("failed to get job", errutil.WithErr(err))
	}
	if record == nil {
		return nil, errutil.NotFound("job not found")
	}

	return s.view(ctx, record, true)
}

func (s *Service) view(ctx context.Context, record *Job, withTimeline bool) (*JobView, error) {
	out := &JobView{Job: record, Lane: LaneLabel(record.Lane)}

	if withTimeline {
		events, err := s.events.Find(ctx, &JobEvent{JobID: record.ID}, option.OrderBy("at ASC, id ASC"))
		if err != nil {
			return nil, errutil.Internal("failed to load job timeline", errutil.WithErr(err))
		}
		out.Timeline = make([]JobEvent, 0, len(events))
		for _, e := range events {
			out.Timeline = append(out.Timeline, *e)
		}

		if record.State.Terminal() {
			audit, err := s.audits.FindOne(ctx, &SLAAudit{JobID: record.ID})
			if err != nil {
				return nil, errutil.Internal("failed to load sla audit", errutil.WithErr(err))
			}
			out.Audit = audit
		}
	}

	return out, nil
}

// ReportTransition is the entry point for the media pipeline collaborator: it
// reports a stage completion or failure and the state machine does the rest.
// On a breached terminal state the remedy dispatch is handed to the billing
// queue after the transaction commits.
func (s *Service) ReportTransition(ctx context.Context, jobID string, to JobState, detail map[string]interface{}) (*JobView, error) {
	result, err := s.machine.Transition(ctx, jobID, to, detail)
	if err != nil {
		return nil, err
	}

	if result.Audit != nil && result.Audit.Breached {
		s.dispatchRemedy(result.Audit)
	}

	view := &JobView{Job: result.Job, Lane: LaneLabel(result.Job.Lane), Audit: result.Audit}
	return view, nil
}

// Cancel marks intent: the job transitions to CANCELED and any in-flight
// worker is expected to observe the state and stop cooperatively.
func (s *Service) Cancel(ctx context.Context, jobID string, reason string) (*JobView, error) {
	var detail map[string]interface{}
	if reason != "" {
		detail = map[string]interface{}{"reason": reason}
	}
	return s.ReportTransition(ctx, jobID, StateCanceled, detail)
}

// Claim hands the next queued job in the lane to a worker.
func (s *Service) Claim(ctx context.Context, lane int, workerID string) (*Job, error) {
	return s.scheduler.Claim(ctx, lane, workerID)
}

// QueueStatus exposes lane depth snapshots for the status API.
func (s *Service) QueueStatus(ctx context.Context) ([]LaneStatus, error) {
	return s.scheduler.QueueStatus(ctx)
}

func (s *Service) dispatchRemedy(audit *SLAAudit) {
	if s.asynq == nil {
		return
	}

	payload, err := json.Marshal(audit)
	if err != nil {
		zap.L().Error("failed to encode remedy payload", zap.Error(err))
		return
	}

	if _, err := s.asynq.Enqueue(asynq.NewTask(taskname.SLARemedyDispatch, payload), asynq.Queue("critical")); err != nil {
		zap.L().Error("failed to enqueue remedy dispatch",
			zap.String("job_id", audit.JobID),
			zap.Error(err),
		)
	}
}

package job

import (
	"context"

	"clipforge-controlplane/pkg/config"
	"clipforge-controlplane/pkg/errutil"
	"clipforge-controlplane/services/plan"

	"gorm.io/gorm"
)

// LaneLabel renders the lane as its public priority-class name.
func LaneLabel(lane int) string {
	switch lane {
	case 0:
		return "P0"
	case 1:
		return "P1"
	default:
		return "P2"
	}
}

// Estimator predicts completion times from queue depth ahead of a job and the
// relative throughput of its lane.
type Estimator struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewEstimator(db *gorm.DB, cfg *config.Config) *Estimator {
	return &Estimator{db: db, cfg: cfg}
}

// queueMinutesAhead sums the expected processing minutes of every active job
// scheduled before the given one: any job in a stricter lane, or an older job
// in the same lane.
func (e *Estimator) queueMinutesAhead(ctx context.Context, current *Job) (float64, error) {
	var jobs []Job
	if err := e.db.WithContext(ctx).
		Where("state IN ? AND id <> ?", ActiveStates, current.ID).
		Find(&jobs).Error; err != nil {
		return 0, errutil.Internal("failed to scan queue", errutil.WithErr(err))
	}

	if len(jobs) == 0 {
		return 0, nil
	}

	multipliers := map[string]float64{}
	var plans []plan.Plan
	if err := e.db.WithContext(ctx).Find(&plans).Error; err != nil {
		return 0, errutil.Internal("failed to load plans", errutil.WithErr(err))
	}
	for _, p := range plans {
		multipliers[p.ID] = p.TargetMultiplier
	}

	total := 0.0
	for _, j := range jobs {
		ahead := j.Lane < current.Lane ||
			(j.Lane == current.Lane && j.CreatedAt.Before(current.CreatedAt))
		if !ahead {
			continue
		}
		m, ok := multipliers[j.PlanID]
		if !ok {
			m = 1.0
		}
		total += float64(j.InputMinutes) * m
	}

	return total, nil
}

// ETASeconds estimates time-to-completion for the job under its plan.
func (e *Estimator) ETASeconds(ctx context.Context, j *Job, p *plan.Plan) (int, error) {
	ahead, err := e.queueMinutesAhead(ctx, j)
	if err != nil {
		return 0, err
	}

	throughput := e.cfg.LaneThroughput(j.Lane)
	if throughput <= 0 {
		throughput = 1.0
	}

	expected := float64(j.InputMinutes) * p.TargetMultiplier
	etaMinutes := ahead/throughput + expected

	return int(etaMinutes * 60), nil
}

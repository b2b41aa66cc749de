package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clipforge-controlplane/pkg/errutil"
	"clipforge-controlplane/services/plan"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Auditor records whether a terminal job met its plan's time-to-completion
// target. It only flags and records facts; the business action on a breach
// (credit issuance, escalation) belongs to the billing collaborator.
type Auditor struct{}

func NewAuditor() *Auditor {
	return &Auditor{}
}

// Finalize writes the one-and-only audit row for the job. A pre-existing row
// means a second terminal transition slipped past the state machine, which is
// a broken invariant, not something to paper over.
func (a *Auditor) Finalize(ctx context.Context, tx *gorm.DB, j *Job, terminalAt time.Time) (*SLAAudit, error) {
	var existing int64
	if err := tx.Model(&SLAAudit{}).Where("job_id = ?", j.ID).Count(&existing).Error; err != nil {
		return nil, errutil.Internal("failed to check existing audit", errutil.WithErr(err))
	}
	if existing > 0 {
		zap.L().Error("duplicate SLA audit attempt", zap.String("job_id", j.ID))
		return nil, errutil.Internal("sla audit already exists for job")
	}

	var p plan.Plan
	if err := tx.Where("id = ?", j.PlanID).First(&p).Error; err != nil {
		return nil, errutil.Internal("failed to load plan for audit", errutil.WithErr(err))
	}

	targetSeconds := int64(float64(j.InputMinutes) * 60 * p.TargetMultiplier)
	actualSeconds := int64(terminalAt.Sub(j.CreatedAt).Seconds())
	breached := actualSeconds > targetSeconds

	audit := &SLAAudit{
		JobID:         j.ID,
		TargetSeconds: targetSeconds,
		ActualSeconds: actualSeconds,
		Breached:      breached,
		CreatedAt:     terminalAt,
	}

	if breached {
		remedy, err := json.Marshal(map[string]interface{}{
			"overage_seconds":   actualSeconds - targetSeconds,
			"credit_multiplier": p.CreditMultiplier,
			"note":              fmt.Sprintf("exceeded %ds target by %ds", targetSeconds, actualSeconds-targetSeconds),
		})
		if err != nil {
			return nil, errutil.Internal("failed to encode remedy", errutil.WithErr(err))
		}
		audit.Remedy = datatypes.JSON(remedy)
	}

	if err := tx.Create(audit).Error; err != nil {
		return nil, errutil.Internal("failed to write sla audit", errutil.WithErr(err))
	}

	return audit, nil
}

package plan

import (
	"context"

	"clipforge-controlplane/pkg/errutil"
	"clipforge-controlplane/pkg/repository"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db   *gorm.DB
	repo repository.Repository[Plan]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		repo: repository.ProvideStore[Plan](p.DB),
	}
}

var Module = fx.Module("plan.module",
	fx.Provide(NewService),
	fx.Invoke(SeedDefaults),
)

func (s *Service) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	record, err := s.repo.FindOne(ctx, &Plan{ID: planID})
	if err != nil {
		zap.L().Error("failed query get plan by id", zap.Error(err))
		return nil, errutil.Internal("failed to get plan", errutil.WithErr(err))
	}

	if record == nil {
		return nil, errutil.NotFound("unknown plan, use: express | priority | standard")
	}

	return record, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	plans, err := s.repo.Find(ctx, &Plan{})
	if err != nil {
		zap.L().Error("failed to list plans", zap.Error(err))
		return nil, errutil.Internal("failed to list plans", errutil.WithErr(err))
	}

	return plans, nil
}

// SeedDefaults inserts the built-in tiers. Existing rows are left untouched,
// plans are reference data and never updated in place.
func SeedDefaults(svc *Service) {
	if err := svc.db.Clauses(clause.OnConflict{DoNothing: true}).Create(Defaults()).Error; err != nil {
		zap.L().Warn("failed to seed default plans", zap.Error(err))
	}
}

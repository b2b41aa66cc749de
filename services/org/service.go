package org

import (
	"context"

	"clipforge-controlplane/pkg/db/option"
	"clipforge-controlplane/pkg/db/pagination"
	"clipforge-controlplane/pkg/errutil"
	"clipforge-controlplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[Org]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[Org](p.DB),
	}
}

var Module = fx.Module("org.module",
	fx.Provide(NewService),
)

type CreateOrgRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Service) CreateOrg(ctx context.Context, req CreateOrgRequest) (*Org, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)

	if req.Name == "" {
		return nil, errutil.ValidationFailed("name is required")
	}

	record := &Org{
		ID:   s.node.Generate().String(),
		Name: req.Name,
	}

	if err := s.repo.Create(ctx, record); err != nil {
		zapLog.Error("failed to create org", zap.Error(err))
		return nil, errutil.Internal("failed to create org", errutil.WithErr(err))
	}

	return record, nil
}

func (s *Service) GetOrg(ctx context.Context, orgID string) (*Org, error) {
	record, err := s.repo.FindOne(ctx, &Org{ID: orgID})
	if err != nil {
		zap.L().Error("failed query get org by id", zap.Error(err))
		return nil, errutil.Internal("failed to get org", errutil.WithErr(err))
	}

	if record == nil {
		return nil, errutil.NotFound("org not found")
	}

	return record, nil
}

func (s *Service) ListOrgs(ctx context.Context, limit int) ([]*Org, error) {
	opts := []option.QueryOption{
		option.ApplyPagination(pagination.Pagination{Limit: limit}),
		option.OrderBy("created_at ASC"),
	}

	orgs, err := s.repo.Find(ctx, &Org{}, opts...)
	if err != nil {
		zap.L().Error("failed to list orgs", zap.Error(err))
		return nil, errutil.Internal("failed to list orgs", errutil.WithErr(err))
	}

	return orgs, nil
}

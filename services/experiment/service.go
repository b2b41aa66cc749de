package experiment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"clipforge-controlplane/pkg/config"
	"clipforge-controlplane/pkg/errutil"
	"clipforge-controlplane/pkg/repository"
	"clipforge-controlplane/services/job"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var platforms = map[string]bool{
	"tiktok": true,
	"shorts": true,
	"reels":  true,
	"x":      true,
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  *config.Config

	mu  sync.Mutex // guards rng
	rng *rand.Rand

	experiments repository.Repository[Experiment]
	variants    repository.Repository[Variant]
	stats       repository.Repository[VariantStats]
	jobs        repository.Repository[job.Job]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Cfg  *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		cfg:         p.Cfg,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		experiments: repository.ProvideStore[Experiment](p.DB),
		variants:    repository.ProvideStore[Variant](p.DB),
		stats:       repository.ProvideStore[VariantStats](p.DB),
		jobs:        repository.ProvideStore[job.Job](p.DB),
	}
}

type VariantInput struct {
	HookText    string  `json:"hook_text" binding:"required"`
	CaptionText string  `json:"caption_text" binding:"required"`
	StylePreset *string `json:"style_preset,omitempty"`
}

type CreateExperimentRequest struct {
	JobID             string         `json:"job_id" binding:"required"`
	Name              string         `json:"name" binding:"required"`
	Platform          string         `json:"platform" binding:"required"`
	TargetMetric      TargetMetric   `json:"target_metric" binding:"required"`
	MinImpressions    int64          `json:"min_impressions,omitempty"`
	MinRuntimeSeconds int64          `json:"min_runtime_seconds,omitempty"`
	PriorAlpha        float64        `json:"prior_alpha,omitempty"`
	PriorBeta         float64        `json:"prior_beta,omitempty"`
	Variants          []VariantInput `json:"variants" binding:"required"`
}

type ExperimentView struct {
	Experiment *Experiment    `json:"experiment"`
	Variants   []Variant      `json:"variants"`
	Stats      []VariantStats `json:"stats"`
}

// CreateExperiment opens a RUNNING experiment over a job's creative variants.
// Variants and their zeroed stats rows (posterior seeded at the prior) land in
// the same transaction as the experiment.
func (s *Service) CreateExperiment(ctx context.Context, req CreateExperimentRequest) (*ExperimentView, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("job_id", req.JobID),
	)

	if len(req.Variants) < 2 {
		return nil, errutil.ValidationFailed("an experiment needs at least two variants")
	}
	if !platforms[req.Platform] {
		return nil, errutil.ValidationFailed("unknown platform, use: tiktok | shorts | reels | x")
	}
	if !req.TargetMetric.Valid() {
		return nil, errutil.ValidationFailed("unknown target_metric, use: CTR | Watch3s | Watch30s")
	}

	owner, err := s.jobs.FindOne(ctx, &job.Job{ID: req.JobID})
	if err != nil {
		zapLog.Error("failed query get job", zap.Error(err))
		return nil, errutil.Internal("failed to check job", errutil.WithErr(err))
	}
	if owner == nil {
		return nil, errutil.NotFound("job not found")
	}

	if req.MinImpressions <= 0 {
		req.MinImpressions = 500
	}
	if req.MinRuntimeSeconds <= 0 {
		req.MinRuntimeSeconds = 3600
	}
	if req.PriorAlpha <= 0 {
		req.PriorAlpha = 1
	}
	if req.PriorBeta <= 0 {
		req.PriorBeta = 1
	}

	exp := &Experiment{
		ID:                s.node.Generate().String(),
		JobID:             owner.ID,
		OrgID:             owner.OrgID,
		Name:              req.Name,
		Platform:          req.Platform,
		TargetMetric:      req.TargetMetric,
		MinImpressions:    req.MinImpressions,
		MinRuntimeSeconds: req.MinRuntimeSeconds,
		PriorAlpha:        req.PriorAlpha,
		PriorBeta:         req.PriorBeta,
		State:             StateRunning,
	}

	arms := make([]Variant, 0, len(req.Variants))
	rows := make([]VariantStats, 0, len(req.Variants))
	for i, v := range req.Variants {
		arm := Variant{
			ID:           s.node.Generate().String(),
			ExperimentID: exp.ID,
			Index:        i,
			HookText:     v.HookText,
			CaptionText:  v.CaptionText,
			StylePreset:  v.StylePreset,
			State:        VariantReady,
		}
		arms = append(arms, arm)
		rows = append(rows, VariantStats{
			VariantID: arm.ID,
			Alpha:     exp.PriorAlpha,
			Beta:      exp.PriorBeta,
		})
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(exp).Error; err != nil {
			return err
		}
		if err := tx.Create(&arms).Error; err != nil {
			return err
		}
		return tx.Create(&rows).Error
	}); err != nil {
		zapLog.Error("failed to create experiment", zap.Error(err))
		return nil, errutil.Internal("failed to create experiment", errutil.WithErr(err))
	}

	zapLog.Info("experiment created",
		zap.String("experiment_id", exp.ID),
		zap.String("platform", exp.Platform),
		zap.Int("variants", len(arms)),
	)

	return &ExperimentView{Experiment: exp, Variants: arms, Stats: rows}, nil
}

// StatDelta is one batch of engagement counts from the ingestion feed.
type StatDelta struct {
	VariantID   string `json:"variant_id" binding:"required"`
	Impressions int64  `json:"impressions"`
	Clicks      int64  `json:"clicks"`
	Watch3s     int64  `json:"watch3s"`
	Watch30s    int64  `json:"watch30s"`
}

func (d StatDelta) successes(metric TargetMetric) int64 {
	switch metric {
	case MetricWatch3s:
		return d.Watch3s
	case MetricWatch30:
		return d.Watch30s
	default:
		return d.Clicks
	}
}

// IngestStats applies engagement deltas to the variants' counters and
// posteriors. Each row is a single conditional UPDATE with column arithmetic,
// so concurrent feeds never lose increments. Deltas for a non-RUNNING
// experiment or an unknown variant are dropped.
func (s *Service) IngestStats(ctx context.Context, experimentID string, deltas []StatDelta) error {
	if len(deltas) == 0 {
		return errutil.ValidationFailed("empty stats batch")
	}
	for _, d := range deltas {
		if d.Impressions < 0 || d.Clicks < 0 || d.Watch3s < 0 || d.Watch30s < 0 {
			return errutil.ValidationFailed("stat deltas must be non-negative")
		}
	}

	exp, err := s.experiments.FindOne(ctx, &Experiment{ID: experimentID})
	if err != nil {
		return errutil.Internal("failed to get experiment", errutil.WithErr(err))
	}
	if exp == nil {
		return errutil.NotFound("experiment not found")
	}
	if exp.State != StateRunning {
		return errutil.IneligibleIngest(
			fmt.Sprintf("experiment is %s, stats dropped", exp.State),
		)
	}

	arms, err := s.variants.Find(ctx, &Variant{ExperimentID: exp.ID})
	if err != nil {
		return errutil.Internal("failed to load variants", errutil.WithErr(err))
	}
	known := make(map[string]bool, len(arms))
	for _, a := range arms {
		known[a.ID] = true
	}
	for _, d := range deltas {
		if !known[d.VariantID] {
			return errutil.IneligibleIngest(
				"unknown variant, stats dropped",
				errutil.WithDetails(errutil.Detail{Field: "variant_id", Message: d.VariantID}),
			)
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range deltas {
			succ := d.successes(exp.TargetMetric)
			fail := d.Impressions - succ
			if fail < 0 {
				fail = 0
			}

			if err := tx.Model(&VariantStats{}).
				Where("variant_id = ?", d.VariantID).
				Updates(map[string]interface{}{
					"impressions":      gorm.Expr("impressions + ?", d.Impressions),
					"clicks":           gorm.Expr("clicks + ?", d.Clicks),
					"watch3s":          gorm.Expr("watch3s + ?", d.Watch3s),
					"watch30s":         gorm.Expr("watch30s + ?", d.Watch30s),
					"alpha":            gorm.Expr("alpha + ?", float64(succ)),
					"beta":             gorm.Expr("beta + ?", float64(fail)),
					"last_ingested_at": time.Now().UTC(),
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// AllocationShare is how many of the requested impressions one variant won.
type AllocationShare struct {
	VariantID string `json:"variant_id"`
	Index     int    `json:"index"`
	Count     int    `json:"count"`
}

// Allocate runs Thompson sampling over the READY variants and splits n
// impressions by posterior draws.
func (s *Service) Allocate(ctx context.Context, experimentID string, n int) ([]AllocationShare, error) {
	if n <= 0 {
		return nil, errutil.ValidationFailed("allocation size must be positive")
	}

	exp, arms, rows, err := s.load(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.State != StateRunning {
		return nil, errutil.Conflict(fmt.Sprintf("experiment is %s", exp.State))
	}

	statsByVariant := make(map[string]VariantStats, len(rows))
	for _, r := range rows {
		statsByVariant[r.VariantID] = r
	}

	var eligible []Variant
	var posteriors []Posterior
	for _, a := range arms {
		if a.State != VariantReady {
			continue
		}
		r := statsByVariant[a.ID]
		posteriors = append(posteriors, Posterior{Alpha: r.Alpha, Beta: r.Beta})
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, errutil.Conflict("experiment has no allocatable variants")
	}

	s.mu.Lock()
	counts := Allocate(s.rng, posteriors, n)
	s.mu.Unlock()

	out := make([]AllocationShare, 0, len(eligible))
	for i, a := range eligible {
		out = append(out, AllocationShare{VariantID: a.ID, Index: a.Index, Count: counts[i]})
	}
	return out, nil
}

// Decision is the outcome of one promotion review.
type Decision struct {
	ExperimentID string    `json:"experiment_id"`
	Eligible     bool      `json:"eligible"`
	Promoted     bool      `json:"promoted"`
	Reason       string    `json:"reason,omitempty"`
	WinnerID     string    `json:"winner_variant_id,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	Means        []float64 `json:"posterior_means,omitempty"`
}

// EvaluatePromotion reviews a running experiment against its thresholds.
// Eligibility requires every variant past MinImpressions and the experiment
// past MinRuntimeSeconds. The leader by posterior mean is promoted only when
// its Monte Carlo probability of being best clears the configured confidence
// threshold; otherwise the experiment stays RUNNING.
func (s *Service) EvaluatePromotion(ctx context.Context, experimentID string) (*Decision, error) {
	exp, arms, rows, err := s.load(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.State != StateRunning {
		return nil, errutil.Conflict(fmt.Sprintf("experiment is %s", exp.State))
	}

	statsByVariant := make(map[string]VariantStats, len(rows))
	for _, r := range rows {
		statsByVariant[r.VariantID] = r
	}

	decision := &Decision{ExperimentID: exp.ID}

	runtime := time.Since(exp.CreatedAt)
	if runtime < time.Duration(exp.MinRuntimeSeconds)*time.Second {
		decision.Reason = "minimum runtime not reached"
		return decision, nil
	}
	for _, a := range arms {
		if statsByVariant[a.ID].Impressions < exp.MinImpressions {
			decision.Reason = "minimum impressions not reached on every variant"
			return decision, nil
		}
	}
	decision.Eligible = true

	posteriors := make([]Posterior, len(arms))
	means := make([]float64, len(arms))
	winner := 0
	for i, a := range arms {
		r := statsByVariant[a.ID]
		posteriors[i] = Posterior{Alpha: r.Alpha, Beta: r.Beta}
		means[i] = posteriors[i].Mean()
		if means[i] > means[winner] {
			winner = i
		}
	}
	decision.Means = means

	rounds := s.cfg.Experiment.MonteCarloRounds
	threshold := s.cfg.Experiment.ConfidenceThreshold

	s.mu.Lock()
	probs := ProbBest(s.rng, posteriors, rounds)
	s.mu.Unlock()

	decision.Confidence = probs[winner]
	if probs[winner] < threshold {
		decision.Reason = "confidence below promotion threshold"
		return decision, nil
	}

	if err := s.promote(ctx, exp, arms[winner].ID); err != nil {
		return nil, err
	}

	decision.Promoted = true
	decision.WinnerID = arms[winner].ID

	zap.L().Info("variant promoted",
		zap.String("experiment_id", exp.ID),
		zap.String("variant_id", arms[winner].ID),
		zap.Float64("confidence", decision.Confidence),
	)

	return decision, nil
}

// promote is one-way: winner to PROMOTED, siblings to KILLED, experiment to
// PROMOTED. The conditional update on the experiment row is the guard; losing
// it means the state machine was violated elsewhere.
func (s *Service) promote(ctx context.Context, exp *Experiment, winnerID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Experiment{}).
			Where("id = ? AND state = ?", exp.ID, StateRunning).
			Update("state", StatePromoted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Internal("promotion attempted on a non-running experiment")
		}

		if err := tx.Model(&Variant{}).
			Where("experiment_id = ? AND id = ?", exp.ID, winnerID).
			Update("state", VariantPromoted).Error; err != nil {
			return err
		}

		return tx.Model(&Variant{}).
			Where("experiment_id = ? AND id <> ?", exp.ID, winnerID).
			Update("state", VariantKilled).Error
	})
}

// Stop halts a running experiment without a winner.
func (s *Service) Stop(ctx context.Context, experimentID string) (*ExperimentView, error) {
	res := s.db.WithContext(ctx).Model(&Experiment{}).
		Where("id = ? AND state = ?", experimentID, StateRunning).
		Update("state", StateStopped)
	if res.Error != nil {
		return nil, errutil.Internal("failed to stop experiment", errutil.WithErr(res.Error))
	}
	if res.RowsAffected == 0 {
		exp, err := s.experiments.FindOne(ctx, &Experiment{ID: experimentID})
		if err != nil {
			return nil, errutil.Internal("failed to get experiment", errutil.WithErr(err))
		}
		if exp == nil {
			return nil, errutil.NotFound("experiment not found")
		}
		return nil, errutil.Conflict(fmt.Sprintf("experiment is %s", exp.State))
	}

	zap.L().Info("experiment stopped", zap.String("experiment_id", experimentID))
	return s.GetExperiment(ctx, experimentID)
}

// GetExperiment returns the experiment with its variants and stats for the
// dashboard collaborator.
func (s *Service) GetExperiment(ctx context.Context, experimentID string) (*ExperimentView, error) {
	exp, arms, rows, err := s.load(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return &ExperimentView{Experiment: exp, Variants: arms, Stats: rows}, nil
}

// ListRunning returns the ids of every RUNNING experiment, for the periodic
// promotion review.
func (s *Service) ListRunning(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Experiment{}).
		Where("state = ?", StateRunning).
		Pluck("id", &ids).Error; err != nil {
		return nil, errutil.Internal("failed to list running experiments", errutil.WithErr(err))
	}
	return ids, nil
}

func (s *Service) load(ctx context.Context, experimentID string) (*Experiment, []Variant, []VariantStats, error) {
	exp, err := s.experiments.FindOne(ctx, &Experiment{ID: experimentID})
	if err != nil {
		return nil, nil, nil, errutil.Internal("failed to get experiment", errutil.WithErr(err))
	}
	if exp == nil {
		return nil, nil, nil, errutil.NotFound("experiment not found")
	}

	var arms []Variant
	if err := s.db.WithContext(ctx).
		Where("experiment_id = ?", exp.ID).
		Order("idx ASC").
		Find(&arms).Error; err != nil {
		return nil, nil, nil, errutil.Internal("failed to load variants", errutil.WithErr(err))
	}

	ids := make([]string, 0, len(arms))
	for _, a := range arms {
		ids = append(ids, a.ID)
	}
	var rows []VariantStats
	if err := s.db.WithContext(ctx).
		Where("variant_id IN ?", ids).
		Find(&rows).Error; err != nil {
		return nil, nil, nil, errutil.Internal("failed to load variant stats", errutil.WithErr(err))
	}

	return exp, arms, rows, nil
}

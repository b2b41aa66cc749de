package experiment

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"clipforge-controlplane/pkg/config"
	"clipforge-controlplane/pkg/errutil"
	"clipforge-controlplane/services/job"
	"clipforge-controlplane/services/testutil"
)

func newExperimentService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &job.Job{}, &Experiment{}, &Variant{}, &VariantStats{})
	require.NoError(t, db.Create(&job.Job{
		ID:           "job-1",
		OrgID:        "org-1",
		SourceURL:    "https://cdn.example.com/raw.mp4",
		InputMinutes: 30,
		PlanID:       "standard",
		Lane:         2,
		State:        job.StateCompleted,
	}).Error)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Experiment.ConfidenceThreshold = 0.95
	cfg.Experiment.MonteCarloRounds = 2000

	return NewService(ServiceParams{DB: db, Node: node, Cfg: cfg}), db
}

func createRunning(t *testing.T, svc *Service) *ExperimentView {
	t.Helper()

	view, err := svc.CreateExperiment(context.Background(), CreateExperimentRequest{
		JobID:        "job-1",
		Name:         "hook copy test",
		Platform:     "tiktok",
		TargetMetric: MetricCTR,
		Variants: []VariantInput{
			{HookText: "You won't believe this", CaptionText: "caption a"},
			{HookText: "Here is the data", CaptionText: "caption b"},
		},
	})
	require.NoError(t, err)
	return view
}

func TestCreateExperimentSeedsPosteriorAtPrior(t *testing.T) {
	svc, _ := newExperimentService(t)

	view := createRunning(t, svc)
	require.Equal(t, StateRunning, view.Experiment.State)
	require.EqualValues(t, 500, view.Experiment.MinImpressions)
	require.EqualValues(t, 3600, view.Experiment.MinRuntimeSeconds)
	require.Len(t, view.Variants, 2)
	require.Len(t, view.Stats, 2)

	for i, v := range view.Variants {
		require.Equal(t, i, v.Index)
		require.Equal(t, VariantReady, v.State)
	}
	for _, s := range view.Stats {
		require.EqualValues(t, 0, s.Impressions)
		require.Equal(t, 1.0, s.Alpha)
		require.Equal(t, 1.0, s.Beta)
	}
}

func TestCreateExperimentValidation(t *testing.T) {
	svc, _ := newExperimentService(t)

	cases := []struct {
		name string
		req  CreateExperimentRequest
		code errutil.CoreStatus
	}{
		{
			name: "one variant",
			req: CreateExperimentRequest{
				JobID: "job-1", Name: "x", Platform: "tiktok", TargetMetric: MetricCTR,
				Variants: []VariantInput{{HookText: "a", CaptionText: "a"}},
			},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "bad platform",
			req: CreateExperimentRequest{
				JobID: "job-1", Name: "x", Platform: "myspace", TargetMetric: MetricCTR,
				Variants: []VariantInput{{HookText: "a", CaptionText: "a"}, {HookText: "b", CaptionText: "b"}},
			},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "bad metric",
			req: CreateExperimentRequest{
				JobID: "job-1", Name: "x", Platform: "tiktok", TargetMetric: TargetMetric("Vibes"),
				Variants: []VariantInput{{HookText: "a", CaptionText: "a"}, {HookText: "b", CaptionText: "b"}},
			},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "unknown job",
			req: CreateExperimentRequest{
				JobID: "ghost", Name: "x", Platform: "tiktok", TargetMetric: MetricCTR,
				Variants: []VariantInput{{HookText: "a", CaptionText: "a"}, {HookText: "b", CaptionText: "b"}},
			},
			code: errutil.StatusNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateExperiment(context.Background(), tc.req)
			require.Error(t, err)
			require.Equal(t, tc.code, errutil.StatusOf(err))
		})
	}
}

func TestIngestStatsAccumulates(t *testing.T) {
	svc, _ := newExperimentService(t)
	view := createRunning(t, svc)
	a := view.Variants[0].ID

	err := svc.IngestStats(context.Background(), view.Experiment.ID, []StatDelta{
		{VariantID: a, Impressions: 100, Clicks: 30, Watch3s: 60, Watch30s: 20},
	})
	require.NoError(t, err)

	err = svc.IngestStats(context.Background(), view.Experiment.ID, []StatDelta{
		{VariantID: a, Impressions: 50, Clicks: 10},
	})
	require.NoError(t, err)

	reloaded, err := svc.GetExperiment(context.Background(), view.Experiment.ID)
	require.NoError(t, err)

	var stats VariantStats
	for _, s := range reloaded.Stats {
		if s.VariantID == a {
			stats = s
		}
	}
	require.EqualValues(t, 150, stats.Impressions)
	require.EqualValues(t, 40, stats.Clicks)
	require.EqualValues(t, 60, stats.Watch3s)
	require.EqualValues(t, 20, stats.Watch30s)

	// posterior = prior + successes / failures on the CTR metric
	require.Equal(t, 1.0+40, stats.Alpha)
	require.Equal(t, 1.0+110, stats.Beta)
}

func TestIngestStatsRejectedWhenStopped(t *testing.T) {
	svc, db := newExperimentService(t)
	view := createRunning(t, svc)
	a := view.Variants[0].ID

	_, err := svc.Stop(context.Background(), view.Experiment.ID)
	require.NoError(t, err)

	err = svc.IngestStats(context.Background(), view.Experiment.ID, []StatDelta{
		{VariantID: a, Impressions: 100, Clicks: 30},
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusIneligibleIngest, errutil.StatusOf(err))

	// dropped means dropped: counters stay at zero
	var stats VariantStats
	require.NoError(t, db.First(&stats, "variant_id = ?", a).Error)
	require.EqualValues(t, 0, stats.Impressions)
	require.Equal(t, 1.0, stats.Alpha)
	require.Equal(t, 1.0, stats.Beta)
}

func TestIngestStatsRejectsUnknownVariant(t *testing.T) {
	svc, _ := newExperimentService(t)
	view := createRunning(t, svc)

	err := svc.IngestStats(context.Background(), view.Experiment.ID, []StatDelta{
		{VariantID: "stranger", Impressions: 10},
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusIneligibleIngest, errutil.StatusOf(err))
}

func TestIngestStatsRejectsNegativeDeltas(t *testing.T) {
	svc, _ := newExperimentService(t)
	view := createRunning(t, svc)

	err := svc.IngestStats(context.Background(), view.Experiment.ID, []StatDelta{
		{VariantID: view.Variants[0].ID, Impressions: -1},
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestAllocateSplitsRequestedImpressions(t *testing.T) {
	svc, _ := newExperimentService(t)
	view := createRunning(t, svc)

	shares, err := svc.Allocate(context.Background(), view.Experiment.ID, 500)
	require.NoError(t, err)
	require.Len(t, shares, 2)

	total := 0
	for _, s := range shares {
		total += s.Count
	}
	require.Equal(t, 500, total)
}

func TestAllocateFavorsStrongVariant(t *testing.T) {
	svc, _ := newExperimentService(t)
	view := createRunning(t, svc)
	a, b := view.Variants[0].ID, view.Variants[1].ID

	require.NoError(t, svc.IngestStats(context.Background(), view.Experiment.ID, []StatDelta{
		{VariantID: a, Impressions: 59, Clicks: 49},
		{VariantID: b, Impressions: 58, Clicks: 9},
	}))

	shares, err := svc.Allocate(context.Background(), view.Experiment.ID, 2000)
	require.NoError(t, err)

	byVariant := map[string]int{}
	for _, s := range shares {
		byVariant[s.VariantID] = s.Count
	}
	require.Greater(t, byVariant[a], 1700)
}

func eligibleExperiment(t *testing.T, svc *Service, db *gorm.DB) *ExperimentView {
	t.Helper()

	view := createRunning(t, svc)

	// drop the gates so evaluation can run immediately
	require.NoError(t, db.Model(&Experiment{}).
		Where("id = ?", view.Experiment.ID).
		Updates(map[string]interface{}{
			"min_impressions": 100,
			"created_at":      time.Now().UTC().Add(-2 * time.Hour),
		}).Error)

	return view
}

func TestEvaluatePromotionBelowImpressionGate(t *testing.T) {
	svc, db := newExperimentService(t)
	view := eligibleExperiment(t, svc, db)
	a, b := view.Variants[0].ID, view.Variants[1].ID

	// one variant short of the gate blocks the whole review
	require.NoError(t, svc.IngestStats(context.Background(), view.Experiment.ID, []StatDelta{
		{VariantID: a, Impressions: 1000, Clicks: 500},
		{VariantID: b, Impressions: 99, Clicks: 5},
	}))

	decision, err := svc.EvaluatePromotion(context.Background(), view.Experiment.ID)
	require.NoError(t, err)
	require.False(t, decision.Eligible)
	require.False(t, decision.Promoted)

	reloaded, err := svc.GetExperiment(context.Background(), view.Experiment.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunning, reloaded.Experiment.State)
}

func TestEvaluatePromotionBelowRuntimeGate(t *testing.T) {
	svc, _ := newExperimentService(t)
	view := createRunning(t, svc)

	decision, err := svc.EvaluatePromotion(context.Background(), view.Experiment.ID)
	require.NoError(t, err)
	require.False(t, decision.Eligible)
	require.False(t, decision.Promoted)
	require.Equal(t, "minimum runtime not reached", decision.Reason)
}

func TestEvaluatePromotionPromotesClearWinner(t *testing.T) {
	svc, db := newExperimentService(t)
	view := eligibleExperiment(t, svc, db)
	a, b := view.Variants[0].ID, view.Variants[1].ID

	require.NoError(t, svc.IngestStats(context.Background(), view.Experiment.ID, []StatDelta{
		{VariantID: a, Impressions: 1000, Clicks: 500},
		{VariantID: b, Impressions: 1000, Clicks: 50},
	}))

	decision, err := svc.EvaluatePromotion(context.Background(), view.Experiment.ID)
	require.NoError(t, err)
	require.True(t, decision.Eligible)
	require.True(t, decision.Promoted)
	require.Equal(t, a, decision.WinnerID)
	require.GreaterOrEqual(t, decision.Confidence, 0.95)

	reloaded, err := svc.GetExperiment(context.Background(), view.Experiment.ID)
	require.NoError(t, err)
	require.Equal(t, StatePromoted, reloaded.Experiment.State)

	promoted := 0
	for _, v := range reloaded.Variants {
		switch v.ID {
		case a:
			require.Equal(t, VariantPromoted, v.State)
			promoted++
		default:
			require.Equal(t, VariantKilled, v.State)
		}
	}
	require.Equal(t, 1, promoted)
}

func TestEvaluatePromotionHoldsWithoutConfidence(t *testing.T) {
	svc, db := newExperimentService(t)
	view := eligibleExperiment(t, svc, db)
	a, b := view.Variants[0].ID, view.Variants[1].ID

	// near-identical arms cannot clear a 95% confidence bar
	require.NoError(t, svc.IngestStats(context.Background(), view.Experiment.ID, []StatDelta{
		{VariantID: a, Impressions: 1000, Clicks: 101},
		{VariantID: b, Impressions: 1000, Clicks: 100},
	}))

	decision, err := svc.EvaluatePromotion(context.Background(), view.Experiment.ID)
	require.NoError(t, err)
	require.True(t, decision.Eligible)
	require.False(t, decision.Promoted)
	require.Equal(t, "confidence below promotion threshold", decision.Reason)

	reloaded, err := svc.GetExperiment(context.Background(), view.Experiment.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunning, reloaded.Experiment.State)
}

func TestPromotionIsOneWay(t *testing.T) {
	svc, db := newExperimentService(t)
	view := eligibleExperiment(t, svc, db)
	a, b := view.Variants[0].ID, view.Variants[1].ID

	require.NoError(t, svc.IngestStats(context.Background(), view.Experiment.ID, []StatDelta{
		{VariantID: a, Impressions: 1000, Clicks: 500},
		{VariantID: b, Impressions: 1000, Clicks: 50},
	}))

	_, err := svc.EvaluatePromotion(context.Background(), view.Experiment.ID)
	require.NoError(t, err)

	_, err = svc.EvaluatePromotion(context.Background(), view.Experiment.ID)
	require.Error(t, err)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))

	_, err = svc.Stop(context.Background(), view.Experiment.ID)
	require.Error(t, err)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
}

func TestStopUnknownExperiment(t *testing.T) {
	svc, _ := newExperimentService(t)

	_, err := svc.Stop(context.Background(), "ghost")
	require.Error(t, err)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

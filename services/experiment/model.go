package experiment

import "time"

type ExperimentState string

const (
	StateDraft    ExperimentState = "DRAFT"
	StateRunning  ExperimentState = "RUNNING"
	StatePromoted ExperimentState = "PROMOTED"
	StateStopped  ExperimentState = "STOPPED"
)

func (s ExperimentState) String() string {
	switch s {
	case StateDraft, StateRunning, StatePromoted, StateStopped:
		return string(s)
	default:
		return ""
	}
}

// Terminal reports whether the experiment can no longer change.
func (s ExperimentState) Terminal() bool {
	return s == StatePromoted || s == StateStopped
}

type VariantState string

const (
	VariantReady    VariantState = "READY"
	VariantPaused   VariantState = "PAUSED"
	VariantKilled   VariantState = "KILLED"
	VariantPromoted VariantState = "PROMOTED"
)

func (s VariantState) String() string {
	switch s {
	case VariantReady, VariantPaused, VariantKilled, VariantPromoted:
		return string(s)
	default:
		return ""
	}
}

type TargetMetric string

const (
	MetricCTR     TargetMetric = "CTR"
	MetricWatch3s TargetMetric = "Watch3s"
	MetricWatch30 TargetMetric = "Watch30s"
)

func (m TargetMetric) Valid() bool {
	return m == MetricCTR || m == MetricWatch3s || m == MetricWatch30
}

// Experiment is an A/B test scoped to one job's creative variants.
type Experiment struct {
	ID                string          `gorm:"column:id;primaryKey" json:"experiment_id"`
	JobID             string          `gorm:"column:job_id;index;not null" json:"job_id"`
	OrgID             string          `gorm:"column:org_id;index;not null" json:"org_id"`
	Name              string          `gorm:"column:name;not null" json:"name"`
	Platform          string          `gorm:"column:platform;not null" json:"platform"`
	TargetMetric      TargetMetric    `gorm:"column:target_metric;not null" json:"target_metric"`
	MinImpressions    int64           `gorm:"column:min_impressions;not null;default:500" json:"min_impressions"`
	MinRuntimeSeconds int64           `gorm:"column:min_runtime_seconds;not null;default:3600" json:"min_runtime_seconds"`
	PriorAlpha        float64         `gorm:"column:prior_alpha;not null;default:1" json:"prior_alpha"`
	PriorBeta         float64         `gorm:"column:prior_beta;not null;default:1" json:"prior_beta"`
	State             ExperimentState `gorm:"column:state;not null;default:'DRAFT'" json:"state"`
	CreatedAt         time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Experiment) TableName() string { return "experiments" }

// Variant is one arm of an experiment. Index is unique per experiment.
type Variant struct {
	ID           string       `gorm:"column:id;primaryKey" json:"variant_id"`
	ExperimentID string       `gorm:"column:experiment_id;index;uniqueIndex:uq_variant_exp_idx;not null" json:"experiment_id"`
	Index        int          `gorm:"column:idx;uniqueIndex:uq_variant_exp_idx;not null" json:"index"`
	HookText     string       `gorm:"column:hook_text;not null" json:"hook_text"`
	CaptionText  string       `gorm:"column:caption_text;not null" json:"caption_text"`
	StylePreset  *string      `gorm:"column:style_preset" json:"style_preset,omitempty"`
	State        VariantState `gorm:"column:state;not null;default:'READY'" json:"state"`
	CreatedAt    time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Variant) TableName() string { return "variants" }

// VariantStats carries the running engagement counters and the Beta posterior
// (prior plus accumulated successes/failures) for one variant. Counters only
// ever grow; they are never reset mid-experiment.
type VariantStats struct {
	VariantID      string    `gorm:"column:variant_id;primaryKey" json:"variant_id"`
	Impressions    int64     `gorm:"column:impressions;not null;default:0" json:"impressions"`
	Clicks         int64     `gorm:"column:clicks;not null;default:0" json:"clicks"`
	Watch3s        int64     `gorm:"column:watch3s;not null;default:0" json:"watch3s"`
	Watch30s       int64     `gorm:"column:watch30s;not null;default:0" json:"watch30s"`
	Alpha          float64   `gorm:"column:alpha;not null;default:1" json:"alpha"`
	Beta           float64   `gorm:"column:beta;not null;default:1" json:"beta"`
	LastIngestedAt time.Time `gorm:"column:last_ingested_at;autoUpdateTime" json:"last_ingested_at"`
}

func (VariantStats) TableName() string { return "variant_stats" }

// Successes returns the success count for the experiment's target metric.
func (s VariantStats) Successes(metric TargetMetric) int64 {
	switch metric {
	case MetricWatch3s:
		return s.Watch3s
	case MetricWatch30:
		return s.Watch30s
	default:
		return s.Clicks
	}
}

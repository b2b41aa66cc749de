package job

import (
	"time"

	"gorm.io/datatypes"
)

type JobState string

const (
	StateCreated      JobState = "CREATED"
	StateQueued       JobState = "QUEUED"
	StateIngesting    JobState = "INGESTING"
	StateTranscribing JobState = "TRANSCRIBING"
	StateAnalyzing    JobState = "ANALYZING"
	StateEditing      JobState = "EDITING"
	StateRendering    JobState = "RENDERING"
	StateUploading    JobState = "UPLOADING"
	StateCompleted    JobState = "COMPLETED"
	StateFailed       JobState = "FAILED"
	StateTimedOut     JobState = "TIMED_OUT"
	StateCanceled     JobState = "CANCELED"
)

func (s JobState) String() string {
	switch s {
	case StateCreated, StateQueued, StateIngesting, StateTranscribing, StateAnalyzing,
		StateEditing, StateRendering, StateUploading, StateCompleted, StateFailed,
		StateTimedOut, StateCanceled:
		return string(s)
	default:
		return ""
	}
}

// Terminal reports whether the state ends the job lifecycle.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCanceled:
		return true
	default:
		return false
	}
}

// ActiveStates are the states counted against lane capacity.
var ActiveStates = []JobState{
	StateQueued, StateIngesting, StateTranscribing, StateAnalyzing,
	StateEditing, StateRendering, StateUploading,
}

// Job is one unit of media-processing work. Lane is copied from the plan at
// creation so later plan edits never reshuffle queued work.
type Job struct {
	ID             string    `gorm:"column:id;primaryKey" json:"job_id"`
	OrgID          string    `gorm:"column:org_id;index;uniqueIndex:uq_job_org_idem;not null" json:"org_id"`
	SourceURL      string    `gorm:"column:source_url;not null" json:"source_url"`
	InputMinutes   int       `gorm:"column:input_minutes;not null" json:"input_minutes"`
	PlanID         string    `gorm:"column:plan_id;not null" json:"plan_id"`
	Lane           int       `gorm:"column:lane;index;not null" json:"lane"`
	PriorityScore  int64     `gorm:"column:priority_score;not null;default:0" json:"priority_score"`
	State          JobState  `gorm:"column:state;index;not null;default:'CREATED'" json:"state"`
	ClaimedBy      *string   `gorm:"column:claimed_by" json:"claimed_by,omitempty"`
	ETASeconds     *int      `gorm:"column:eta_seconds" json:"eta_seconds,omitempty"`
	IdempotencyKey *string   `gorm:"column:idempotency_key;uniqueIndex:uq_job_org_idem" json:"-"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// JobEvent is the append-only record of a single state transition. Rows are
// written exactly once per transition and never mutated.
type JobEvent struct {
	ID     int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	JobID  string         `gorm:"column:job_id;index;not null" json:"job_id"`
	State  JobState       `gorm:"column:state;not null" json:"state"`
	Detail datatypes.JSON `gorm:"column:detail" json:"detail,omitempty"`
	At     time.Time      `gorm:"column:at;autoCreateTime" json:"at"`
}

func (JobEvent) TableName() string { return "job_events" }

// SLAAudit is written exactly once, when a job reaches a terminal state.
type SLAAudit struct {
	JobID         string         `gorm:"column:job_id;primaryKey" json:"job_id"`
	TargetSeconds int64          `gorm:"column:target_seconds;not null" json:"target_seconds"`
	ActualSeconds int64          `gorm:"column:actual_seconds;not null" json:"actual_seconds"`
	Breached      bool           `gorm:"column:breached;not null" json:"breached"`
	Remedy        datatypes.JSON `gorm:"column:remedy" json:"remedy,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (SLAAudit) TableName() string { return "job_sla_audit" }

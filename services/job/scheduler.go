package job

import (
	"context"
	"encoding/json"
	"time"

	"clipforge-controlplane/pkg/config"
	"clipforge-controlplane/pkg/errutil"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// laneBaseStep keeps lanes strictly ordered: a lane-0 job always outranks
	// lane 1 and 2 no matter how long the latter have waited. agingCap pins
	// the age bonus below the step so aging never crosses lane boundaries.
	laneBaseStep = 1_000_000
	agingCap     = laneBaseStep - 1

	queueStatusCacheKey = "scheduler:queue:status"
)

// PriorityScore derives the scheduling score for a queued job. Monotonically
// non-decreasing in age: one point per second waited, capped at agingCap.
func PriorityScore(lane int, age time.Duration) int64 {
	base := int64(2-lane) * laneBaseStep
	aging := int64(age.Seconds())
	if aging < 0 {
		aging = 0
	}
	if aging > agingCap {
		aging = agingCap
	}
	return base + aging
}

// Scheduler owns lane ordering, capacity accounting and exclusive claims.
type Scheduler struct {
	db    *gorm.DB
	cfg   *config.Config
	redis *redis.Client
}

func NewScheduler(db *gorm.DB, cfg *config.Config, rdb *redis.Client) *Scheduler {
	return &Scheduler{db: db, cfg: cfg, redis: rdb}
}

// Claim atomically takes the highest-priority queued job in the lane for the
// given worker. The claim is a conditional update, never a read-then-write
// pair: of two racing workers exactly one wins, the other sees ClaimConflict
// and simply re-polls. Returns (nil, nil) when the lane has nothing to do.
func (s *Scheduler) Claim(ctx context.Context, lane int, workerID string) (*Job, error) {
	if workerID == "" {
		return nil, errutil.ValidationFailed("worker id is required")
	}

	processingStates := []JobState{
		StateIngesting, StateTranscribing, StateAnalyzing,
		StateEditing, StateRendering, StateUploading,
	}

	var processing int64
	if err := s.db.WithContext(ctx).Model(&Job{}).
		Where("lane = ? AND state IN ?", lane, processingStates).
		Count(&processing).Error; err != nil {
		return nil, errutil.Internal("failed to count lane load", errutil.WithErr(err))
	}
	if processing >= int64(s.cfg.LaneCapacity(lane)) {
		return nil, nil
	}

	attempts := s.cfg.Scheduler.ClaimRetries
	if attempts <= 0 {
		attempts = 3
	}

	var candidates []Job
	if err := s.db.WithContext(ctx).
		Where("lane = ? AND state = ? AND claimed_by IS NULL", lane, StateQueued).
		Order("priority_score DESC, created_at ASC").
		Limit(attempts).
		Find(&candidates).Error; err != nil {
		return nil, errutil.Internal("failed to list lane candidates", errutil.WithErr(err))
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	for _, candidate := range candidates {
		res := s.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND claimed_by IS NULL AND state = ?", candidate.ID, StateQueued).
			Update("claimed_by", workerID)
		if res.Error != nil {
			return nil, errutil.Internal("failed to claim job", errutil.WithErr(res.Error))
		}
		if res.RowsAffected == 1 {
			candidate.ClaimedBy = &workerID
			zap.L().Info("job claimed",
				zap.String("job_id", candidate.ID),
				zap.Int("lane", lane),
				zap.String("worker_id", workerID),
			)
			return &candidate, nil
		}
	}

	return nil, errutil.ClaimConflict("all lane candidates were claimed by other workers")
}

// RefreshPriorities recomputes scores for queued jobs. Scores only grow while
// a job waits, so the conditional update keeps them monotone even if an older
// refresh lands late.
func (s *Scheduler) RefreshPriorities(ctx context.Context) error {
	var queued []Job
	if err := s.db.WithContext(ctx).
		Where("state = ?", StateQueued).
		Find(&queued).Error; err != nil {
		return errutil.Internal("failed to list queued jobs", errutil.WithErr(err))
	}

	now := time.Now().UTC()
	for _, j := range queued {
		score := PriorityScore(j.Lane, now.Sub(j.CreatedAt))
		if err := s.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND priority_score < ?", j.ID, score).
			Update("priority_score", score).Error; err != nil {
			return errutil.Internal("failed to refresh priority", errutil.WithErr(err))
		}
	}

	return nil
}

// LaneStatus is a point-in-time snapshot of one lane for the status endpoint.
type LaneStatus struct {
	Lane          int  `json:"lane"`
	Count         int  `json:"count"`
	AvgETASeconds *int `json:"avg_eta_seconds"`
}

// QueueStatus returns per-lane depth and average ETA over active jobs. The
// snapshot is cached in redis for a short TTL since the dashboard polls it
// aggressively.
func (s *Scheduler) QueueStatus(ctx context.Context) ([]LaneStatus, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, queueStatusCacheKey).Bytes(); err == nil {
			var out []LaneStatus
			if err := json.Unmarshal(cached, &out); err == nil {
				return out, nil
			}
		}
	}

	type row struct {
		Lane   int
		Count  int
		AvgETA *float64
	}

	var rows []row
	if err := s.db.WithContext(ctx).Model(&Job{}).
		Select("lane, COUNT(*) AS count, AVG(eta_seconds) AS avg_eta").
		Where("state IN ?", ActiveStates).
		Group("lane").
		Scan(&rows).Error; err != nil {
		return nil, errutil.Internal("failed to read queue status", errutil.WithErr(err))
	}

	out := []LaneStatus{{Lane: 0}, {Lane: 1}, {Lane: 2}}
	for _, r := range rows {
		if r.Lane < 0 || r.Lane >= len(out) {
			continue
		}
		out[r.Lane].Count = r.Count
		if r.AvgETA != nil {
			avg := int(*r.AvgETA)
			out[r.Lane].AvgETASeconds = &avg
		}
	}

	if s.redis != nil {
		if raw, err := json.Marshal(out); err == nil {
			ttl := s.cfg.Scheduler.QueueCacheTTL
			if ttl <= 0 {
				ttl = 5 * time.Second
			}
			_ = s.redis.Set(ctx, queueStatusCacheKey, raw, ttl).Err()
		}
	}

	return out, nil
}

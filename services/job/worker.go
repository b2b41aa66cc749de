package job

import (
	"context"
	"fmt"
	"os"
	"time"

	"clipforge-controlplane/pkg/config"
	"clipforge-controlplane/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Poller drives the lanes: one loop per lane claims the next queued job and
// hands it to the media pipeline by reporting the INGESTING transition. The
// pipeline stages themselves are external; this process only observes and
// records their progress.
type Poller struct {
	svc      *Service
	cfg      *config.Config
	workerID string
}

func NewPoller(svc *Service, cfg *config.Config) *Poller {
	host, _ := os.Hostname()
	return &Poller{
		svc:      svc,
		cfg:      cfg,
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// StartPoller is invoked by fx at worker start.
func StartPoller(lc fx.Lifecycle, p *Poller) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go p.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (p *Poller) run(ctx context.Context) {
	zap.L().Info("[Poller] lane pollers started", zap.String("worker_id", p.workerID))

	g, ctx := errgroup.WithContext(ctx)
	for lane := 0; lane < 3; lane++ {
		g.Go(func() error {
			p.pollLane(ctx, lane)
			return nil
		})
	}

	g.Go(func() error {
		p.refreshLoop(ctx)
		return nil
	})

	_ = g.Wait()
	zap.L().Warn("[Poller] stopped")
}

func (p *Poller) pollLane(ctx context.Context, lane int) {
	interval := p.cfg.Scheduler.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.pollOnce(ctx, lane)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, lane int) {
	claimed, err := p.svc.Claim(ctx, lane, p.workerID)
	if err != nil {
		// Losing a claim race is routine, everything else is worth a log line.
		if !errutil.HasStatus(err, errutil.StatusClaimConflict) {
			zap.L().Error("[Poller] claim failed", zap.Int("lane", lane), zap.Error(err))
		}
		return
	}
	if claimed == nil {
		return
	}

	if _, err := p.svc.ReportTransition(ctx, claimed.ID, StateIngesting, map[string]interface{}{
		"worker_id": p.workerID,
	}); err != nil {
		zap.L().Error("[Poller] failed to hand job to pipeline",
			zap.String("job_id", claimed.ID),
			zap.Error(err),
		)
	}
}

// refreshLoop keeps queued priority scores growing with age so lower lanes
// cannot starve behind a constant stream of same-lane arrivals.
func (p *Poller) refreshLoop(ctx context.Context) {
	interval := p.cfg.Scheduler.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.svc.scheduler.RefreshPriorities(ctx); err != nil {
				zap.L().Error("[Poller] priority refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

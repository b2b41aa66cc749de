package main

import (
	"context"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"clipforge-controlplane/pkg/config"
	"clipforge-controlplane/pkg/db"
	"clipforge-controlplane/pkg/gen"
	"clipforge-controlplane/pkg/logger"
	"clipforge-controlplane/pkg/redis"
	"clipforge-controlplane/pkg/task"
	"clipforge-controlplane/pkg/taskname"
	"clipforge-controlplane/services/experiment"
	"clipforge-controlplane/services/job"
	"clipforge-controlplane/services/org"
	"clipforge-controlplane/services/plan"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		redis.Module,
		task.Client,
		task.Server,
		fx.Invoke(migrate),
		plan.Module,
		job.WorkerModule,
		experiment.WorkerModule,
		fx.Invoke(startSweeps),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&org.Org{},
		&plan.Plan{},
		&job.Job{},
		&job.JobEvent{},
		&job.SLAAudit{},
		&experiment.Experiment{},
		&experiment.Variant{},
		&experiment.VariantStats{},
	)
}

// startSweeps enqueues the periodic timeout scan and promotion review ticks.
func startSweeps(lc fx.Lifecycle, enq task.Enqueuer) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sweep(ctx, enq)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func sweep(ctx context.Context, enq task.Enqueuer) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, name := range []string{taskname.JobTimeoutScan, taskname.ExperimentEvaluate} {
				if _, err := enq.Enqueue(asynq.NewTask(name, nil)); err != nil {
					zap.L().Error("failed to enqueue sweep", zap.String("task_type", name), zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"clipforge-controlplane/internal/httpapi"
	"clipforge-controlplane/pkg/config"
	"clipforge-controlplane/pkg/db"
	"clipforge-controlplane/pkg/gen"
	"clipforge-controlplane/pkg/health"
	"clipforge-controlplane/pkg/logger"
	"clipforge-controlplane/pkg/redis"
	"clipforge-controlplane/pkg/server"
	"clipforge-controlplane/pkg/task"
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
		fx.Invoke(
			migrate,
			registerTelemetry,
		),
		org.Module,
		plan.Module,
		job.Module,
		experiment.Module,
		health.Module,
		httpapi.Module,
		server.Module,
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

func registerTelemetry(gdb *gorm.DB, cfg *config.Config) {
	if err := db.Otel(gdb); err != nil {
		zap.L().Warn("db tracing disabled", zap.Error(err))
	}
	if err := db.Metric(gdb, cfg.Database.DBNAME); err != nil {
		zap.L().Warn("db metrics disabled", zap.Error(err))
	}
}

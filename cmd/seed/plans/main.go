package main

import (
	"log"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"clipforge-controlplane/pkg/config"
	"clipforge-controlplane/pkg/db"
	"clipforge-controlplane/pkg/logger"
	"clipforge-controlplane/services/plan"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(migrate),
		plan.Module,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&plan.Plan{})
}

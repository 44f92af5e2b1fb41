package database

import (
	"fmt"

	"allocation-backend/internal/config"
	"allocation-backend/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to postgres and, when enabled, migrates the schema.
func Open(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
		log.Info("database migrated")
	}
	return db, nil
}

// Models lists every table the service owns, parents first.
func Models() []any {
	return []any{
		&models.Batch{},
		&models.StockRecord{},
		&models.Reservation{},
		&models.DemandLine{},
		&models.MovementLogEntry{},
		&models.AllocationSheet{},
		&models.AllocationCell{},
	}
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

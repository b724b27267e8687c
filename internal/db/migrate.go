package db

import (
	"github.com/PhilippMayorov/insiderTracker/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.TradeRecord{},
		&models.MarketEvent{},
		&models.PipelineRun{},
		&models.FeatureSnapshot{},
		&models.DetectorSignal{},
		&models.DetectorFailure{},
		&models.CompositeScore{},
		&models.Alert{},
		&models.AlertRevision{},
		&models.AlertEvent{},
	)
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

type DetectorSignal struct {
	ID                uint64         `gorm:"primaryKey;autoIncrement"`
	RunID             string         `gorm:"type:varchar(36);not null;index"`
	DetectorID        string         `gorm:"type:varchar(64);not null;index"`
	Kind              string         `gorm:"type:varchar(64);not null;index"`
	Wallet            string         `gorm:"type:text;not null;index"`
	MarketID          string         `gorm:"type:text;not null;index"`
	WindowKey         string         `gorm:"type:text;not null"`
	Strength          float64        `gorm:"not null"`
	Scale             string         `gorm:"type:varchar(16);not null"`
	ScaleMax          float64        `gorm:"not null"`
	TradeIDs          datatypes.JSON `gorm:"type:jsonb"`
	FeatureSnapshotID string         `gorm:"type:text"`
	Details           datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt         time.Time      `gorm:"type:timestamptz;autoCreateTime"`
}

func (DetectorSignal) TableName() string {
	return "detector_signals"
}

// DetectorFailure records that a detector produced nothing for a key in a run.
type DetectorFailure struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	RunID      string    `gorm:"type:varchar(36);not null;index"`
	DetectorID string    `gorm:"type:varchar(64);not null;index"`
	Wallet     string    `gorm:"type:text;not null"`
	MarketID   string    `gorm:"type:text;not null"`
	WindowKey  string    `gorm:"type:text;not null"`
	Error      string    `gorm:"type:text;not null"`
	Attempts   int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (DetectorFailure) TableName() string {
	return "detector_failures"
}

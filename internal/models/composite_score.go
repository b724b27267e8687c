package models

import (
	"time"

	"gorm.io/datatypes"
)

type CompositeScore struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement"`
	RunID         string         `gorm:"type:varchar(36);not null;index"`
	Wallet        string         `gorm:"type:text;not null;index"`
	MarketID      string         `gorm:"type:text;not null;index"`
	WindowKey     string         `gorm:"type:text;not null;index"`
	Score         float64        `gorm:"not null;index"`
	Raw           float64        `gorm:"not null"`
	Breakdown     datatypes.JSON `gorm:"type:jsonb;not null"`
	Detectors     datatypes.JSON `gorm:"type:jsonb"`
	Failed        datatypes.JSON `gorm:"type:jsonb"`
	Incomplete    bool           `gorm:"not null;default:false"`
	PolicyVersion string         `gorm:"type:varchar(32);not null"`
	CreatedAt     time.Time      `gorm:"type:timestamptz;autoCreateTime"`
}

func (CompositeScore) TableName() string {
	return "composite_scores"
}

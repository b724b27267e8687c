package models

import (
	"time"

	"gorm.io/datatypes"
)

// FeatureSnapshot is keyed by its content hash, so identical runs share one row.
type FeatureSnapshot struct {
	ID        string         `gorm:"primaryKey;type:text"`
	WindowKey string         `gorm:"type:text;not null;index"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"type:timestamptz;autoCreateTime"`
}

func (FeatureSnapshot) TableName() string {
	return "feature_snapshots"
}

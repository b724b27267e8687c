package models

import (
	"time"

	"gorm.io/datatypes"
)

// Alert is the current state of an alert identity.
type Alert struct {
	ID                 string         `gorm:"primaryKey;type:varchar(40)"`
	Wallet             string         `gorm:"type:text;not null;index:idx_alert_pair,priority:1"`
	MarketID           string         `gorm:"type:text;not null;index:idx_alert_pair,priority:2"`
	WindowKey          string         `gorm:"type:text;not null"`
	Fingerprint        string         `gorm:"type:text;not null"`
	Status             string         `gorm:"type:varchar(20);not null;index"`
	Revision           int            `gorm:"not null"`
	Severity           string         `gorm:"type:varchar(20);not null;index"`
	Score              float64        `gorm:"not null;index"`
	Detectors          datatypes.JSON `gorm:"type:jsonb;not null"`
	StaleCount         int            `gorm:"not null;default:0"`
	StaleWindows       datatypes.JSON `gorm:"type:jsonb"`
	ConfirmedWindowEnd time.Time      `gorm:"type:timestamptz"`
	LastWindow         string         `gorm:"type:text;not null"`
	LastWindowEnd      time.Time      `gorm:"type:timestamptz;not null"`
	Evidence           datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt          time.Time      `gorm:"type:timestamptz;not null;index"`
	UpdatedAt          time.Time      `gorm:"type:timestamptz;not null"`
	ClosedAt           *time.Time     `gorm:"type:timestamptz"`
	// Version increments on every update; updates only apply to the loaded version.
	Version int `gorm:"not null;default:0"`
}

func (Alert) TableName() string {
	return "alerts"
}

// AlertRevision keeps the evidence bundle of every revision; rows are append-only.
type AlertRevision struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	AlertID   string         `gorm:"type:varchar(40);not null;uniqueIndex:idx_alert_revision,priority:1"`
	Revision  int            `gorm:"not null;uniqueIndex:idx_alert_revision,priority:2"`
	RunID     string         `gorm:"type:varchar(36);not null"`
	Status    string         `gorm:"type:varchar(20);not null"`
	Score     float64        `gorm:"not null"`
	Evidence  datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"type:timestamptz;not null"`
}

func (AlertRevision) TableName() string {
	return "alert_revisions"
}

// AlertEvent is the outbox of the alert stream. Seq orders events for consumers.
type AlertEvent struct {
	Seq         uint64         `gorm:"primaryKey;autoIncrement"`
	EventID     string         `gorm:"type:varchar(36);not null;uniqueIndex"`
	AlertID     string         `gorm:"type:varchar(40);not null;index"`
	Type        string         `gorm:"type:varchar(20);not null;index"`
	Revision    int            `gorm:"not null"`
	RunID       string         `gorm:"type:varchar(36);not null"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null"`
	PublishedAt *time.Time     `gorm:"type:timestamptz;index"`
}

func (AlertEvent) TableName() string {
	return "alert_events"
}

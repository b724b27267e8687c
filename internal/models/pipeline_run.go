package models

import "time"

const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusRejected  = "rejected"
	RunStatusFailed    = "failed"
	RunStatusAborted   = "aborted"
)

// PipelineRun is one execution of the pipeline over a window.
type PipelineRun struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	WindowKey   string    `gorm:"type:text;not null;index"`
	WindowStart time.Time `gorm:"type:timestamptz;not null"`
	WindowEnd   time.Time `gorm:"type:timestamptz;not null;index"`
	Status      string    `gorm:"type:varchar(20);not null;index"`
	Trigger     string    `gorm:"type:varchar(20)"`

	Trades          int `gorm:"not null;default:0"`
	Keys            int `gorm:"not null;default:0"`
	Signals         int `gorm:"not null;default:0"`
	Failures        int `gorm:"not null;default:0"`
	AlertsCreated   int `gorm:"not null;default:0"`
	AlertsEscalated int `gorm:"not null;default:0"`
	AlertsClosed    int `gorm:"not null;default:0"`

	FeatureSnapshotID string     `gorm:"type:text"`
	PolicyVersion     string     `gorm:"type:varchar(32)"`
	Error             string     `gorm:"type:text"`
	StartedAt         time.Time  `gorm:"type:timestamptz;not null;index"`
	FinishedAt        *time.Time `gorm:"type:timestamptz"`
}

func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/PhilippMayorov/insiderTracker/internal/models"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

// TradeRepository is the ingestion-facing side: trades and market events land here and
// are read back per window.
type TradeRepository interface {
	trades.Source
	InsertTrades(ctx context.Context, items []models.TradeRecord) (int64, error)
	InsertMarketEvents(ctx context.Context, items []models.MarketEvent) (int64, error)
}

// RunRepository persists pipeline output.
type RunRepository interface {
	CreateRun(ctx context.Context, run *models.PipelineRun) error
	// FinishRun records the terminal state of a run that commits nothing else.
	FinishRun(ctx context.Context, run *models.PipelineRun) error
	// Commit writes everything a successful run produced in one transaction. A new alert
	// whose identity already exists fails the whole commit with *alert.DuplicateConflictError;
	// an updated alert whose stored Version moved on since it was loaded fails it with
	// *alert.ConcurrentUpdateError. Stored versions increment on every update.
	Commit(ctx context.Context, c RunCommit) error
	GetRun(ctx context.Context, id string) (*models.PipelineRun, error)
	ListRuns(ctx context.Context, params ListRunsParams) ([]models.PipelineRun, error)
	ListScores(ctx context.Context, params ListScoresParams) ([]models.CompositeScore, error)
	ListSignalsByRun(ctx context.Context, runID string) ([]models.DetectorSignal, error)
	ListFailuresByRun(ctx context.Context, runID string) ([]models.DetectorFailure, error)
}

type AlertRepository interface {
	// ListAlertsForEvaluation returns every active alert plus the alerts with the given ids.
	ListAlertsForEvaluation(ctx context.Context, ids []string) ([]models.Alert, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, params ListAlertsParams) ([]models.Alert, error)
	CountAlerts(ctx context.Context, params ListAlertsParams) (int64, error)
	ListAlertRevisions(ctx context.Context, alertID string) ([]models.AlertRevision, error)
	ListAlertEvents(ctx context.Context, afterSeq uint64, limit int) ([]models.AlertEvent, error)
	ListUnpublishedEvents(ctx context.Context, limit int) ([]models.AlertEvent, error)
	MarkEventsPublished(ctx context.Context, seqs []uint64, at time.Time) error
	CountActiveAlerts(ctx context.Context) (int64, error)
}

type Repository interface {
	TradeRepository
	RunRepository
	AlertRepository
}

// RunCommit is the complete output of one run.
type RunCommit struct {
	Run           *models.PipelineRun
	Snapshot      *models.FeatureSnapshot
	Signals       []models.DetectorSignal
	Failures      []models.DetectorFailure
	Scores        []models.CompositeScore
	NewAlerts     []models.Alert
	UpdatedAlerts []models.Alert
	Revisions     []models.AlertRevision
	Events        []models.AlertEvent
}

type ListRunsParams struct {
	Limit     int
	Offset    int
	Status    *string
	WindowKey *string
}

type ListScoresParams struct {
	Limit    int
	Offset   int
	RunID    *string
	Wallet   *string
	MarketID *string
	MinScore *float64
}

type ListAlertsParams struct {
	Limit    int
	Offset   int
	Status   *string
	Severity *string
	Wallet   *string
	MarketID *string
	MinScore *float64
	OrderBy  string
	Asc      *bool
}

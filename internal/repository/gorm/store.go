package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
	"github.com/PhilippMayorov/insiderTracker/internal/models"
	"github.com/PhilippMayorov/insiderTracker/internal/repository"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- trades ---------------------------------------------------------------

func (s *Store) InsertTrades(ctx context.Context, items []models.TradeRecord) (int64, error) {
	if s == nil || s.db == nil || len(items) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(items, 200)
	return res.RowsAffected, res.Error
}

func (s *Store) InsertMarketEvents(ctx context.Context, items []models.MarketEvent) (int64, error) {
	if s == nil || s.db == nil || len(items) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(items, 200)
	return res.RowsAffected, res.Error
}

// LoadBatch reads the window's trades plus lookback history. A zero lookback reads
// all history.
func (s *Store) LoadBatch(ctx context.Context, window trades.Window, lookback time.Duration) (trades.Batch, error) {
	if s == nil || s.db == nil {
		return trades.Batch{Window: window}, nil
	}
	tq := s.db.WithContext(ctx).Model(&models.TradeRecord{}).Where(`"timestamp" < ?`, window.End)
	eq := s.db.WithContext(ctx).Model(&models.MarketEvent{}).Where(`"at" < ?`, window.End)
	if lookback > 0 {
		from := window.Start.Add(-lookback)
		tq = tq.Where(`"timestamp" >= ?`, from)
		eq = eq.Where(`"at" >= ?`, from)
	}
	var rows []models.TradeRecord
	if err := tq.Order(`"timestamp" asc, id asc`).Find(&rows).Error; err != nil {
		return trades.Batch{}, err
	}
	var events []models.MarketEvent
	if err := eq.Order(`"at" asc, id asc`).Find(&events).Error; err != nil {
		return trades.Batch{}, err
	}
	return repository.BatchFromRows(window, lookback, rows, events)
}

// --- runs -----------------------------------------------------------------

func (s *Store) CreateRun(ctx context.Context, run *models.PipelineRun) error {
	if s == nil || s.db == nil || run == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *Store) FinishRun(ctx context.Context, run *models.PipelineRun) error {
	if s == nil || s.db == nil || run == nil {
		return nil
	}
	return s.db.WithContext(ctx).Save(run).Error
}

func (s *Store) Commit(ctx context.Context, c repository.RunCommit) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.InTx(ctx, func(tx *gorm.DB) error {
		if len(c.NewAlerts) > 0 {
			ids := make([]string, 0, len(c.NewAlerts))
			for _, a := range c.NewAlerts {
				ids = append(ids, a.ID)
			}
			var existing []string
			if err := tx.Model(&models.Alert{}).Where("id IN ?", ids).Order("id asc").Pluck("id", &existing).Error; err != nil {
				return err
			}
			if len(existing) > 0 {
				return &alert.DuplicateConflictError{AlertID: existing[0]}
			}
			if err := tx.Create(&c.NewAlerts).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return &alert.DuplicateConflictError{AlertID: ids[0]}
				}
				return err
			}
		}
		for _, row := range c.UpdatedAlerts {
			loaded := row.Version
			row.Version = loaded + 1
			res := tx.Model(&models.Alert{ID: row.ID}).
				Where("version = ?", loaded).
				Select("*").
				Updates(&row)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return &alert.ConcurrentUpdateError{AlertID: row.ID}
			}
		}
		if c.Snapshot != nil {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(c.Snapshot).Error; err != nil {
				return err
			}
		}
		if err := createInBatches(tx, c.Signals, 500); err != nil {
			return err
		}
		if err := createInBatches(tx, c.Failures, 500); err != nil {
			return err
		}
		if err := createInBatches(tx, c.Scores, 500); err != nil {
			return err
		}
		if err := createInBatches(tx, c.Revisions, 200); err != nil {
			return err
		}
		if err := createInBatches(tx, c.Events, 200); err != nil {
			return err
		}
		if c.Run != nil {
			if err := tx.Save(c.Run).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	if s == nil || s.db == nil {
		return nil, repository.ErrNotFound
	}
	var item models.PipelineRun
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListRuns(ctx context.Context, params repository.ListRunsParams) ([]models.PipelineRun, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.PipelineRun{})
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.WindowKey != nil && strings.TrimSpace(*params.WindowKey) != "" {
		query = query.Where("window_key = ?", strings.TrimSpace(*params.WindowKey))
	}
	var items []models.PipelineRun
	err := query.Order("started_at desc").
		Limit(normalizeLimit(params.Limit, 50)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	return items, err
}

func (s *Store) ListScores(ctx context.Context, params repository.ListScoresParams) ([]models.CompositeScore, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.CompositeScore{})
	if params.RunID != nil && strings.TrimSpace(*params.RunID) != "" {
		query = query.Where("run_id = ?", strings.TrimSpace(*params.RunID))
	}
	if params.Wallet != nil && strings.TrimSpace(*params.Wallet) != "" {
		query = query.Where("wallet = ?", strings.ToLower(strings.TrimSpace(*params.Wallet)))
	}
	if params.MarketID != nil && strings.TrimSpace(*params.MarketID) != "" {
		query = query.Where("market_id = ?", strings.TrimSpace(*params.MarketID))
	}
	if params.MinScore != nil {
		query = query.Where("score >= ?", *params.MinScore)
	}
	var items []models.CompositeScore
	err := query.Order("score desc, id asc").
		Limit(normalizeLimit(params.Limit, 100)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	return items, err
}

func (s *Store) ListSignalsByRun(ctx context.Context, runID string) ([]models.DetectorSignal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.DetectorSignal
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) ListFailuresByRun(ctx context.Context, runID string) ([]models.DetectorFailure, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.DetectorFailure
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id asc").Find(&items).Error
	return items, err
}

// --- alerts ---------------------------------------------------------------

var activeStatuses = []string{string(alert.StatusOpen), string(alert.StatusEscalated)}

func (s *Store) ListAlertsForEvaluation(ctx context.Context, ids []string) ([]models.Alert, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Alert{}).Where("status IN ?", activeStatuses)
	if ids = cleanStrings(ids); len(ids) > 0 {
		query = query.Or("id IN ?", ids)
	}
	var items []models.Alert
	err := query.Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	if s == nil || s.db == nil {
		return nil, repository.ErrNotFound
	}
	var item models.Alert
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) alertQuery(ctx context.Context, params repository.ListAlertsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Alert{})
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Severity != nil && strings.TrimSpace(*params.Severity) != "" {
		query = query.Where("severity = ?", strings.TrimSpace(*params.Severity))
	}
	if params.Wallet != nil && strings.TrimSpace(*params.Wallet) != "" {
		query = query.Where("wallet = ?", strings.ToLower(strings.TrimSpace(*params.Wallet)))
	}
	if params.MarketID != nil && strings.TrimSpace(*params.MarketID) != "" {
		query = query.Where("market_id = ?", strings.TrimSpace(*params.MarketID))
	}
	if params.MinScore != nil {
		query = query.Where("score >= ?", *params.MinScore)
	}
	return query
}

var alertOrderColumns = map[string]struct{}{"score": {}, "created_at": {}, "updated_at": {}, "revision": {}}

func (s *Store) ListAlerts(ctx context.Context, params repository.ListAlertsParams) ([]models.Alert, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	orderBy := strings.TrimSpace(params.OrderBy)
	if _, ok := alertOrderColumns[orderBy]; !ok {
		orderBy = ""
	}
	query := applyOrder(s.alertQuery(ctx, params), orderBy, params.Asc, "updated_at")
	var items []models.Alert
	err := query.Order("id asc").
		Limit(normalizeLimit(params.Limit, 100)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	return items, err
}

func (s *Store) CountAlerts(ctx context.Context, params repository.ListAlertsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var n int64
	err := s.alertQuery(ctx, params).Count(&n).Error
	return n, err
}

func (s *Store) CountActiveAlerts(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Alert{}).Where("status IN ?", activeStatuses).Count(&n).Error
	return n, err
}

func (s *Store) ListAlertRevisions(ctx context.Context, alertID string) ([]models.AlertRevision, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.AlertRevision
	err := s.db.WithContext(ctx).Where("alert_id = ?", alertID).Order("revision asc").Find(&items).Error
	return items, err
}

func (s *Store) ListAlertEvents(ctx context.Context, afterSeq uint64, limit int) ([]models.AlertEvent, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.AlertEvent
	err := s.db.WithContext(ctx).
		Where("seq > ?", afterSeq).
		Order("seq asc").
		Limit(normalizeLimit(limit, 100)).
		Find(&items).Error
	return items, err
}

func (s *Store) ListUnpublishedEvents(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.AlertEvent
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("seq asc").
		Limit(normalizeLimit(limit, 100)).
		Find(&items).Error
	return items, err
}

func (s *Store) MarkEventsPublished(ctx context.Context, seqs []uint64, at time.Time) error {
	if s == nil || s.db == nil || len(seqs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.AlertEvent{}).
		Where("seq IN ?", seqs).
		Where("published_at IS NULL").
		Update("published_at", at).Error
}

var _ repository.Repository = (*Store)(nil)

// --- helpers --------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func createInBatches[T any](db *gorm.DB, items []T, batchSize int) error {
	if len(items) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return db.CreateInBatches(items, batchSize).Error
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, raw := range items {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}

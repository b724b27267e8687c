// Package memory is an in-process Repository used for offline replays and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
	"github.com/PhilippMayorov/insiderTracker/internal/models"
	"github.com/PhilippMayorov/insiderTracker/internal/repository"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

type Store struct {
	mu sync.RWMutex

	trades    map[string]models.TradeRecord
	events    map[string]models.MarketEvent
	runs      map[string]models.PipelineRun
	snapshots map[string]models.FeatureSnapshot
	signals   []models.DetectorSignal
	failures  []models.DetectorFailure
	scores    []models.CompositeScore
	alerts    map[string]models.Alert
	revisions []models.AlertRevision
	outbox    []models.AlertEvent

	nextID  uint64
	nextSeq uint64

	// FailCommit, when set, is returned by Commit before anything is written.
	FailCommit func(c repository.RunCommit) error
}

func New() *Store {
	return &Store{
		trades:    map[string]models.TradeRecord{},
		events:    map[string]models.MarketEvent{},
		runs:      map[string]models.PipelineRun{},
		snapshots: map[string]models.FeatureSnapshot{},
		alerts:    map[string]models.Alert{},
	}
}

func (s *Store) InsertTrades(_ context.Context, items []models.TradeRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range items {
		if _, ok := s.trades[t.ID]; ok {
			continue
		}
		s.trades[t.ID] = t
		n++
	}
	return n, nil
}

func (s *Store) InsertMarketEvents(_ context.Context, items []models.MarketEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range items {
		if _, ok := s.events[e.ID]; ok {
			continue
		}
		s.events[e.ID] = e
		n++
	}
	return n, nil
}

// InsertBatch stores every trade and event of b.
func (s *Store) InsertBatch(ctx context.Context, b trades.Batch) error {
	rows := make([]models.TradeRecord, 0, len(b.History)+len(b.Trades))
	for _, t := range append(append([]trades.TradeRecord(nil), b.History...), b.Trades...) {
		row, err := repository.TradeRow(t)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if _, err := s.InsertTrades(ctx, rows); err != nil {
		return err
	}
	events := make([]models.MarketEvent, 0, len(b.Events))
	for _, e := range b.Events {
		events = append(events, repository.MarketEventRow(e))
	}
	_, err := s.InsertMarketEvents(ctx, events)
	return err
}

func (s *Store) LoadBatch(ctx context.Context, window trades.Window, lookback time.Duration) (trades.Batch, error) {
	if err := ctx.Err(); err != nil {
		return trades.Batch{}, err
	}
	s.mu.RLock()
	tradeRows := make([]models.TradeRecord, 0, len(s.trades))
	for _, t := range s.trades {
		tradeRows = append(tradeRows, t)
	}
	eventRows := make([]models.MarketEvent, 0, len(s.events))
	for _, e := range s.events {
		eventRows = append(eventRows, e)
	}
	s.mu.RUnlock()
	sort.Slice(tradeRows, func(i, j int) bool {
		if !tradeRows[i].Timestamp.Equal(tradeRows[j].Timestamp) {
			return tradeRows[i].Timestamp.Before(tradeRows[j].Timestamp)
		}
		return tradeRows[i].ID < tradeRows[j].ID
	})
	sort.Slice(eventRows, func(i, j int) bool {
		if !eventRows[i].At.Equal(eventRows[j].At) {
			return eventRows[i].At.Before(eventRows[j].At)
		}
		return eventRows[i].ID < eventRows[j].ID
	})
	return repository.BatchFromRows(window, lookback, tradeRows, eventRows)
}

func (s *Store) CreateRun(_ context.Context, run *models.PipelineRun) error {
	if run == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return repository.ErrDuplicateKey
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *Store) FinishRun(_ context.Context, run *models.PipelineRun) error {
	if run == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

// Commit applies c atomically: validation happens before the first write.
func (s *Store) Commit(_ context.Context, c repository.RunCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCommit != nil {
		if err := s.FailCommit(c); err != nil {
			return err
		}
	}
	for _, a := range c.NewAlerts {
		if _, ok := s.alerts[a.ID]; ok {
			return &alert.DuplicateConflictError{AlertID: a.ID}
		}
	}
	for _, a := range c.UpdatedAlerts {
		if have, ok := s.alerts[a.ID]; !ok || have.Version != a.Version {
			return &alert.ConcurrentUpdateError{AlertID: a.ID}
		}
	}
	for _, r := range c.Revisions {
		for _, have := range s.revisions {
			if have.AlertID == r.AlertID && have.Revision == r.Revision {
				return repository.ErrDuplicateKey
			}
		}
	}

	for _, a := range c.NewAlerts {
		s.alerts[a.ID] = a
	}
	for _, a := range c.UpdatedAlerts {
		a.Version++
		s.alerts[a.ID] = a
	}
	if c.Snapshot != nil {
		if _, ok := s.snapshots[c.Snapshot.ID]; !ok {
			s.snapshots[c.Snapshot.ID] = *c.Snapshot
		}
	}
	for _, row := range c.Signals {
		s.nextID++
		row.ID = s.nextID
		s.signals = append(s.signals, row)
	}
	for _, row := range c.Failures {
		s.nextID++
		row.ID = s.nextID
		s.failures = append(s.failures, row)
	}
	for _, row := range c.Scores {
		s.nextID++
		row.ID = s.nextID
		s.scores = append(s.scores, row)
	}
	for _, row := range c.Revisions {
		s.nextID++
		row.ID = s.nextID
		s.revisions = append(s.revisions, row)
	}
	for _, row := range c.Events {
		s.nextSeq++
		row.Seq = s.nextSeq
		s.outbox = append(s.outbox, row)
	}
	if c.Run != nil {
		s.runs[c.Run.ID] = *c.Run
	}
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*models.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &run, nil
}

func (s *Store) ListRuns(_ context.Context, params repository.ListRunsParams) ([]models.PipelineRun, error) {
	s.mu.RLock()
	items := make([]models.PipelineRun, 0, len(s.runs))
	for _, r := range s.runs {
		if !matches(params.Status, r.Status) || !matches(params.WindowKey, r.WindowKey) {
			continue
		}
		items = append(items, r)
	}
	s.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if !items[i].StartedAt.Equal(items[j].StartedAt) {
			return items[i].StartedAt.After(items[j].StartedAt)
		}
		return items[i].ID < items[j].ID
	})
	return page(items, params.Limit, params.Offset, 50), nil
}

func (s *Store) ListScores(_ context.Context, params repository.ListScoresParams) ([]models.CompositeScore, error) {
	s.mu.RLock()
	var items []models.CompositeScore
	for _, r := range s.scores {
		if !matches(params.RunID, r.RunID) || !matches(lower(params.Wallet), r.Wallet) || !matches(params.MarketID, r.MarketID) {
			continue
		}
		if params.MinScore != nil && r.Score < *params.MinScore {
			continue
		}
		items = append(items, r)
	}
	s.mu.RUnlock()
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ID < items[j].ID
	})
	return page(items, params.Limit, params.Offset, 100), nil
}

func (s *Store) ListSignalsByRun(_ context.Context, runID string) ([]models.DetectorSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DetectorSignal
	for _, r := range s.signals {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListFailuresByRun(_ context.Context, runID string) ([]models.DetectorFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DetectorFailure
	for _, r := range s.failures {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func active(status string) bool {
	return status == string(alert.StatusOpen) || status == string(alert.StatusEscalated)
}

func (s *Store) ListAlertsForEvaluation(_ context.Context, ids []string) ([]models.Alert, error) {
	want := map[string]struct{}{}
	for _, id := range ids {
		want[strings.TrimSpace(id)] = struct{}{}
	}
	s.mu.RLock()
	var out []models.Alert
	for _, a := range s.alerts {
		if _, ok := want[a.ID]; ok || active(a.Status) {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (s *Store) filterAlerts(params repository.ListAlertsParams) []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Alert
	for _, a := range s.alerts {
		if !matches(params.Status, a.Status) || !matches(params.Severity, a.Severity) ||
			!matches(lower(params.Wallet), a.Wallet) || !matches(params.MarketID, a.MarketID) {
			continue
		}
		if params.MinScore != nil && a.Score < *params.MinScore {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (s *Store) ListAlerts(_ context.Context, params repository.ListAlertsParams) ([]models.Alert, error) {
	items := s.filterAlerts(params)
	asc := params.Asc != nil && *params.Asc
	less := func(a, b models.Alert) int {
		switch params.OrderBy {
		case "score":
			return cmpFloat(a.Score, b.Score)
		case "created_at":
			return a.CreatedAt.Compare(b.CreatedAt)
		case "revision":
			return a.Revision - b.Revision
		default:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		c := less(items[i], items[j])
		if c == 0 {
			return items[i].ID < items[j].ID
		}
		if asc {
			return c < 0
		}
		return c > 0
	})
	return page(items, params.Limit, params.Offset, 100), nil
}

func (s *Store) CountAlerts(_ context.Context, params repository.ListAlertsParams) (int64, error) {
	return int64(len(s.filterAlerts(params))), nil
}

func (s *Store) CountActiveAlerts(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.alerts {
		if active(a.Status) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListAlertRevisions(_ context.Context, alertID string) ([]models.AlertRevision, error) {
	s.mu.RLock()
	var out []models.AlertRevision
	for _, r := range s.revisions {
		if r.AlertID == alertID {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

func (s *Store) ListAlertEvents(_ context.Context, afterSeq uint64, limit int) ([]models.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AlertEvent
	for _, e := range s.outbox {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return page(out, limit, 0, 100), nil
}

func (s *Store) ListUnpublishedEvents(_ context.Context, limit int) ([]models.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AlertEvent
	for _, e := range s.outbox {
		if e.PublishedAt == nil {
			out = append(out, e)
		}
	}
	return page(out, limit, 0, 100), nil
}

func (s *Store) MarkEventsPublished(_ context.Context, seqs []uint64, at time.Time) error {
	want := map[uint64]struct{}{}
	for _, seq := range seqs {
		want[seq] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if _, ok := want[s.outbox[i].Seq]; ok && s.outbox[i].PublishedAt == nil {
			ts := at
			s.outbox[i].PublishedAt = &ts
		}
	}
	return nil
}

var _ repository.Repository = (*Store)(nil)

func matches(want *string, have string) bool {
	if want == nil || strings.TrimSpace(*want) == "" {
		return true
	}
	return strings.TrimSpace(*want) == have
}

func lower(v *string) *string {
	if v == nil {
		return nil
	}
	out := strings.ToLower(*v)
	return &out
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func page[T any](items []T, limit, offset, fallback int) []T {
	if limit <= 0 {
		limit = fallback
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

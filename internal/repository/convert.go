package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
	"github.com/PhilippMayorov/insiderTracker/internal/detector"
	"github.com/PhilippMayorov/insiderTracker/internal/features"
	"github.com/PhilippMayorov/insiderTracker/internal/models"
	"github.com/PhilippMayorov/insiderTracker/internal/risk"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

func jsonOf(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func TradeRow(t trades.TradeRecord) (models.TradeRecord, error) {
	market, err := jsonOf(t.Market)
	if err != nil {
		return models.TradeRecord{}, fmt.Errorf("trade %s market: %w", t.ID, err)
	}
	return models.TradeRecord{
		ID:          t.ID,
		Wallet:      t.Wallet,
		MarketID:    t.MarketID,
		Side:        string(t.Side),
		Outcome:     t.Outcome,
		Price:       t.Price,
		Size:        t.Size,
		NotionalUSD: t.NotionalUSD,
		Timestamp:   t.Timestamp.UTC(),
		Market:      market,
	}, nil
}

func TradeFromRow(r models.TradeRecord) (trades.TradeRecord, error) {
	var m trades.MarketSnapshot
	if len(r.Market) > 0 {
		if err := json.Unmarshal(r.Market, &m); err != nil {
			return trades.TradeRecord{}, fmt.Errorf("trade %s market: %w", r.ID, err)
		}
	}
	if m.MarketID == "" {
		m.MarketID = r.MarketID
	}
	return trades.TradeRecord{
		ID:          r.ID,
		Wallet:      r.Wallet,
		MarketID:    r.MarketID,
		Side:        trades.Side(r.Side),
		Outcome:     r.Outcome,
		Price:       r.Price,
		Size:        r.Size,
		NotionalUSD: r.NotionalUSD,
		Timestamp:   r.Timestamp.UTC(),
		Market:      m,
	}, nil
}

func MarketEventRow(e trades.MarketEvent) models.MarketEvent {
	return models.MarketEvent{ID: e.ID, MarketID: e.MarketID, Label: e.Label, Kind: e.Kind, At: e.At.UTC()}
}

func MarketEventFromRow(r models.MarketEvent) trades.MarketEvent {
	return trades.MarketEvent{ID: r.ID, MarketID: r.MarketID, Label: r.Label, Kind: r.Kind, At: r.At.UTC()}
}

func SnapshotRow(s *features.Snapshot) (*models.FeatureSnapshot, error) {
	if s == nil {
		return nil, nil
	}
	payload, err := jsonOf(s)
	if err != nil {
		return nil, fmt.Errorf("feature snapshot %s: %w", s.ID, err)
	}
	return &models.FeatureSnapshot{ID: s.ID, WindowKey: s.Window.Key(), Payload: payload}, nil
}

func SignalRow(runID string, s detector.Signal) (models.DetectorSignal, error) {
	ids, err := jsonOf(s.TradeIDs)
	if err != nil {
		return models.DetectorSignal{}, err
	}
	details, err := jsonOf(s.Details)
	if err != nil {
		return models.DetectorSignal{}, fmt.Errorf("signal %s details: %w", s.DetectorID, err)
	}
	return models.DetectorSignal{
		RunID:             runID,
		DetectorID:        s.DetectorID,
		Kind:              string(s.Kind),
		Wallet:            s.Key.Wallet,
		MarketID:          s.Key.MarketID,
		WindowKey:         s.Key.Window,
		Strength:          s.Strength,
		Scale:             string(s.Scale),
		ScaleMax:          s.ScaleMax,
		TradeIDs:          ids,
		FeatureSnapshotID: s.FeatureSnapshotID,
		Details:           details,
	}, nil
}

func FailureRow(runID string, f detector.Failure) models.DetectorFailure {
	return models.DetectorFailure{
		RunID:      runID,
		DetectorID: f.DetectorID,
		Wallet:     f.Key.Wallet,
		MarketID:   f.Key.MarketID,
		WindowKey:  f.Key.Window,
		Error:      f.Error,
		Attempts:   f.Attempts,
	}
}

func ScoreRow(runID string, cs risk.CompositeScore) (models.CompositeScore, error) {
	breakdown, err := jsonOf(cs.Breakdown)
	if err != nil {
		return models.CompositeScore{}, err
	}
	detectors, err := jsonOf(cs.Detectors())
	if err != nil {
		return models.CompositeScore{}, err
	}
	failed, err := jsonOf(cs.FailedDetectors())
	if err != nil {
		return models.CompositeScore{}, err
	}
	return models.CompositeScore{
		RunID:         runID,
		Wallet:        cs.Key.Wallet,
		MarketID:      cs.Key.MarketID,
		WindowKey:     cs.Key.Window,
		Score:         cs.Score,
		Raw:           cs.Raw,
		Breakdown:     breakdown,
		Detectors:     detectors,
		Failed:        failed,
		Incomplete:    cs.Incomplete,
		PolicyVersion: cs.PolicyVersion,
	}, nil
}

func AlertRow(a alert.Alert) (models.Alert, error) {
	detectors, err := jsonOf(a.Detectors)
	if err != nil {
		return models.Alert{}, err
	}
	var stale datatypes.JSON
	if len(a.StaleWindows) > 0 {
		if stale, err = jsonOf(a.StaleWindows); err != nil {
			return models.Alert{}, fmt.Errorf("alert %s stale windows: %w", a.ID, err)
		}
	}
	var evidence datatypes.JSON
	if a.Evidence != nil {
		if evidence, err = jsonOf(a.Evidence); err != nil {
			return models.Alert{}, fmt.Errorf("alert %s evidence: %w", a.ID, err)
		}
	}
	return models.Alert{
		ID:                 a.ID,
		Wallet:             a.Wallet,
		MarketID:           a.MarketID,
		WindowKey:          a.Window,
		Fingerprint:        a.Fingerprint,
		Status:             string(a.Status),
		Revision:           a.Revision,
		Severity:           string(a.Severity),
		Score:              a.Score,
		Detectors:          detectors,
		StaleCount:         a.StaleCount,
		StaleWindows:       stale,
		ConfirmedWindowEnd: a.ConfirmedWindowEnd.UTC(),
		LastWindow:         a.LastWindow,
		LastWindowEnd:      a.LastWindowEnd.UTC(),
		Evidence:           evidence,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
		ClosedAt:           a.ClosedAt,
		Version:            a.Version,
	}, nil
}

func AlertFromRow(r models.Alert) (alert.Alert, error) {
	a := alert.Alert{
		ID:                 r.ID,
		Wallet:             r.Wallet,
		MarketID:           r.MarketID,
		Window:             r.WindowKey,
		Fingerprint:        r.Fingerprint,
		Status:             alert.Status(r.Status),
		Revision:           r.Revision,
		Severity:           alert.Severity(r.Severity),
		Score:              r.Score,
		StaleCount:         r.StaleCount,
		ConfirmedWindowEnd: r.ConfirmedWindowEnd.UTC(),
		LastWindow:         r.LastWindow,
		LastWindowEnd:      r.LastWindowEnd.UTC(),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		ClosedAt:           r.ClosedAt,
		Version:            r.Version,
	}
	if len(r.Detectors) > 0 {
		if err := json.Unmarshal(r.Detectors, &a.Detectors); err != nil {
			return alert.Alert{}, fmt.Errorf("alert %s detectors: %w", r.ID, err)
		}
	}
	if len(r.StaleWindows) > 0 && string(r.StaleWindows) != "null" {
		if err := json.Unmarshal(r.StaleWindows, &a.StaleWindows); err != nil {
			return alert.Alert{}, fmt.Errorf("alert %s stale windows: %w", r.ID, err)
		}
	}
	if len(r.Evidence) > 0 && string(r.Evidence) != "null" {
		var ev alert.EvidenceBundle
		if err := json.Unmarshal(r.Evidence, &ev); err != nil {
			return alert.Alert{}, fmt.Errorf("alert %s evidence: %w", r.ID, err)
		}
		a.Evidence = &ev
	}
	return a, nil
}

func AlertsFromRows(rows []models.Alert) ([]alert.Alert, error) {
	out := make([]alert.Alert, 0, len(rows))
	for _, r := range rows {
		a, err := AlertFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// RevisionRow snapshots the evidence of a created or escalated event.
func RevisionRow(e alert.Event) (models.AlertRevision, bool, error) {
	if e.Evidence == nil || e.Type == alert.EventClosed {
		return models.AlertRevision{}, false, nil
	}
	evidence, err := jsonOf(e.Evidence)
	if err != nil {
		return models.AlertRevision{}, false, err
	}
	return models.AlertRevision{
		AlertID:   e.AlertID,
		Revision:  e.Revision,
		RunID:     e.RunID,
		Status:    string(e.Status),
		Score:     e.Score,
		Evidence:  evidence,
		CreatedAt: e.At,
	}, true, nil
}

func AlertEventRow(e alert.Event) (models.AlertEvent, error) {
	payload, err := jsonOf(e)
	if err != nil {
		return models.AlertEvent{}, fmt.Errorf("alert event %s: %w", e.ID, err)
	}
	return models.AlertEvent{
		EventID:   e.ID,
		AlertID:   e.AlertID,
		Type:      string(e.Type),
		Revision:  e.Revision,
		RunID:     e.RunID,
		Payload:   payload,
		CreatedAt: e.At,
	}, nil
}

func AlertEventFromRow(r models.AlertEvent) (alert.Event, error) {
	var e alert.Event
	if err := json.Unmarshal(r.Payload, &e); err != nil {
		return alert.Event{}, fmt.Errorf("alert event %d: %w", r.Seq, err)
	}
	e.Seq = r.Seq
	return e, nil
}

// BatchFromRows converts stored rows and partitions them around window.
func BatchFromRows(window trades.Window, lookback time.Duration, tradeRows []models.TradeRecord, eventRows []models.MarketEvent) (trades.Batch, error) {
	all := trades.Batch{Window: window}
	for _, r := range tradeRows {
		t, err := TradeFromRow(r)
		if err != nil {
			return trades.Batch{}, err
		}
		all.Trades = append(all.Trades, t)
	}
	for _, r := range eventRows {
		all.Events = append(all.Events, MarketEventFromRow(r))
	}
	return trades.Slice(all, window, lookback), nil
}

package alert

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PhilippMayorov/insiderTracker/internal/detector"
	"github.com/PhilippMayorov/insiderTracker/internal/features"
	"github.com/PhilippMayorov/insiderTracker/internal/risk"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

// EvidenceBundle is the denormalized, immutable payload attached to every alert
// revision. It is the only shape downstream consumers may depend on.
type EvidenceBundle struct {
	AlertID             string              `json:"alert_id"`
	Revision            int                 `json:"revision"`
	Wallet              string              `json:"wallet"`
	Market              MarketRef           `json:"market"`
	Window              string              `json:"window"`
	Severity            Severity            `json:"severity"`
	CompositeScore      float64             `json:"composite_score"`
	ContributingSignals []SignalRef         `json:"contributing_signals"`
	Breakdown           []risk.Contribution `json:"breakdown"`
	FailedDetectors     []string            `json:"failed_detectors"`
	Incomplete          bool                `json:"incomplete"`
	TradeEvidence       []TradeRef          `json:"trade_evidence"`
	FeatureSnapshot     FeatureSnapshotRef  `json:"feature_snapshot"`
	Series              []SeriesPoint       `json:"series"`
	PolicyVersion       string              `json:"policy_version"`
	CreatedAt           time.Time           `json:"created_at"`
}

type MarketRef struct {
	ID       string `json:"id"`
	Question string `json:"question,omitempty"`
}

type SignalRef struct {
	DetectorID string        `json:"detector_id"`
	Kind       detector.Kind `json:"kind"`
	Strength   float64       `json:"strength"`
	Scale      string        `json:"scale"`
	TradeIDs   []string      `json:"trade_ids"`
}

type TradeRef struct {
	ID          string          `json:"id"`
	Wallet      string          `json:"wallet"`
	MarketID    string          `json:"market_id"`
	Side        trades.Side     `json:"side"`
	Outcome     string          `json:"outcome"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	NotionalUSD decimal.Decimal `json:"notional_usd"`
	Timestamp   time.Time       `json:"timestamp"`
}

type FeatureSnapshotRef struct {
	ID string `json:"id"`
	// Values are keyed by entity type: wallet, market and wallet_market.
	Values map[features.EntityType]map[string]features.Value `json:"values"`
}

// SeriesPoint is one trade on the alert's market inside the window.
type SeriesPoint struct {
	TradeID   string    `json:"trade_id"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   string    `json:"outcome"`
	Price     float64   `json:"price"`
	Notional  float64   `json:"notional"`
	// Flagged marks the alerted wallet's own trades.
	Flagged bool `json:"flagged"`
}

// EvidenceSource resolves the trade and feature references a score carries.
type EvidenceSource interface {
	Trade(id string) (trades.TradeRecord, bool)
	MarketTrades(market string) []trades.TradeRecord
	Market(id string) trades.MarketSnapshot
	Features() *features.Snapshot
}

// SnapshotEvidence serves evidence from the run's index and feature snapshot.
type SnapshotEvidence struct {
	Index    *trades.Index
	Snapshot *features.Snapshot
}

func (s SnapshotEvidence) Trade(id string) (trades.TradeRecord, bool) {
	if s.Index == nil {
		return trades.TradeRecord{}, false
	}
	return s.Index.Trade(id)
}

func (s SnapshotEvidence) MarketTrades(market string) []trades.TradeRecord {
	if s.Index == nil {
		return nil
	}
	return s.Index.MarketTrades(market)
}

func (s SnapshotEvidence) Market(id string) trades.MarketSnapshot {
	if s.Index == nil {
		return trades.MarketSnapshot{MarketID: id}
	}
	return s.Index.Market(id)
}

func (s SnapshotEvidence) Features() *features.Snapshot { return s.Snapshot }

func (g *Generator) buildEvidence(a Alert, score risk.CompositeScore, window trades.Window, src EvidenceSource, at time.Time) *EvidenceBundle {
	key := score.Key
	ev := &EvidenceBundle{
		AlertID:         a.ID,
		Revision:        a.Revision,
		Wallet:          key.Wallet,
		Market:          MarketRef{ID: key.MarketID},
		Window:          window.Key(),
		Severity:        a.Severity,
		CompositeScore:  score.Score,
		Breakdown:       append([]risk.Contribution(nil), score.Breakdown...),
		FailedDetectors: score.FailedDetectors(),
		Incomplete:      score.Incomplete,
		PolicyVersion:   score.PolicyVersion,
		CreatedAt:       at,
	}
	for _, s := range score.Signals {
		ev.ContributingSignals = append(ev.ContributingSignals, SignalRef{
			DetectorID: s.DetectorID,
			Kind:       s.Kind,
			Strength:   s.Strength,
			Scale:      string(s.Scale),
			TradeIDs:   s.TradeIDs,
		})
	}
	if src == nil {
		return ev
	}

	ev.Market.Question = src.Market(key.MarketID).Question

	seen := map[string]struct{}{}
	for _, s := range score.Signals {
		for _, id := range s.TradeIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			t, ok := src.Trade(id)
			if !ok || t.Notional() < g.cfg.MinTradeUSD {
				continue
			}
			ev.TradeEvidence = append(ev.TradeEvidence, tradeRef(t))
		}
	}
	sort.Slice(ev.TradeEvidence, func(i, j int) bool {
		a, b := ev.TradeEvidence[i], ev.TradeEvidence[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	if limit := g.cfg.MaxTradeEvidence; limit > 0 && len(ev.TradeEvidence) > limit {
		ev.TradeEvidence = ev.TradeEvidence[:limit]
	}

	if snap := src.Features(); snap != nil {
		ev.FeatureSnapshot = FeatureSnapshotRef{
			ID: snap.ID,
			Values: map[features.EntityType]map[string]features.Value{
				features.EntityWallet:       snap.Wallet(key.Wallet).Values,
				features.EntityMarket:       snap.Market(key.MarketID).Values,
				features.EntityWalletMarket: snap.WalletMarket(key.Wallet, key.MarketID).Values,
			},
		}
	}

	for _, t := range src.MarketTrades(key.MarketID) {
		if !window.Contains(t.Timestamp) {
			continue
		}
		ev.Series = append(ev.Series, SeriesPoint{
			TradeID:   t.ID,
			Timestamp: t.Timestamp,
			Outcome:   t.Outcome,
			Price:     t.PriceFloat(),
			Notional:  t.Notional(),
			Flagged:   t.Wallet == key.Wallet,
		})
	}
	return ev
}

func tradeRef(t trades.TradeRecord) TradeRef {
	return TradeRef{
		ID:          t.ID,
		Wallet:      t.Wallet,
		MarketID:    t.MarketID,
		Side:        t.Side,
		Outcome:     t.Outcome,
		Price:       t.Price,
		Size:        t.Size,
		NotionalUSD: t.NotionalUSD,
		Timestamp:   t.Timestamp,
	}
}

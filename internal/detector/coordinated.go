package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

const CoordinatedActorsID = "coordinated_actors"

// CoordinatedActors builds the co-trading group around each of the key's trades: every
// wallet on the same market within the rolling window. Strength grows with the number
// of wallets sharing the key wallet's direction and with how consistent the group is.
type CoordinatedActors struct {
	mu sync.RWMutex

	WindowSeconds   float64
	MinGroupSize    int
	MinConsistency  float64
	SizeScale       float64
	DefaultBaseline float64
}

func NewCoordinatedActors() *CoordinatedActors {
	d := &CoordinatedActors{}
	_ = d.SetParams(d.DefaultParams())
	return d
}

func (d *CoordinatedActors) ID() string { return CoordinatedActorsID }

func (d *CoordinatedActors) Kinds() []Kind { return []Kind{KindCoordinatedActors} }

func (d *CoordinatedActors) DefaultParams() json.RawMessage {
	return json.RawMessage(`{"window_seconds":300,"min_group_size":3,"min_consistency":0.8,"size_scale":2.0,"default_baseline":1.5}`)
}

func (d *CoordinatedActors) SetParams(raw json.RawMessage) error {
	var p struct {
		WindowSeconds   *float64 `json:"window_seconds"`
		MinGroupSize    *int     `json:"min_group_size"`
		MinConsistency  *float64 `json:"min_consistency"`
		SizeScale       *float64 `json:"size_scale"`
		DefaultBaseline *float64 `json:"default_baseline"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
	}
	switch {
	case p.WindowSeconds != nil && *p.WindowSeconds <= 0:
		return fmt.Errorf("window_seconds must be positive")
	case p.MinGroupSize != nil && *p.MinGroupSize < 2:
		return fmt.Errorf("min_group_size must be at least 2")
	case p.SizeScale != nil && *p.SizeScale <= 0:
		return fmt.Errorf("size_scale must be positive")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p.WindowSeconds != nil {
		d.WindowSeconds = *p.WindowSeconds
	}
	if p.MinGroupSize != nil {
		d.MinGroupSize = *p.MinGroupSize
	}
	if p.MinConsistency != nil {
		d.MinConsistency = *p.MinConsistency
	}
	if p.SizeScale != nil {
		d.SizeScale = *p.SizeScale
	}
	if p.DefaultBaseline != nil {
		d.DefaultBaseline = *p.DefaultBaseline
	}
	return nil
}

type coordinationGroup struct {
	aligned     []string
	members     int
	consistency float64
	trades      []trades.TradeRecord
}

func (d *CoordinatedActors) Evaluate(ctx context.Context, in Input) ([]Signal, error) {
	d.mu.RLock()
	window := time.Duration(d.WindowSeconds * float64(time.Second))
	minGroup, minConsistency, sizeScale, defBaseline := d.MinGroupSize, d.MinConsistency, d.SizeScale, d.DefaultBaseline
	d.mu.RUnlock()

	baseline, ok := in.MarketFeatures().Float("historical_group_size_baseline")
	source := "market_history"
	if !ok {
		baseline, source = defBaseline, "default"
	}

	var best *coordinationGroup
	var bestStrength float64
	for _, anchor := range in.Trades {
		g := groupAround(in.MarketTrades, anchor, window)
		size := len(g.aligned)
		if size < minGroup || g.consistency < minConsistency {
			continue
		}
		strength := g.consistency * (1 - math.Exp(-math.Max(0, float64(size)-baseline)/sizeScale))
		if best == nil || strength > bestStrength {
			best, bestStrength = &g, strength
		}
	}
	if best == nil || bestStrength <= 0 {
		return nil, nil
	}
	return []Signal{{
		Kind:     KindCoordinatedActors,
		Strength: clamp(bestStrength, 0, 1),
		Scale:    ScaleUnit,
		ScaleMax: 1,
		TradeIDs: tradeIDs(best.trades),
		Details: map[string]any{
			"group_size":      len(best.aligned),
			"members":         best.members,
			"consistency":     best.consistency,
			"baseline":        baseline,
			"baseline_source": source,
			"wallets":         best.aligned,
		},
	}}, nil
}

// groupAround nets each wallet's signed notional within ±window of anchor and keeps
// the wallets leaning the same way as anchor's wallet.
func groupAround(market []trades.TradeRecord, anchor trades.TradeRecord, window time.Duration) coordinationGroup {
	from, to := anchor.Timestamp.Add(-window), anchor.Timestamp.Add(window)
	net := map[string]float64{}
	byWallet := map[string][]trades.TradeRecord{}
	for _, t := range market {
		if t.Timestamp.Before(from) {
			continue
		}
		if t.Timestamp.After(to) {
			break
		}
		net[t.Wallet] += float64(t.Direction()) * t.Notional()
		byWallet[t.Wallet] = append(byWallet[t.Wallet], t)
	}
	lean := net[anchor.Wallet]
	if lean == 0 {
		lean = float64(anchor.Direction())
	}

	var g coordinationGroup
	for wallet, v := range net {
		if v == 0 {
			continue
		}
		g.members++
		if (v > 0) == (lean > 0) {
			g.aligned = append(g.aligned, wallet)
			g.trades = append(g.trades, byWallet[wallet]...)
		}
	}
	sort.Strings(g.aligned)
	if g.members > 0 {
		g.consistency = float64(len(g.aligned)) / float64(g.members)
	}
	return g
}

var _ Detector = (*CoordinatedActors)(nil)

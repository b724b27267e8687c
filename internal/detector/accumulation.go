package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

const PreResolutionAccumulationID = "pre_resolution_accumulation"

// PreResolutionAccumulation flags positions built shortly before resolution while
// moving the price less than the market usually moves.
type PreResolutionAccumulation struct {
	mu sync.RWMutex

	HorizonSeconds float64
	MinNotionalUSD float64
	ImpactRatio    float64
	NotionalScale  float64
}

func NewPreResolutionAccumulation() *PreResolutionAccumulation {
	d := &PreResolutionAccumulation{}
	_ = d.SetParams(d.DefaultParams())
	return d
}

func (d *PreResolutionAccumulation) ID() string { return PreResolutionAccumulationID }

func (d *PreResolutionAccumulation) Kinds() []Kind { return []Kind{KindPreResolutionAccumulation} }

func (d *PreResolutionAccumulation) DefaultParams() json.RawMessage {
	return json.RawMessage(`{"horizon_seconds":21600,"min_notional_usd":1000,"impact_ratio":1.0,"notional_scale":10000}`)
}

func (d *PreResolutionAccumulation) SetParams(raw json.RawMessage) error {
	var p struct {
		HorizonSeconds *float64 `json:"horizon_seconds"`
		MinNotionalUSD *float64 `json:"min_notional_usd"`
		ImpactRatio    *float64 `json:"impact_ratio"`
		NotionalScale  *float64 `json:"notional_scale"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
	}
	switch {
	case p.HorizonSeconds != nil && *p.HorizonSeconds <= 0:
		return fmt.Errorf("horizon_seconds must be positive")
	case p.ImpactRatio != nil && *p.ImpactRatio <= 0:
		return fmt.Errorf("impact_ratio must be positive")
	case p.NotionalScale != nil && *p.NotionalScale <= 0:
		return fmt.Errorf("notional_scale must be positive")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p.HorizonSeconds != nil {
		d.HorizonSeconds = *p.HorizonSeconds
	}
	if p.MinNotionalUSD != nil {
		d.MinNotionalUSD = *p.MinNotionalUSD
	}
	if p.ImpactRatio != nil {
		d.ImpactRatio = *p.ImpactRatio
	}
	if p.NotionalScale != nil {
		d.NotionalScale = *p.NotionalScale
	}
	return nil
}

func (d *PreResolutionAccumulation) Evaluate(ctx context.Context, in Input) ([]Signal, error) {
	d.mu.RLock()
	horizon, minNotional, impactRatio, notionalScale := d.HorizonSeconds, d.MinNotionalUSD, d.ImpactRatio, d.NotionalScale
	d.mu.RUnlock()

	baseline, ok := in.MarketFeatures().Float("historical_avg_price_impact")
	if !ok || baseline <= 0 {
		return nil, nil
	}

	var (
		built    []trades.TradeRecord
		notional float64
		impacts  []float64
		ttrMin   = math.Inf(1)
	)
	for _, t := range in.Trades {
		if t.Side != trades.SideBuy {
			continue
		}
		tc, ok := in.Features.Trade(t.ID)
		if !ok || !tc.HasResolution || tc.TimeToResolutionSeconds > horizon {
			continue
		}
		built = append(built, t)
		notional += t.Notional()
		if tc.HasImpact {
			impacts = append(impacts, tc.PriceImpact)
		}
		ttrMin = math.Min(ttrMin, tc.TimeToResolutionSeconds)
	}
	// Stealth is only claimed when the impact was measured.
	if len(built) == 0 || notional < minNotional || len(impacts) == 0 {
		return nil, nil
	}

	var avgImpact float64
	for _, v := range impacts {
		avgImpact += v
	}
	avgImpact /= float64(len(impacts))
	ratio := avgImpact / baseline
	if ratio >= impactRatio {
		return nil, nil
	}

	stealth := 1 - ratio/impactRatio
	size := 1 - math.Exp(-notional/notionalScale)
	strength := size * (0.5 + 0.5*stealth)
	return []Signal{{
		Kind:     KindPreResolutionAccumulation,
		Strength: clamp(strength, 0, 1),
		Scale:    ScaleUnit,
		ScaleMax: 1,
		TradeIDs: tradeIDs(built),
		Details: map[string]any{
			"notional_usd":                notional,
			"avg_price_impact":            avgImpact,
			"baseline_price_impact":       baseline,
			"impact_ratio":                ratio,
			"min_time_to_resolution_secs": ttrMin,
		},
	}}, nil
}

var _ Detector = (*PreResolutionAccumulation)(nil)

package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/PhilippMayorov/insiderTracker/internal/labeler"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

const AsymmetricRiskExposureID = "asymmetric_risk_exposure"

// AsymmetricRiskExposure flags outsized buys of long-shot outcomes: small downside,
// large payoff, sized well above the wallet's own habit. Insider-sensitive markets
// weigh more.
type AsymmetricRiskExposure struct {
	mu sync.RWMutex

	MaxPrice       float64
	SizeMultiple   float64
	MinNotionalUSD float64
	MaxPayoff      float64
}

func NewAsymmetricRiskExposure() *AsymmetricRiskExposure {
	d := &AsymmetricRiskExposure{}
	_ = d.SetParams(d.DefaultParams())
	return d
}

func (d *AsymmetricRiskExposure) ID() string { return AsymmetricRiskExposureID }

func (d *AsymmetricRiskExposure) Kinds() []Kind { return []Kind{KindAsymmetricRiskExposure} }

func (d *AsymmetricRiskExposure) DefaultParams() json.RawMessage {
	return json.RawMessage(`{"max_price":0.2,"size_multiple":3.0,"min_notional_usd":2000,"max_payoff":99}`)
}

func (d *AsymmetricRiskExposure) SetParams(raw json.RawMessage) error {
	var p struct {
		MaxPrice       *float64 `json:"max_price"`
		SizeMultiple   *float64 `json:"size_multiple"`
		MinNotionalUSD *float64 `json:"min_notional_usd"`
		MaxPayoff      *float64 `json:"max_payoff"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
	}
	switch {
	case p.MaxPrice != nil && (*p.MaxPrice <= 0 || *p.MaxPrice >= 1):
		return fmt.Errorf("max_price must be in (0, 1)")
	case p.SizeMultiple != nil && *p.SizeMultiple <= 0:
		return fmt.Errorf("size_multiple must be positive")
	case p.MinNotionalUSD != nil && *p.MinNotionalUSD <= 0:
		return fmt.Errorf("min_notional_usd must be positive")
	case p.MaxPayoff != nil && *p.MaxPayoff <= 0:
		return fmt.Errorf("max_payoff must be positive")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p.MaxPrice != nil {
		d.MaxPrice = *p.MaxPrice
	}
	if p.SizeMultiple != nil {
		d.SizeMultiple = *p.SizeMultiple
	}
	if p.MinNotionalUSD != nil {
		d.MinNotionalUSD = *p.MinNotionalUSD
	}
	if p.MaxPayoff != nil {
		d.MaxPayoff = *p.MaxPayoff
	}
	return nil
}

func (d *AsymmetricRiskExposure) Evaluate(ctx context.Context, in Input) ([]Signal, error) {
	d.mu.RLock()
	maxPrice, multiple, minNotional, maxPayoff := d.MaxPrice, d.SizeMultiple, d.MinNotionalUSD, d.MaxPayoff
	d.mu.RUnlock()

	avgSize, ok := in.WalletFeatures().Float("historical_avg_trade_size")
	baseSource := "wallet_history"
	if !ok || avgSize <= 0 {
		avgSize, baseSource = minNotional/multiple, "default"
	}
	sensitivity, ok := in.MarketFeatures().Float("insider_sensitivity_score")
	if !ok {
		sensitivity = labeler.SensitivityNone.Score()
	}

	var (
		hits      []trades.TradeRecord
		best      float64
		bestPrice float64
		bestRatio float64
	)
	for _, t := range in.Trades {
		price := t.PriceFloat()
		if t.Side != trades.SideBuy || price > maxPrice {
			continue
		}
		ratio := t.Notional() / avgSize
		if ratio < multiple {
			continue
		}
		payoff := (1 - price) / price
		payoffNorm := math.Min(1, math.Log1p(payoff)/math.Log1p(maxPayoff))
		sizeFactor := 1 - math.Exp(-ratio/multiple)
		strength := payoffNorm * sizeFactor * sensitivity
		hits = append(hits, t)
		if strength > best {
			best, bestPrice, bestRatio = strength, price, ratio
		}
	}
	if len(hits) == 0 || best <= 0 {
		return nil, nil
	}
	return []Signal{{
		Kind:     KindAsymmetricRiskExposure,
		Strength: clamp(best, 0, 1),
		Scale:    ScaleUnit,
		ScaleMax: 1,
		TradeIDs: tradeIDs(hits),
		Details: map[string]any{
			"entry_price":       bestPrice,
			"size_ratio":        bestRatio,
			"baseline_size_usd": avgSize,
			"baseline_source":   baseSource,
			"sensitivity":       sensitivity,
		},
	}}, nil
}

var _ Detector = (*AsymmetricRiskExposure)(nil)

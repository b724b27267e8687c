package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

const CrossMarketCorrelationID = "cross_market_correlation"

// CrossMarketCorrelation scores how improbable the wallet's record of calling resolved
// markets is against a coin flip.
type CrossMarketCorrelation struct {
	mu sync.RWMutex

	MinMarkets  int
	ZThreshold  float64
	ZClamp      float64
	MaxEvidence int
}

func NewCrossMarketCorrelation() *CrossMarketCorrelation {
	d := &CrossMarketCorrelation{}
	_ = d.SetParams(d.DefaultParams())
	return d
}

func (d *CrossMarketCorrelation) ID() string { return CrossMarketCorrelationID }

func (d *CrossMarketCorrelation) Kinds() []Kind { return []Kind{KindCrossMarketCorrelation} }

func (d *CrossMarketCorrelation) DefaultParams() json.RawMessage {
	return json.RawMessage(`{"min_markets":5,"z_threshold":2.0,"z_clamp":4.0,"max_evidence":100}`)
}

func (d *CrossMarketCorrelation) SetParams(raw json.RawMessage) error {
	var p struct {
		MinMarkets  *int     `json:"min_markets"`
		ZThreshold  *float64 `json:"z_threshold"`
		ZClamp      *float64 `json:"z_clamp"`
		MaxEvidence *int     `json:"max_evidence"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
	}
	switch {
	case p.MinMarkets != nil && *p.MinMarkets <= 0:
		return fmt.Errorf("min_markets must be positive")
	case p.ZClamp != nil && *p.ZClamp <= 0:
		return fmt.Errorf("z_clamp must be positive")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p.MinMarkets != nil {
		d.MinMarkets = *p.MinMarkets
	}
	if p.ZThreshold != nil {
		d.ZThreshold = *p.ZThreshold
	}
	if p.ZClamp != nil {
		d.ZClamp = *p.ZClamp
	}
	if p.MaxEvidence != nil {
		d.MaxEvidence = *p.MaxEvidence
	}
	return nil
}

func (d *CrossMarketCorrelation) Evaluate(ctx context.Context, in Input) ([]Signal, error) {
	d.mu.RLock()
	minMarkets, zThreshold, zClamp, maxEvidence := d.MinMarkets, d.ZThreshold, d.ZClamp, d.MaxEvidence
	d.mu.RUnlock()

	wallet := in.WalletFeatures()
	n, _ := wallet.Float("historical_resolved_markets")
	k, _ := wallet.Float("historical_resolved_wins")
	if int(n) < minMarkets {
		return nil, nil
	}
	z := (k - n/2) / math.Sqrt(n/4)
	if z < zThreshold {
		return nil, nil
	}

	var evidence []trades.TradeRecord
	for i := len(in.WalletTrades) - 1; i >= 0; i-- {
		t := in.WalletTrades[i]
		info := in.MarketInfo(t.MarketID)
		if !info.ResolvedBy(in.Window.End) || !t.Timestamp.Before(info.ResolvedAt) || !t.Backs(info.WinningOutcome) {
			continue
		}
		evidence = append(evidence, t)
		if maxEvidence > 0 && len(evidence) >= maxEvidence {
			break
		}
	}
	return []Signal{{
		Kind:     KindCrossMarketCorrelation,
		Strength: clamp(z, 0, zClamp),
		Scale:    ScaleZScore,
		ScaleMax: zClamp,
		TradeIDs: tradeIDs(evidence),
		Details: map[string]any{
			"resolved_markets":  int(n),
			"wins":              int(k),
			"win_rate":          k / n,
			"z_score_unclamped": z,
		},
	}}, nil
}

var _ Detector = (*CrossMarketCorrelation)(nil)

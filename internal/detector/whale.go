package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/PhilippMayorov/insiderTracker/internal/features"
)

const WhaleConcentrationID = "whale_concentration"

// WhaleConcentration flags a wallet whose share of the market's resolved-outcome volume
// exceeds a percentile of that market's own historical wallet-share distribution.
type WhaleConcentration struct {
	mu sync.RWMutex

	Percentile   float64
	MinShare     float64
	MinVolumeUSD float64
	RatioScale   float64
}

func NewWhaleConcentration() *WhaleConcentration {
	d := &WhaleConcentration{}
	_ = d.SetParams(d.DefaultParams())
	return d
}

func (d *WhaleConcentration) ID() string { return WhaleConcentrationID }

func (d *WhaleConcentration) Kinds() []Kind { return []Kind{KindWhaleConcentration} }

func (d *WhaleConcentration) DefaultParams() json.RawMessage {
	return json.RawMessage(`{"percentile":95,"min_share":0.05,"min_volume_usd":1000,"ratio_scale":1.0}`)
}

func (d *WhaleConcentration) SetParams(raw json.RawMessage) error {
	var p struct {
		Percentile   *float64 `json:"percentile"`
		MinShare     *float64 `json:"min_share"`
		MinVolumeUSD *float64 `json:"min_volume_usd"`
		RatioScale   *float64 `json:"ratio_scale"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
	}
	switch {
	case p.Percentile != nil && (*p.Percentile <= 0 || *p.Percentile > 100):
		return fmt.Errorf("percentile must be in (0, 100]")
	case p.RatioScale != nil && *p.RatioScale <= 0:
		return fmt.Errorf("ratio_scale must be positive")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p.Percentile != nil {
		d.Percentile = *p.Percentile
	}
	if p.MinShare != nil {
		d.MinShare = *p.MinShare
	}
	if p.MinVolumeUSD != nil {
		d.MinVolumeUSD = *p.MinVolumeUSD
	}
	if p.RatioScale != nil {
		d.RatioScale = *p.RatioScale
	}
	return nil
}

func (d *WhaleConcentration) Evaluate(ctx context.Context, in Input) ([]Signal, error) {
	d.mu.RLock()
	percentile, minShare, minVolume, ratioScale := d.Percentile, d.MinShare, d.MinVolumeUSD, d.RatioScale
	d.mu.RUnlock()

	pair := in.PairFeatures()
	resolved := false
	share, ok := pair.Float("winning_outcome_share")
	volume, _ := pair.Float("winning_outcome_volume")
	if ok {
		resolved = true
	} else {
		share, _ = pair.Float("share_of_window_volume")
		volume, _ = pair.Float("window_volume")
	}
	if volume < minVolume || share <= 0 {
		return nil, nil
	}

	baseline, ok := in.MarketFeatures().Float(features.ShareFeature(percentile))
	if !ok {
		// insufficient market history: no relative baseline to compare against.
		return nil, nil
	}
	threshold := math.Max(baseline, minShare)
	if threshold <= 0 || share <= threshold {
		return nil, nil
	}

	evidence := in.Trades
	if resolved {
		evidence = nil
		for _, t := range in.Trades {
			if t.Backs(in.Market.WinningOutcome) {
				evidence = append(evidence, t)
			}
		}
	}
	strength := 1 - math.Exp(-(share/threshold-1)/ratioScale)
	return []Signal{{
		Kind:     KindWhaleConcentration,
		Strength: clamp(strength, 0, 1),
		Scale:    ScaleUnit,
		ScaleMax: 1,
		TradeIDs: tradeIDs(evidence),
		Details: map[string]any{
			"share":               share,
			"volume_usd":          volume,
			"baseline_percentile": baseline,
			"threshold":           threshold,
			"resolved_outcome":    resolved,
		},
	}}, nil
}

var _ Detector = (*WhaleConcentration)(nil)

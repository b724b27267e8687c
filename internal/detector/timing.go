package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

const TimingAsymmetryID = "timing_asymmetry"

// TimingAsymmetry compares how close before a labeled event the wallet entered against
// the wallet's own historical entry-to-event lead times.
type TimingAsymmetry struct {
	mu sync.RWMutex

	ZThreshold      float64
	ZClamp          float64
	MinStdSeconds   float64
	HorizonSeconds  float64
	DefaultLeadMean float64
	DefaultLeadStd  float64
}

func NewTimingAsymmetry() *TimingAsymmetry {
	d := &TimingAsymmetry{}
	_ = d.SetParams(d.DefaultParams())
	return d
}

func (d *TimingAsymmetry) ID() string { return TimingAsymmetryID }

func (d *TimingAsymmetry) Kinds() []Kind { return []Kind{KindTimingAsymmetry} }

func (d *TimingAsymmetry) DefaultParams() json.RawMessage {
	return json.RawMessage(`{"z_threshold":2.0,"z_clamp":4.0,"min_std_seconds":600,"horizon_seconds":604800,"default_lead_mean_seconds":259200,"default_lead_std_seconds":86400}`)
}

func (d *TimingAsymmetry) SetParams(raw json.RawMessage) error {
	var p struct {
		ZThreshold      *float64 `json:"z_threshold"`
		ZClamp          *float64 `json:"z_clamp"`
		MinStdSeconds   *float64 `json:"min_std_seconds"`
		HorizonSeconds  *float64 `json:"horizon_seconds"`
		DefaultLeadMean *float64 `json:"default_lead_mean_seconds"`
		DefaultLeadStd  *float64 `json:"default_lead_std_seconds"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
	}
	switch {
	case p.ZClamp != nil && *p.ZClamp <= 0:
		return fmt.Errorf("z_clamp must be positive")
	case p.MinStdSeconds != nil && *p.MinStdSeconds <= 0:
		return fmt.Errorf("min_std_seconds must be positive")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p.ZThreshold != nil {
		d.ZThreshold = *p.ZThreshold
	}
	if p.ZClamp != nil {
		d.ZClamp = *p.ZClamp
	}
	if p.MinStdSeconds != nil {
		d.MinStdSeconds = *p.MinStdSeconds
	}
	if p.HorizonSeconds != nil {
		d.HorizonSeconds = *p.HorizonSeconds
	}
	if p.DefaultLeadMean != nil {
		d.DefaultLeadMean = *p.DefaultLeadMean
	}
	if p.DefaultLeadStd != nil {
		d.DefaultLeadStd = *p.DefaultLeadStd
	}
	return nil
}

func (d *TimingAsymmetry) Evaluate(ctx context.Context, in Input) ([]Signal, error) {
	d.mu.RLock()
	zThreshold, zClamp, minStd := d.ZThreshold, d.ZClamp, d.MinStdSeconds
	horizon := time.Duration(d.HorizonSeconds * float64(time.Second))
	defMean, defStd := d.DefaultLeadMean, d.DefaultLeadStd
	d.mu.RUnlock()

	wallet := in.WalletFeatures()
	mean, okMean := wallet.Float("historical_event_lead_mean_seconds")
	std, okStd := wallet.Float("historical_event_lead_std_seconds")
	baseline := "wallet_history"
	if !okMean || !okStd {
		mean, std, baseline = defMean, defStd, "default"
	}
	std = math.Max(std, minStd)

	var (
		best      float64
		bestEvent trades.MarketEvent
		bestEntry trades.TradeRecord
		bestLead  float64
		found     bool
	)
	for _, e := range in.Events {
		if !in.Window.Contains(e.At) {
			continue
		}
		entry, ok := lastEntry(in.WalletTrades, in.Key.MarketID, e.At)
		if !ok || e.At.Sub(entry.Timestamp) > horizon {
			continue
		}
		lead := e.At.Sub(entry.Timestamp).Seconds()
		z := (mean - lead) / std
		if !found || z > best {
			best, bestEvent, bestEntry, bestLead, found = z, e, entry, lead, true
		}
	}
	if !found || best < zThreshold {
		return nil, nil
	}
	return []Signal{{
		Kind:     KindTimingAsymmetry,
		Strength: clamp(best, 0, zClamp),
		Scale:    ScaleZScore,
		ScaleMax: zClamp,
		TradeIDs: []string{bestEntry.ID},
		Details: map[string]any{
			"event_id":          bestEvent.ID,
			"event_label":       bestEvent.Label,
			"event_at":          bestEvent.At,
			"lead_seconds":      bestLead,
			"baseline_mean":     mean,
			"baseline_std":      std,
			"baseline_source":   baseline,
			"z_score_unclamped": best,
		},
	}}, nil
}

// lastEntry returns the wallet's most recent buy on market strictly before at.
func lastEntry(list []trades.TradeRecord, market string, at time.Time) (trades.TradeRecord, bool) {
	var out trades.TradeRecord
	found := false
	for _, t := range list {
		if !t.Timestamp.Before(at) {
			break
		}
		if t.MarketID == market && t.Side == trades.SideBuy {
			out, found = t, true
		}
	}
	return out, found
}

var _ Detector = (*TimingAsymmetry)(nil)

package features

import (
	"fmt"
	"sort"
	"time"

	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

type EntityType string

const (
	EntityWallet       EntityType = "wallet"
	EntityMarket       EntityType = "market"
	EntityWalletMarket EntityType = "wallet_market"
)

type ValueKind string

const (
	KindNumber       ValueKind = "num"
	KindCategory     ValueKind = "cat"
	KindInsufficient ValueKind = "insufficient_baseline"
)

// Value is one named feature. Missing history is an explicit marker, never zero.
type Value struct {
	Kind ValueKind `json:"kind"`
	Num  float64   `json:"num,omitempty"`
	Cat  string    `json:"cat,omitempty"`
}

func Num(v float64) Value { return Value{Kind: KindNumber, Num: v} }
func Cat(v string) Value { return Value{Kind: KindCategory, Cat: v} }
func Insufficient() Value { return Value{Kind: KindInsufficient} }
func (v Value) IsInsufficient() bool { return v.Kind == KindInsufficient }

// Record holds the features of one entity for one window.
type Record struct {
	Entity   EntityType       `json:"entity"`
	EntityID string           `json:"entity_id"`
	Window   string           `json:"window"`
	Values   map[string]Value `json:"values"`
}

func newRecord(entity EntityType, id string, w trades.Window) Record {
	return Record{Entity: entity, EntityID: id, Window: w.Key(), Values: map[string]Value{}}
}

// Float returns a numeric feature. Insufficient or absent features report false.
func (r Record) Float(name string) (float64, bool) {
	v, ok := r.Values[name]
	if !ok || v.Kind != KindNumber {
		return 0, false
	}
	return v.Num, true
}

func (r Record) Category(name string) (string, bool) {
	v, ok := r.Values[name]
	if !ok || v.Kind != KindCategory {
		return "", false
	}
	return v.Cat, true
}

func (r Record) Insufficient(name string) bool {
	v, ok := r.Values[name]
	return ok && v.IsInsufficient()
}

func (r Record) set(name string, v Value) { r.Values[name] = v }

// setBaseline stores v when enough samples back it, otherwise the insufficient marker.
func (r Record) setBaseline(name string, v float64, samples, min int) {
	if samples < min || samples == 0 {
		r.Values[name] = Insufficient()
		return
	}
	r.Values[name] = Num(v)
}

// TradeContext is the per-trade market context at the trade's own timestamp.
type TradeContext struct {
	TradeID                 string  `json:"trade_id"`
	MarketVolume24h         float64 `json:"market_volume_24h"`
	PriceImpact             float64 `json:"price_impact"`
	HasImpact               bool    `json:"has_impact"`
	TimeToResolutionSeconds float64 `json:"time_to_resolution_seconds"`
	HasResolution           bool    `json:"has_resolution"`
}

// Snapshot is the immutable feature set of one run. ID is a content hash, so two runs
// over identical input share it.
type Snapshot struct {
	ID            string                  `json:"id"`
	Window        trades.Window           `json:"window"`
	Wallets       map[string]Record       `json:"wallets"`
	Markets       map[string]Record       `json:"markets"`
	WalletMarkets map[string]Record       `json:"wallet_markets"`
	Trades        map[string]TradeContext `json:"trades"`
}

func WalletMarketID(wallet, market string) string {
	return wallet + "|" + market
}

func (s *Snapshot) Wallet(id string) Record {
	return s.lookup(s.Wallets, EntityWallet, id)
}

func (s *Snapshot) Market(id string) Record {
	return s.lookup(s.Markets, EntityMarket, id)
}

func (s *Snapshot) WalletMarket(wallet, market string) Record {
	return s.lookup(s.WalletMarkets, EntityWalletMarket, WalletMarketID(wallet, market))
}

func (s *Snapshot) Trade(id string) (TradeContext, bool) {
	if s == nil {
		return TradeContext{}, false
	}
	tc, ok := s.Trades[id]
	return tc, ok
}

func (s *Snapshot) lookup(m map[string]Record, entity EntityType, id string) Record {
	if s != nil {
		if r, ok := m[id]; ok {
			return r
		}
	}
	return Record{Entity: entity, EntityID: id, Values: map[string]Value{}}
}

// Records lists every record ordered by entity type and id.
func (s *Snapshot) Records() []Record {
	if s == nil {
		return nil
	}
	out := make([]Record, 0, len(s.Wallets)+len(s.Markets)+len(s.WalletMarkets))
	for _, m := range []map[string]Record{s.Wallets, s.Markets, s.WalletMarkets} {
		for _, r := range m {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// LookbackLabel renders 1h, 24h and 7d style suffixes.
func LookbackLabel(d time.Duration) string {
	switch {
	case d >= 48*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// ShareFeature names the market's historical wallet-share percentile feature.
func ShareFeature(percentile float64) string {
	return fmt.Sprintf("historical_wallet_share_p%g", percentile)
}

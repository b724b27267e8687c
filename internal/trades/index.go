package trades

import (
	"sort"
	"time"
)

// Index is a read-only view over a sorted batch shared by features and detectors.
type Index struct {
	Window Window
	// All holds history followed by window trades, chronological.
	All []TradeRecord

	byID           map[string]TradeRecord
	byWallet       map[string][]TradeRecord
	byMarket       map[string][]TradeRecord
	windowByPair   map[PairKey][]TradeRecord
	eventsByMarket map[string][]MarketEvent
	markets        map[string]MarketSnapshot
	pairs          []PairKey
}

// PairKey identifies a wallet trading a market.
type PairKey struct {
	Wallet   string
	MarketID string
}

type IndexOption func(*indexOptions)

type indexOptions struct {
	eventHorizon time.Duration
}

// WithEventHorizon also keys wallets that bought into a market within horizon before
// one of its events inside the window, even without a window trade of their own.
func WithEventHorizon(horizon time.Duration) IndexOption {
	return func(o *indexOptions) { o.eventHorizon = horizon }
}

func NewIndex(b Batch, opts ...IndexOption) *Index {
	var o indexOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := b.Sorted()
	idx := &Index{
		Window:         s.Window,
		byID:           map[string]TradeRecord{},
		byWallet:       map[string][]TradeRecord{},
		byMarket:       map[string][]TradeRecord{},
		windowByPair:   map[PairKey][]TradeRecord{},
		eventsByMarket: map[string][]MarketEvent{},
		markets:        map[string]MarketSnapshot{},
	}
	idx.All = make([]TradeRecord, 0, len(s.History)+len(s.Trades))
	idx.All = append(idx.All, s.History...)
	idx.All = append(idx.All, s.Trades...)

	for _, t := range idx.All {
		idx.byID[t.ID] = t
		idx.byWallet[t.Wallet] = append(idx.byWallet[t.Wallet], t)
		idx.byMarket[t.MarketID] = append(idx.byMarket[t.MarketID], t)
		idx.markets[t.MarketID] = mergeSnapshot(idx.markets[t.MarketID], t, s.Window)
	}
	for _, t := range s.Trades {
		k := PairKey{Wallet: t.Wallet, MarketID: t.MarketID}
		if _, ok := idx.windowByPair[k]; !ok {
			idx.pairs = append(idx.pairs, k)
		}
		idx.windowByPair[k] = append(idx.windowByPair[k], t)
	}
	for _, e := range s.Events {
		if !e.At.Before(s.Window.End) {
			continue
		}
		idx.eventsByMarket[e.MarketID] = append(idx.eventsByMarket[e.MarketID], e)
	}
	if o.eventHorizon > 0 {
		idx.addEventPairs(o.eventHorizon)
	}
	sort.Slice(idx.pairs, func(i, j int) bool {
		if idx.pairs[i].Wallet != idx.pairs[j].Wallet {
			return idx.pairs[i].Wallet < idx.pairs[j].Wallet
		}
		return idx.pairs[i].MarketID < idx.pairs[j].MarketID
	})
	return idx
}

func (x *Index) addEventPairs(horizon time.Duration) {
	known := make(map[PairKey]struct{}, len(x.pairs))
	for _, k := range x.pairs {
		known[k] = struct{}{}
	}
	for market, events := range x.eventsByMarket {
		for _, e := range events {
			if !x.Window.Contains(e.At) {
				continue
			}
			for _, t := range x.byMarket[market] {
				if t.Side != SideBuy || !t.Timestamp.Before(e.At) || e.At.Sub(t.Timestamp) > horizon {
					continue
				}
				k := PairKey{Wallet: t.Wallet, MarketID: market}
				if _, ok := known[k]; ok {
					continue
				}
				known[k] = struct{}{}
				x.pairs = append(x.pairs, k)
			}
		}
	}
}

// mergeSnapshot keeps the latest metadata but never forgets a resolution that was
// already public at window end.
func mergeSnapshot(prev MarketSnapshot, t TradeRecord, w Window) MarketSnapshot {
	next := t.Market
	next.MarketID = t.MarketID
	if !next.ResolvedBy(w.End) {
		next.Resolved, next.ResolvedAt, next.WinningOutcome = false, time.Time{}, ""
		if prev.ResolvedBy(w.End) {
			next.Resolved, next.ResolvedAt, next.WinningOutcome = true, prev.ResolvedAt, prev.WinningOutcome
		}
	}
	if next.Question == "" {
		next.Question = prev.Question
	}
	if len(next.Tags) == 0 {
		next.Tags = prev.Tags
	}
	if next.EndDate.IsZero() {
		next.EndDate = prev.EndDate
	}
	return next
}

// Pairs lists every (wallet, market) with at least one trade in the window, sorted.
func (x *Index) Pairs() []PairKey {
	return append([]PairKey(nil), x.pairs...)
}

func (x *Index) Trade(id string) (TradeRecord, bool) {
	t, ok := x.byID[id]
	return t, ok
}

func (x *Index) WalletTrades(wallet string) []TradeRecord { return x.byWallet[wallet] }
func (x *Index) MarketTrades(market string) []TradeRecord { return x.byMarket[market] }
func (x *Index) PairWindowTrades(k PairKey) []TradeRecord { return x.windowByPair[k] }
func (x *Index) Events(market string) []MarketEvent { return x.eventsByMarket[market] }

// Market returns the market metadata as known at window end.
func (x *Index) Market(id string) MarketSnapshot {
	m, ok := x.markets[id]
	if !ok {
		return MarketSnapshot{MarketID: id}
	}
	return m
}

// Wallets returns the wallets trading in the window, sorted.
func (x *Index) Wallets() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, k := range x.pairs {
		if _, ok := seen[k.Wallet]; !ok {
			seen[k.Wallet] = struct{}{}
			out = append(out, k.Wallet)
		}
	}
	sort.Strings(out)
	return out
}

// Markets returns the markets traded in the window, sorted.
func (x *Index) Markets() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, k := range x.pairs {
		if _, ok := seen[k.MarketID]; !ok {
			seen[k.MarketID] = struct{}{}
			out = append(out, k.MarketID)
		}
	}
	sort.Strings(out)
	return out
}

// Split partitions chronological trades into those before the window and those in it.
func (x *Index) Split(in []TradeRecord) (history, window []TradeRecord) {
	i := sort.Search(len(in), func(i int) bool { return !in[i].Timestamp.Before(x.Window.Start) })
	return in[:i], in[i:]
}

package detector

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/PhilippMayorov/insiderTracker/internal/features"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

// Detector inspects one key at a time. Implementations must not perform I/O and must
// treat Input as read-only.
type Detector interface {
	ID() string
	Kinds() []Kind
	DefaultParams() json.RawMessage
	SetParams(json.RawMessage) error
	Evaluate(ctx context.Context, in Input) ([]Signal, error)
}

// Input is the materialized, read-only view of one key. Slices are shared between
// inputs and must not be modified.
type Input struct {
	Key    Key
	Window trades.Window
	Market trades.MarketSnapshot
	// Trades are the key's own trades inside the window.
	Trades []trades.TradeRecord
	// MarketTrades are every trade on the key's market, history and window, chronological.
	MarketTrades []trades.TradeRecord
	// WalletTrades are every trade of the key's wallet, history and window, chronological.
	WalletTrades []trades.TradeRecord
	Events       []trades.MarketEvent
	Features     *features.Snapshot
	Index        *trades.Index
}

func (in Input) WalletFeatures() features.Record {
	return in.Features.Wallet(in.Key.Wallet)
}

func (in Input) MarketFeatures() features.Record {
	return in.Features.Market(in.Key.MarketID)
}

func (in Input) PairFeatures() features.Record {
	return in.Features.WalletMarket(in.Key.Wallet, in.Key.MarketID)
}

// MarketInfo returns metadata for any market visible to the run.
func (in Input) MarketInfo(id string) trades.MarketSnapshot {
	if in.Index != nil {
		return in.Index.Market(id)
	}
	if id == in.Key.MarketID {
		return in.Market
	}
	return trades.MarketSnapshot{MarketID: id}
}

// knownTrades is every trade id the input may cite as evidence.
func (in Input) knownTrades() map[string]struct{} {
	out := make(map[string]struct{}, len(in.MarketTrades)+len(in.WalletTrades))
	for _, list := range [][]trades.TradeRecord{in.Trades, in.MarketTrades, in.WalletTrades} {
		for _, t := range list {
			out[t.ID] = struct{}{}
		}
	}
	return out
}

// BuildInputs materializes one input per (wallet, market) pair in the index. When
// tracked is non-empty only those wallets are keyed; every wallet still feeds market
// context.
func BuildInputs(idx *trades.Index, snap *features.Snapshot, tracked []string) []Input {
	keep := map[string]struct{}{}
	for _, w := range tracked {
		keep[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	windowKey := idx.Window.Key()
	var out []Input
	for _, pair := range idx.Pairs() {
		if len(keep) > 0 {
			if _, ok := keep[strings.ToLower(pair.Wallet)]; !ok {
				continue
			}
		}
		out = append(out, Input{
			Key:          Key{Wallet: pair.Wallet, MarketID: pair.MarketID, Window: windowKey},
			Window:       idx.Window,
			Market:       idx.Market(pair.MarketID),
			Trades:       idx.PairWindowTrades(pair),
			MarketTrades: idx.MarketTrades(pair.MarketID),
			WalletTrades: idx.WalletTrades(pair.Wallet),
			Events:       idx.Events(pair.MarketID),
			Features:     snap,
			Index:        idx,
		})
	}
	return out
}

func tradeIDs(list []trades.TradeRecord) []string {
	out := make([]string, 0, len(list))
	seen := map[string]struct{}{}
	for _, t := range list {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t.ID)
	}
	sort.Strings(out)
	return out
}

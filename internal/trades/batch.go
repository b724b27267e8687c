package trades

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Batch is everything one pipeline run may look at: trades inside the window, the
// baseline history before it, and labeled events.
type Batch struct {
	Window  Window        `json:"window"`
	Trades  []TradeRecord `json:"trades"`
	History []TradeRecord `json:"history"`
	Events  []MarketEvent `json:"events"`
}

// Source loads batches from the ingestion collaborator.
type Source interface {
	LoadBatch(ctx context.Context, window Window, lookback time.Duration) (Batch, error)
}

// Problem is one rejected field.
type Problem struct {
	TradeID string `json:"trade_id,omitempty"`
	Field   string `json:"field"`
	Reason  string `json:"reason"`
}

// ValidationError rejects a whole batch.
type ValidationError struct {
	Window   string
	Problems []Problem
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "invalid trade batch"
	}
	parts := make([]string, 0, len(e.Problems))
	for i, p := range e.Problems {
		if i == 5 {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Problems)-i))
			break
		}
		if p.TradeID != "" {
			parts = append(parts, fmt.Sprintf("%s.%s: %s", p.TradeID, p.Field, p.Reason))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", p.Field, p.Reason))
		}
	}
	return fmt.Sprintf("invalid trade batch %s: %s", e.Window, strings.Join(parts, "; "))
}

// Validate fails fast on structurally broken input. Financial fields are never
// defaulted.
func Validate(b Batch) error {
	verr := &ValidationError{Window: b.Window.Key()}
	if err := b.Window.Validate(); err != nil {
		verr.Problems = append(verr.Problems, Problem{Field: "window", Reason: err.Error()})
		return verr
	}

	seen := make(map[string]struct{}, len(b.Trades)+len(b.History))
	check := func(t TradeRecord, inWindow bool) {
		add := func(field, reason string) {
			verr.Problems = append(verr.Problems, Problem{TradeID: t.ID, Field: field, Reason: reason})
		}
		if t.ID == "" {
			add("id", "required")
		} else if _, dup := seen[t.ID]; dup {
			add("id", "duplicate")
		} else {
			seen[t.ID] = struct{}{}
		}
		if t.Wallet == "" {
			add("wallet", "required")
		}
		if t.MarketID == "" {
			add("market_id", "required")
		}
		if t.Market.MarketID != "" && t.Market.MarketID != t.MarketID {
			add("market.market_id", "does not match market_id")
		}
		if t.Side != SideBuy && t.Side != SideSell {
			add("side", "must be BUY or SELL")
		}
		if t.Outcome == "" {
			add("outcome", "required")
		}
		if !t.Price.IsPositive() || t.Price.GreaterThan(one) {
			add("price", "must be in (0, 1]")
		}
		if !t.Size.IsPositive() {
			add("size", "must be positive")
		}
		if !t.NotionalUSD.IsPositive() {
			add("notional_usd", "must be positive")
		}
		if t.Timestamp.IsZero() {
			add("timestamp", "required")
			return
		}
		if inWindow && !b.Window.Contains(t.Timestamp) {
			add("timestamp", "outside window")
		}
		if !inWindow && !t.Timestamp.Before(b.Window.Start) {
			add("timestamp", "history must precede window start")
		}
	}
	for _, t := range b.Trades {
		check(t, true)
	}
	for _, t := range b.History {
		check(t, false)
	}
	for _, e := range b.Events {
		if e.ID == "" || e.MarketID == "" || e.At.IsZero() {
			verr.Problems = append(verr.Problems, Problem{Field: "events", Reason: fmt.Sprintf("event %q missing id, market or time", e.ID)})
		}
	}
	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// Sorted returns a copy of the batch with trades and events in canonical order.
func (b Batch) Sorted() Batch {
	out := Batch{Window: b.Window}
	out.Trades = SortTrades(b.Trades)
	out.History = SortTrades(b.History)
	out.Events = append([]MarketEvent(nil), b.Events...)
	sort.SliceStable(out.Events, func(i, j int) bool {
		if !out.Events[i].At.Equal(out.Events[j].At) {
			return out.Events[i].At.Before(out.Events[j].At)
		}
		return out.Events[i].ID < out.Events[j].ID
	})
	return out
}

// SortTrades copies and orders trades by timestamp, then id.
func SortTrades(in []TradeRecord) []TradeRecord {
	out := append([]TradeRecord(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

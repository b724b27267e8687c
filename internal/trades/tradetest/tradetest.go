// Package tradetest builds trade fixtures for tests.
package tradetest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

// Base is the reference instant fixtures are laid out around.
var Base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func At(offset time.Duration) time.Time {
	return Base.Add(offset)
}

// Market returns an unresolved market snapshot ending at end.
func Market(id, question string, end time.Time) trades.MarketSnapshot {
	return trades.MarketSnapshot{MarketID: id, Question: question, EndDate: end}
}

// Resolved returns m resolved to winner at t.
func Resolved(m trades.MarketSnapshot, winner string, t time.Time) trades.MarketSnapshot {
	m.Resolved = true
	m.ResolvedAt = t
	m.WinningOutcome = winner
	if m.EndDate.IsZero() {
		m.EndDate = t
	}
	return m
}

// Trade builds a fill with size derived from notional and price.
func Trade(id, wallet string, m trades.MarketSnapshot, side trades.Side, outcome string, price, notional float64, ts time.Time) trades.TradeRecord {
	p := decimal.NewFromFloat(price)
	n := decimal.NewFromFloat(notional)
	return trades.TradeRecord{
		ID:          id,
		Wallet:      wallet,
		MarketID:    m.MarketID,
		Side:        side,
		Outcome:     outcome,
		Price:       p,
		Size:        n.Div(p).Round(6),
		NotionalUSD: n,
		Timestamp:   ts,
		Market:      m,
	}
}

func Buy(id, wallet string, m trades.MarketSnapshot, outcome string, price, notional float64, ts time.Time) trades.TradeRecord {
	return Trade(id, wallet, m, trades.SideBuy, outcome, price, notional, ts)
}

// Series generates n buys spaced by step, walking the price by drift per fill.
func Series(prefix, wallet string, m trades.MarketSnapshot, outcome string, price, drift, notional float64, start time.Time, step time.Duration, n int) []trades.TradeRecord {
	out := make([]trades.TradeRecord, 0, n)
	for i := 0; i < n; i++ {
		p := price + drift*float64(i)
		out = append(out, Buy(fmt.Sprintf("%s-%d", prefix, i), wallet, m, outcome, p, notional, start.Add(time.Duration(i)*step)))
	}
	return out
}

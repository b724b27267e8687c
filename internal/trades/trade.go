package trades

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// MarketSnapshot is the market metadata captured alongside a trade by ingestion.
type MarketSnapshot struct {
	MarketID       string    `json:"market_id"`
	Question       string    `json:"question"`
	Tags           []string  `json:"tags,omitempty"`
	EndDate        time.Time `json:"end_date"`
	Resolved       bool      `json:"resolved"`
	ResolvedAt     time.Time `json:"resolved_at"`
	WinningOutcome string    `json:"winning_outcome,omitempty"`
}

// ResolvedBy reports whether the resolution was already public at t.
func (m MarketSnapshot) ResolvedBy(t time.Time) bool {
	return m.Resolved && !m.ResolvedAt.IsZero() && m.ResolvedAt.Before(t) && m.WinningOutcome != ""
}

// ResolutionTime returns the known resolution time as of t, falling back to the
// scheduled end date when the market had not resolved yet.
func (m MarketSnapshot) ResolutionTime(asOf time.Time) (time.Time, bool) {
	if m.ResolvedBy(asOf) {
		return m.ResolvedAt, true
	}
	if !m.EndDate.IsZero() {
		return m.EndDate, true
	}
	return time.Time{}, false
}

// TradeRecord is an immutable fill produced by ingestion.
type TradeRecord struct {
	ID          string          `json:"id"`
	Wallet      string          `json:"wallet"`
	MarketID    string          `json:"market_id"`
	Side        Side            `json:"side"`
	Outcome     string          `json:"outcome"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	NotionalUSD decimal.Decimal `json:"notional_usd"`
	Timestamp   time.Time       `json:"timestamp"`
	Market      MarketSnapshot  `json:"market"`
}

func (t TradeRecord) Notional() float64 {
	return t.NotionalUSD.InexactFloat64()
}

func (t TradeRecord) PriceFloat() float64 {
	return t.Price.InexactFloat64()
}

// Direction is +1 when the trade adds exposure to the first (YES) outcome of a binary
// market and -1 otherwise. Non-binary outcomes are treated as their own YES leg.
func (t TradeRecord) Direction() int {
	dir := 1
	if t.Side == SideSell {
		dir = -1
	}
	if strings.EqualFold(t.Outcome, "NO") {
		dir = -dir
	}
	return dir
}

// Backs reports whether the trade adds exposure to outcome.
func (t TradeRecord) Backs(outcome string) bool {
	if strings.EqualFold(t.Outcome, outcome) {
		return t.Side == SideBuy
	}
	if isBinary(t.Outcome) && isBinary(outcome) {
		return t.Side == SideSell
	}
	return false
}

func isBinary(outcome string) bool {
	return strings.EqualFold(outcome, "YES") || strings.EqualFold(outcome, "NO")
}

// MarketEvent is a labeled external event (debate, ruling, announcement) tied to a market.
type MarketEvent struct {
	ID       string    `json:"id"`
	MarketID string    `json:"market_id"`
	Label    string    `json:"label"`
	Kind     string    `json:"kind,omitempty"`
	At       time.Time `json:"at"`
}

package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusEscalated Status = "escalated"
	StatusClosed    Status = "closed"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityBands are the lower score bounds of each band above low.
type SeverityBands struct {
	Medium   float64
	High     float64
	Critical float64
}

func (b SeverityBands) Of(score float64) Severity {
	switch {
	case score >= b.Critical:
		return SeverityCritical
	case score >= b.High:
		return SeverityHigh
	case score >= b.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Alert is the current state of one alert identity. Past states live in its revisions.
type Alert struct {
	ID          string   `json:"id"`
	Wallet      string   `json:"wallet"`
	MarketID    string   `json:"market_id"`
	Window      string   `json:"window"`
	Fingerprint string   `json:"fingerprint"`
	Status      Status   `json:"status"`
	Revision    int      `json:"revision"`
	Severity    Severity `json:"severity"`
	Score       float64  `json:"score"`
	Detectors   []string `json:"detectors"`
	StaleCount  int      `json:"stale_count"`
	// StaleWindows are the below-threshold windows counted since the last confirmation,
	// in window order. StaleCount is their number.
	StaleWindows []trades.Window `json:"stale_windows,omitempty"`
	// ConfirmedWindowEnd is the end of the latest window that scored above threshold.
	ConfirmedWindowEnd time.Time `json:"confirmed_window_end"`
	// LastWindow is the latest window this alert was evaluated in.
	LastWindow    string          `json:"last_window"`
	LastWindowEnd time.Time       `json:"last_window_end"`
	Evidence      *EvidenceBundle `json:"evidence,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	// Version is the storage version the alert was loaded at.
	Version int `json:"-"`
}

func (a Alert) Active() bool { return a.Status == StatusOpen || a.Status == StatusEscalated }

// counted reports whether w already took part in the alert's lifecycle: it ends no
// later than the last confirmation or it is one of the stale windows.
func (a Alert) counted(w trades.Window) bool {
	if w.Key() == a.LastWindow || !w.End.After(a.ConfirmedWindowEnd) {
		return true
	}
	for _, s := range a.StaleWindows {
		if s.Key() == w.Key() {
			return true
		}
	}
	return false
}

type EventType string

const (
	EventCreated   EventType = "created"
	EventEscalated EventType = "escalated"
	EventClosed    EventType = "closed"
)

// Event is one entry of the alert stream. Created and escalated events carry the
// evidence bundle of the new revision.
type Event struct {
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq,omitempty"`
	AlertID  string          `json:"alert_id"`
	Type     EventType       `json:"type"`
	Revision int             `json:"revision"`
	Status   Status          `json:"status"`
	Severity Severity        `json:"severity"`
	Score    float64         `json:"score"`
	RunID    string          `json:"run_id"`
	Window   string          `json:"window"`
	Evidence *EvidenceBundle `json:"evidence,omitempty"`
	At       time.Time       `json:"at"`
}

// DuplicateConflictError is returned by persistence when another writer already
// created the alert identity.
type DuplicateConflictError struct {
	AlertID string
}

func (e *DuplicateConflictError) Error() string {
	return fmt.Sprintf("alert %s already exists", e.AlertID)
}

// ConcurrentUpdateError is returned by persistence when a stored alert changed after
// the run loaded it.
type ConcurrentUpdateError struct {
	AlertID string
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("alert %s was updated concurrently", e.AlertID)
}

// Fingerprint is the canonical form of a contributing detector set.
func Fingerprint(detectors []string) string {
	ids := append([]string(nil), detectors...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// Identity is a pure function of wallet, market, triggering window and fingerprint.
func Identity(wallet, market, window, fingerprint string) string {
	sum := sha256.Sum256([]byte(wallet + "|" + market + "|" + window + "|" + fingerprint))
	return "al_" + hex.EncodeToString(sum[:16])
}

func union(a, b []string) []string {
	seen := map[string]struct{}{}
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// grew reports whether next holds a detector absent from prev.
func grew(prev, next []string) bool {
	have := map[string]struct{}{}
	for _, id := range prev {
		have[id] = struct{}{}
	}
	for _, id := range next {
		if _, ok := have[id]; !ok {
			return true
		}
	}
	return false
}

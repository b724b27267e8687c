package alert

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PhilippMayorov/insiderTracker/internal/config"
	"github.com/PhilippMayorov/insiderTracker/internal/risk"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

type Config struct {
	Threshold          float64
	StaleConfirmations int
	EscalationDelta    float64
	Bands              SeverityBands
	MinTradeUSD        float64
	MaxTradeEvidence   int
}

func ConfigFrom(c config.AlertingConfig) Config {
	return Config{
		Threshold:          c.Threshold,
		StaleConfirmations: c.StaleConfirmations,
		EscalationDelta:    c.EscalationDelta,
		Bands:              SeverityBands{Medium: c.SeverityBands.Medium, High: c.SeverityBands.High, Critical: c.SeverityBands.Critical},
		MinTradeUSD:        c.MinTradeUSD,
		MaxTradeEvidence:   c.MaxTradeEvidence,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("threshold must be positive"))
	}
	if c.StaleConfirmations < 1 {
		errs = append(errs, fmt.Errorf("stale_confirmations must be at least 1"))
	}
	if c.EscalationDelta <= 0 {
		errs = append(errs, fmt.Errorf("escalation_delta must be positive"))
	}
	if !(c.Bands.Medium <= c.Bands.High && c.Bands.High <= c.Bands.Critical) {
		errs = append(errs, fmt.Errorf("severity bands must be ascending"))
	}
	return errors.Join(errs...)
}

// Generator applies the alert lifecycle to one run's composite scores. It keeps no
// state between runs; everything it needs arrives in Input.
type Generator struct {
	cfg    Config
	Logger *zap.Logger
	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string
}

func NewGenerator(cfg Config, logger *zap.Logger) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("alerting config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		cfg:    cfg,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
	}, nil
}

func (g *Generator) Config() Config { return g.cfg }

type Input struct {
	RunID  string
	Window trades.Window
	Scores []risk.CompositeScore
	// Existing holds every active alert plus any alert, in any status, whose identity
	// matches a candidate of this run (see CandidateIDs).
	Existing []Alert
	Evidence EvidenceSource
}

// Result lists the alerts whose state changed and the stream events to publish.
type Result struct {
	Alerts []Alert
	Events []Event
}

func (r *Result) add(a Alert, ev *Event) {
	r.Alerts = append(r.Alerts, a)
	if ev != nil {
		r.Events = append(r.Events, *ev)
	}
}

// CandidateIDs are the identities this run would create for above-threshold scores.
func (g *Generator) CandidateIDs(window trades.Window, scores []risk.CompositeScore) []string {
	var out []string
	for _, s := range scores {
		if s.Score >= g.cfg.Threshold {
			out = append(out, Identity(s.Key.Wallet, s.Key.MarketID, window.Key(), Fingerprint(s.Detectors())))
		}
	}
	sort.Strings(out)
	return out
}

type pair struct{ wallet, market string }

func (g *Generator) Generate(in Input) (*Result, error) {
	if err := in.Window.Validate(); err != nil {
		return nil, err
	}
	known := map[string]struct{}{}
	active := map[pair]Alert{}
	for _, a := range in.Existing {
		known[a.ID] = struct{}{}
		if !a.Active() {
			continue
		}
		p := pair{a.Wallet, a.MarketID}
		// one active alert per pair; keep the most recently evaluated one
		if cur, ok := active[p]; !ok || a.LastWindowEnd.After(cur.LastWindowEnd) || (a.LastWindowEnd.Equal(cur.LastWindowEnd) && a.ID < cur.ID) {
			active[p] = a
		}
	}

	scores := append([]risk.CompositeScore(nil), in.Scores...)
	sort.Slice(scores, func(i, j int) bool { return scores[i].Key.Less(scores[j].Key) })

	res := &Result{}
	now := g.Now()
	scored := map[pair]struct{}{}
	for _, s := range scores {
		if s.Key.Window != in.Window.Key() {
			return nil, fmt.Errorf("score for %s does not belong to window %s", s.Key, in.Window.Key())
		}
		p := pair{s.Key.Wallet, s.Key.MarketID}
		scored[p] = struct{}{}
		if a, ok := active[p]; ok {
			if next, ev, changed := g.reevaluate(a, &s, in, now); changed {
				res.add(next, ev)
			}
			continue
		}
		if s.Score < g.cfg.Threshold {
			continue
		}
		a, ev := g.create(s, in, now)
		if _, exists := known[a.ID]; exists {
			g.Logger.Debug("alert identity already exists", zap.String("alert_id", a.ID), zap.String("key", s.Key.String()))
			continue
		}
		known[a.ID] = struct{}{}
		res.add(a, ev)
	}

	// active alerts whose key did not appear this run count as below threshold
	absent := make([]Alert, 0)
	for p, a := range active {
		if _, ok := scored[p]; !ok {
			absent = append(absent, a)
		}
	}
	sort.Slice(absent, func(i, j int) bool { return absent[i].ID < absent[j].ID })
	for _, a := range absent {
		if next, ev, changed := g.reevaluate(a, nil, in, now); changed {
			res.add(next, ev)
		}
	}
	return res, nil
}

func (g *Generator) create(s risk.CompositeScore, in Input, now time.Time) (Alert, *Event) {
	detectors := s.Detectors()
	fp := Fingerprint(detectors)
	a := Alert{
		ID:                 Identity(s.Key.Wallet, s.Key.MarketID, in.Window.Key(), fp),
		Wallet:             s.Key.Wallet,
		MarketID:           s.Key.MarketID,
		Window:             in.Window.Key(),
		Fingerprint:        fp,
		Status:             StatusOpen,
		Revision:           1,
		Severity:           g.cfg.Bands.Of(s.Score),
		Score:              s.Score,
		Detectors:          detectors,
		ConfirmedWindowEnd: in.Window.End,
		LastWindow:         in.Window.Key(),
		LastWindowEnd:      in.Window.End,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	a.Evidence = g.buildEvidence(a, s, in.Window, in.Evidence, now)
	return a, g.event(a, EventCreated, in, now)
}

// reevaluate moves an active alert through one run. score is nil when the key was
// absent from the run. Windows may arrive out of order; each one counts once.
func (g *Generator) reevaluate(a Alert, score *risk.CompositeScore, in Input, now time.Time) (Alert, *Event, bool) {
	if a.counted(in.Window) {
		return a, nil, false
	}
	below := score == nil || score.Score < g.cfg.Threshold
	if below && score != nil && inconclusive(a, *score) {
		g.Logger.Debug("alert detectors failed, window not counted",
			zap.String("alert_id", a.ID), zap.String("window", in.Window.Key()))
		return a, nil, false
	}

	next := a
	next.Detectors = append([]string(nil), a.Detectors...)
	next.StaleWindows = append([]trades.Window(nil), a.StaleWindows...)
	if in.Window.End.After(a.LastWindowEnd) {
		next.LastWindow = in.Window.Key()
		next.LastWindowEnd = in.Window.End
	}
	next.UpdatedAt = now

	if below {
		next.StaleWindows = append(next.StaleWindows, in.Window)
		sort.Slice(next.StaleWindows, func(i, j int) bool { return next.StaleWindows[i].End.Before(next.StaleWindows[j].End) })
		next.StaleCount = len(next.StaleWindows)
		if next.StaleCount < g.cfg.StaleConfirmations {
			return next, nil, true
		}
		next.Status = StatusClosed
		closed := now
		next.ClosedAt = &closed
		return next, g.event(next, EventClosed, in, now), true
	}

	// counted() guarantees this window ends after the previous confirmation
	next.ConfirmedWindowEnd = in.Window.End
	next.StaleWindows = endingAfter(next.StaleWindows, in.Window.End)
	next.StaleCount = len(next.StaleWindows)
	current := score.Detectors()
	if !grew(a.Detectors, current) && score.Score-a.Score < g.cfg.EscalationDelta {
		return next, nil, true
	}
	next.Status = StatusEscalated
	next.Revision++
	next.Score = score.Score
	next.Severity = g.cfg.Bands.Of(score.Score)
	next.Detectors = union(a.Detectors, current)
	next.Evidence = g.buildEvidence(next, *score, in.Window, in.Evidence, now)
	return next, g.event(next, EventEscalated, in, now), true
}

// inconclusive reports whether a detector behind the alert failed for the key. A low
// score then says nothing about the alert going quiet.
func inconclusive(a Alert, s risk.CompositeScore) bool {
	if !s.Incomplete {
		return false
	}
	for _, id := range s.FailedDetectors() {
		if slices.Contains(a.Detectors, id) {
			return true
		}
	}
	return false
}

func endingAfter(windows []trades.Window, t time.Time) []trades.Window {
	var out []trades.Window
	for _, w := range windows {
		if w.End.After(t) {
			out = append(out, w)
		}
	}
	return out
}

// Merge resolves a DuplicateConflictError: incoming was computed as a new alert but
// stored already holds that identity. The result is an escalation of stored, or no
// change at all.
func (g *Generator) Merge(stored, incoming Alert, runID string) (Alert, *Event, bool) {
	if !stored.Active() {
		return stored, nil, false
	}
	if !grew(stored.Detectors, incoming.Detectors) && incoming.Score-stored.Score < g.cfg.EscalationDelta {
		return stored, nil, false
	}
	now := g.Now()
	next := stored
	next.Status = StatusEscalated
	next.Revision = stored.Revision + 1
	next.Score = incoming.Score
	next.Severity = g.cfg.Bands.Of(incoming.Score)
	next.Detectors = union(stored.Detectors, incoming.Detectors)
	next.StaleCount = 0
	next.StaleWindows = nil
	if incoming.ConfirmedWindowEnd.After(stored.ConfirmedWindowEnd) {
		next.ConfirmedWindowEnd = incoming.ConfirmedWindowEnd
	}
	next.UpdatedAt = now
	if incoming.LastWindowEnd.After(stored.LastWindowEnd) {
		next.LastWindow, next.LastWindowEnd = incoming.LastWindow, incoming.LastWindowEnd
	}
	if incoming.Evidence != nil {
		ev := *incoming.Evidence
		ev.Revision = next.Revision
		ev.Severity = next.Severity
		next.Evidence = &ev
	}
	in := Input{RunID: runID}
	e := g.event(next, EventEscalated, in, now)
	e.Window = incoming.LastWindow
	return next, e, true
}

func (g *Generator) event(a Alert, typ EventType, in Input, now time.Time) *Event {
	e := &Event{
		ID:       g.NewID(),
		AlertID:  a.ID,
		Type:     typ,
		Revision: a.Revision,
		Status:   a.Status,
		Severity: a.Severity,
		Score:    a.Score,
		RunID:    in.RunID,
		Window:   in.Window.Key(),
		At:       now,
	}
	if typ != EventClosed {
		e.Evidence = a.Evidence
	}
	g.Logger.Info("alert event",
		zap.String("alert_id", a.ID),
		zap.String("type", string(typ)),
		zap.Int("revision", a.Revision),
		zap.Float64("score", a.Score),
		zap.String("wallet", a.Wallet),
		zap.String("market_id", a.MarketID),
	)
	return e
}

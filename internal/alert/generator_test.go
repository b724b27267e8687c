package alert

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhilippMayorov/insiderTracker/internal/detector"
	"github.com/PhilippMayorov/insiderTracker/internal/features"
	"github.com/PhilippMayorov/insiderTracker/internal/risk"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
	"github.com/PhilippMayorov/insiderTracker/internal/trades/tradetest"
)

func hour(n int) trades.Window {
	return trades.Window{Start: tradetest.At(time.Duration(n) * time.Hour), End: tradetest.At(time.Duration(n+1) * time.Hour)}
}

func testConfig() Config {
	return Config{
		Threshold:          60,
		StaleConfirmations: 2,
		EscalationDelta:    10,
		Bands:              SeverityBands{Medium: 70, High: 80, Critical: 90},
	}
}

func newGenerator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	g, err := NewGenerator(cfg, nil)
	require.NoError(t, err)
	n := 0
	g.Now = func() time.Time { return tradetest.At(24 * time.Hour) }
	g.NewID = func() string {
		n++
		return fmt.Sprintf("ev-%d", n)
	}
	return g
}

// score aggregates unit signals named after their kind, e.g. WHALE_CONCENTRATION
// becomes detector id whale_concentration.
func score(t *testing.T, w trades.Window, wallet, market string, strengths map[detector.Kind]float64) risk.CompositeScore {
	t.Helper()
	a, err := risk.NewAggregator(risk.DefaultPolicy())
	require.NoError(t, err)
	key := detector.Key{Wallet: wallet, MarketID: market, Window: w.Key()}
	var signals []detector.Signal
	for kind, s := range strengths {
		signals = append(signals, detector.Signal{
			DetectorID: strings.ToLower(string(kind)),
			Kind:       kind,
			Key:        key,
			Strength:   s,
			Scale:      detector.ScaleUnit,
			ScaleMax:   1,
		})
	}
	cs, err := a.Aggregate(key, signals, nil)
	require.NoError(t, err)
	return cs
}

var (
	whaleOnly = map[detector.Kind]float64{detector.KindWhaleConcentration: 1}
	whaleAcc  = map[detector.Kind]float64{detector.KindWhaleConcentration: 1, detector.KindPreResolutionAccumulation: 1}
	weak      = map[detector.Kind]float64{detector.KindWhaleConcentration: 0.1}
)

func run(t *testing.T, g *Generator, w trades.Window, existing []Alert, scores ...risk.CompositeScore) *Result {
	t.Helper()
	res, err := g.Generate(Input{RunID: "run-" + w.Key(), Window: w, Scores: scores, Existing: existing})
	require.NoError(t, err)
	return res
}

// apply folds a result into the stored alert set the way persistence does.
func apply(existing []Alert, res *Result) []Alert {
	byID := map[string]int{}
	for i, a := range existing {
		byID[a.ID] = i
	}
	out := append([]Alert(nil), existing...)
	for _, a := range res.Alerts {
		if i, ok := byID[a.ID]; ok {
			out[i] = a
			continue
		}
		byID[a.ID] = len(out)
		out = append(out, a)
	}
	return out
}

func TestGenerateCreatesAlert(t *testing.T) {
	g := newGenerator(t, testConfig())
	s := score(t, hour(0), "0xw", "m", whaleAcc)
	res := run(t, g, hour(0), nil, s)

	require.Len(t, res.Alerts, 1)
	require.Len(t, res.Events, 1)
	a := res.Alerts[0]
	assert.Equal(t, Identity("0xw", "m", hour(0).Key(), "pre_resolution_accumulation,whale_concentration"), a.ID)
	assert.Equal(t, StatusOpen, a.Status)
	assert.Equal(t, 1, a.Revision)
	assert.Equal(t, []string{"pre_resolution_accumulation", "whale_concentration"}, a.Detectors)
	assert.Equal(t, g.cfg.Bands.Of(s.Score), a.Severity)

	ev := res.Events[0]
	assert.Equal(t, EventCreated, ev.Type)
	assert.Equal(t, "ev-1", ev.ID)
	require.NotNil(t, ev.Evidence)
	assert.Equal(t, a.ID, ev.Evidence.AlertID)
	assert.Len(t, ev.Evidence.ContributingSignals, 2)
	assert.InDelta(t, s.Score, ev.Evidence.CompositeScore, 1e-12)
}

func TestGenerateBelowThresholdCreatesNothing(t *testing.T) {
	g := newGenerator(t, testConfig())
	res := run(t, g, hour(0), nil, score(t, hour(0), "0xw", "m", weak))
	assert.Empty(t, res.Alerts)
	assert.Empty(t, res.Events)
}

func TestGenerateIsIdempotentForSameWindow(t *testing.T) {
	g := newGenerator(t, testConfig())
	s := score(t, hour(0), "0xw", "m", whaleAcc)
	stored := apply(nil, run(t, g, hour(0), nil, s))

	res := run(t, g, hour(0), stored, s)
	assert.Empty(t, res.Alerts)
	assert.Empty(t, res.Events)
	assert.Equal(t, 1, stored[0].Revision)
}

func TestGenerateNeverRecreatesKnownIdentity(t *testing.T) {
	g := newGenerator(t, testConfig())
	s := score(t, hour(0), "0xw", "m", whaleOnly)
	stored := apply(nil, run(t, g, hour(0), nil, s))
	stored[0].Status = StatusClosed

	res := run(t, g, hour(0), stored, s)
	assert.Empty(t, res.Alerts)
	assert.Equal(t, []string{stored[0].ID}, g.CandidateIDs(hour(0), []risk.CompositeScore{s}))
}

func TestGenerateStaleLifecycle(t *testing.T) {
	g := newGenerator(t, testConfig())
	stored := apply(nil, run(t, g, hour(0), nil, score(t, hour(0), "0xw", "m", whaleOnly)))

	// one quiet run keeps the alert open
	res := run(t, g, hour(1), stored, score(t, hour(1), "0xw", "m", weak))
	require.Len(t, res.Alerts, 1)
	assert.Empty(t, res.Events)
	assert.Equal(t, StatusOpen, res.Alerts[0].Status)
	assert.Equal(t, 1, res.Alerts[0].StaleCount)
	stored = apply(stored, res)

	// back above threshold resets the count
	res = run(t, g, hour(2), stored, score(t, hour(2), "0xw", "m", whaleOnly))
	require.Len(t, res.Alerts, 1)
	assert.Empty(t, res.Events)
	assert.Equal(t, 0, res.Alerts[0].StaleCount)
	stored = apply(stored, res)

	// two consecutive quiet runs close it, the second by absence
	stored = apply(stored, run(t, g, hour(3), stored, score(t, hour(3), "0xw", "m", weak)))
	res = run(t, g, hour(4), stored)
	require.Len(t, res.Alerts, 1)
	require.Len(t, res.Events, 1)
	assert.Equal(t, StatusClosed, res.Alerts[0].Status)
	assert.NotNil(t, res.Alerts[0].ClosedAt)
	assert.Equal(t, EventClosed, res.Events[0].Type)
	assert.Nil(t, res.Events[0].Evidence)
	stored = apply(stored, res)

	// closed exactly once
	res = run(t, g, hour(5), stored, score(t, hour(5), "0xw", "m", weak))
	assert.Empty(t, res.Alerts)
	assert.Empty(t, res.Events)
}

// failedScore is a key whose only outcome is a failure of detectorID.
func failedScore(t *testing.T, w trades.Window, wallet, market, detectorID string) risk.CompositeScore {
	t.Helper()
	a, err := risk.NewAggregator(risk.DefaultPolicy())
	require.NoError(t, err)
	key := detector.Key{Wallet: wallet, MarketID: market, Window: w.Key()}
	cs, err := a.Aggregate(key, nil, []detector.Failure{{DetectorID: detectorID, Key: key, Error: "upstream timeout"}})
	require.NoError(t, err)
	return cs
}

func TestGenerateFailedDetectorKeepsAlertOpen(t *testing.T) {
	g := newGenerator(t, testConfig())
	stored := apply(nil, run(t, g, hour(0), nil, score(t, hour(0), "0xw", "m", whaleOnly)))

	for h := 1; h <= 3; h++ {
		res := run(t, g, hour(h), stored, failedScore(t, hour(h), "0xw", "m", "whale_concentration"))
		assert.Empty(t, res.Alerts, "hour %d", h)
		assert.Empty(t, res.Events, "hour %d", h)
		stored = apply(stored, res)
	}
	assert.Equal(t, StatusOpen, stored[0].Status)
	assert.Zero(t, stored[0].StaleCount)

	// a failure of a detector the alert never relied on does not shield it
	res := run(t, g, hour(4), stored, failedScore(t, hour(4), "0xw", "m", "timing_asymmetry"))
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, 1, res.Alerts[0].StaleCount)
}

func TestGenerateCountsOutOfOrderStaleWindows(t *testing.T) {
	g := newGenerator(t, testConfig())
	stored := apply(nil, run(t, g, hour(0), nil, score(t, hour(0), "0xw", "m", whaleOnly)))

	// hour 2 is evaluated before hour 1
	stored = apply(stored, run(t, g, hour(2), stored))
	require.Equal(t, 1, stored[0].StaleCount)
	require.Equal(t, hour(2).Key(), stored[0].LastWindow)

	res := run(t, g, hour(1), stored)
	require.Len(t, res.Alerts, 1)
	require.Len(t, res.Events, 1)
	a := res.Alerts[0]
	assert.Equal(t, StatusClosed, a.Status)
	assert.Equal(t, 2, a.StaleCount)
	assert.Equal(t, hour(2).Key(), a.LastWindow, "last window never moves backwards")
	stored = apply(stored, res)

	res = run(t, g, hour(1), stored)
	assert.Empty(t, res.Alerts)
}

func TestGenerateStaleWindowCountsOnce(t *testing.T) {
	g := newGenerator(t, testConfig())
	stored := apply(nil, run(t, g, hour(0), nil, score(t, hour(0), "0xw", "m", whaleOnly)))
	stored = apply(stored, run(t, g, hour(2), stored))
	stored = apply(stored, run(t, g, hour(1), stored, score(t, hour(1), "0xw", "m", whaleOnly)))
	// the older confirmation does not clear the newer stale window
	require.Equal(t, 1, stored[0].StaleCount)

	res := run(t, g, hour(2), stored)
	assert.Empty(t, res.Alerts, "rerun of a counted window")
	assert.Equal(t, StatusOpen, stored[0].Status)
}

func TestGenerateEscalatesOnNewDetector(t *testing.T) {
	g := newGenerator(t, testConfig())
	stored := apply(nil, run(t, g, hour(0), nil, score(t, hour(0), "0xw", "m", whaleOnly)))
	id := stored[0].ID

	res := run(t, g, hour(1), stored, score(t, hour(1), "0xw", "m", whaleAcc))
	require.Len(t, res.Alerts, 1)
	require.Len(t, res.Events, 1)
	a := res.Alerts[0]
	assert.Equal(t, id, a.ID, "escalation keeps the identity")
	assert.Equal(t, StatusEscalated, a.Status)
	assert.Equal(t, 2, a.Revision)
	assert.Equal(t, []string{"pre_resolution_accumulation", "whale_concentration"}, a.Detectors)
	assert.Equal(t, EventEscalated, res.Events[0].Type)
	assert.Equal(t, 2, res.Events[0].Evidence.Revision)
	assert.Equal(t, hour(1).Key(), res.Events[0].Evidence.Window)
}

func TestGenerateEscalatesOnMaterialRise(t *testing.T) {
	g := newGenerator(t, testConfig())
	mix := func(timing float64) map[detector.Kind]float64 {
		return map[detector.Kind]float64{detector.KindWhaleConcentration: 1, detector.KindTimingAsymmetry: timing}
	}
	stored := apply(nil, run(t, g, hour(0), nil, score(t, hour(0), "0xw", "m", mix(0.1))))

	// same detectors, small rise: no new revision
	res := run(t, g, hour(1), stored, score(t, hour(1), "0xw", "m", mix(0.2)))
	require.Len(t, res.Alerts, 1)
	assert.Empty(t, res.Events)
	assert.Equal(t, 1, res.Alerts[0].Revision)
	stored = apply(stored, res)

	// same detectors, rise beyond the delta
	res = run(t, g, hour(2), stored, score(t, hour(2), "0xw", "m", mix(1)))
	require.Len(t, res.Events, 1)
	assert.Equal(t, 2, res.Alerts[0].Revision)
	assert.Equal(t, StatusEscalated, res.Alerts[0].Status)
}

func TestGenerateRejectsForeignWindow(t *testing.T) {
	g := newGenerator(t, testConfig())
	_, err := g.Generate(Input{Window: hour(1), Scores: []risk.CompositeScore{score(t, hour(0), "0xw", "m", whaleOnly)}})
	assert.Error(t, err)
}

func TestMergeDuplicate(t *testing.T) {
	g := newGenerator(t, testConfig())
	first := run(t, g, hour(0), nil, score(t, hour(0), "0xw", "m", whaleOnly)).Alerts[0]

	// a concurrent writer produced the same identity with the same content
	_, ev, changed := g.Merge(first, first, "run-b")
	assert.False(t, changed)
	assert.Nil(t, ev)

	first.StaleWindows = []trades.Window{hour(1)}
	first.StaleCount = 1
	richer := first
	richer.StaleWindows = nil
	richer.StaleCount = 0
	richer.Detectors = []string{"coordinated_actors", "whale_concentration"}
	richer.Score = first.Score + 1
	merged, ev, changed := g.Merge(first, richer, "run-b")
	require.True(t, changed)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, 2, merged.Revision)
	assert.Equal(t, EventEscalated, ev.Type)
	assert.Equal(t, "run-b", ev.RunID)
	assert.Equal(t, 2, merged.Evidence.Revision)
	assert.Zero(t, merged.StaleCount)
	assert.Empty(t, merged.StaleWindows)
}

type fakeEvidence struct {
	trades map[string]trades.TradeRecord
	market []trades.TradeRecord
}

func (f fakeEvidence) Trade(id string) (trades.TradeRecord, bool) {
	t, ok := f.trades[id]
	return t, ok
}

func (f fakeEvidence) MarketTrades(string) []trades.TradeRecord { return f.market }

func (f fakeEvidence) Market(id string) trades.MarketSnapshot {
	return trades.MarketSnapshot{MarketID: id, Question: "Will it happen?"}
}

func (f fakeEvidence) Features() *features.Snapshot {
	return &features.Snapshot{ID: "fs_test", Wallets: map[string]features.Record{"0xw": {Values: map[string]features.Value{"historical_trade_count": features.Num(4)}}}}
}

func TestEvidenceBundle(t *testing.T) {
	cfg := testConfig()
	cfg.MinTradeUSD = 500
	cfg.MaxTradeEvidence = 2
	g := newGenerator(t, cfg)

	m := tradetest.Market("m", "Will it happen?", tradetest.At(48*time.Hour))
	list := []trades.TradeRecord{
		tradetest.Buy("t3", "0xw", m, "YES", 0.5, 1000, tradetest.At(30*time.Minute)),
		tradetest.Buy("t1", "0xw", m, "YES", 0.5, 1000, tradetest.At(10*time.Minute)),
		tradetest.Buy("t2", "0xw", m, "YES", 0.5, 100, tradetest.At(20*time.Minute)),
		tradetest.Buy("t4", "0xw", m, "YES", 0.5, 900, tradetest.At(40*time.Minute)),
		tradetest.Buy("x1", "0xo", m, "NO", 0.5, 900, tradetest.At(-time.Hour)),
	}
	src := fakeEvidence{trades: map[string]trades.TradeRecord{}, market: list}
	for _, tr := range list {
		src.trades[tr.ID] = tr
	}

	s := score(t, hour(0), "0xw", "m", whaleAcc)
	s.Signals[0].TradeIDs = []string{"t1", "t2", "t3"}
	s.Signals[1].TradeIDs = []string{"t3", "t4"}
	s.Failures = []detector.Failure{{DetectorID: "timing_asymmetry", Key: s.Key, Error: "boom"}}
	s.Incomplete = true

	res, err := g.Generate(Input{RunID: "r", Window: hour(0), Scores: []risk.CompositeScore{s}, Evidence: src})
	require.NoError(t, err)
	ev := res.Alerts[0].Evidence
	require.NotNil(t, ev)

	assert.Equal(t, "Will it happen?", ev.Market.Question)
	// t2 is below the notional floor and only the two earliest remain
	require.Len(t, ev.TradeEvidence, 2)
	assert.Equal(t, "t1", ev.TradeEvidence[0].ID)
	assert.Equal(t, "t3", ev.TradeEvidence[1].ID)
	assert.True(t, ev.Incomplete)
	assert.Equal(t, []string{"timing_asymmetry"}, ev.FailedDetectors)
	assert.Equal(t, "fs_test", ev.FeatureSnapshot.ID)
	assert.Equal(t, features.Num(4), ev.FeatureSnapshot.Values[features.EntityWallet]["historical_trade_count"])
	assert.Len(t, ev.Series, 4, "series only covers the window")
	assert.Equal(t, s.PolicyVersion, ev.PolicyVersion)
}

func TestSeverityBands(t *testing.T) {
	b := SeverityBands{Medium: 70, High: 80, Critical: 90}
	assert.Equal(t, SeverityLow, b.Of(65))
	assert.Equal(t, SeverityMedium, b.Of(70))
	assert.Equal(t, SeverityHigh, b.Of(89.9))
	assert.Equal(t, SeverityCritical, b.Of(100))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())
	bad := testConfig()
	bad.StaleConfirmations = 0
	bad.Bands.High = 95
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale_confirmations")
	assert.Contains(t, err.Error(), "ascending")
}

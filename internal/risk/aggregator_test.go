package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/PhilippMayorov/insiderTracker/internal/config"
	"github.com/PhilippMayorov/insiderTracker/internal/detector"
)

var testKey = detector.Key{Wallet: "0xw", MarketID: "m", Window: "2026-03-02T12:00:00Z/2026-03-02T13:00:00Z"}

func sig(id string, kind detector.Kind, strength float64) detector.Signal {
	return detector.Signal{DetectorID: id, Kind: kind, Key: testKey, Strength: strength, Scale: detector.ScaleUnit, ScaleMax: 1}
}

func mustAggregator(t *testing.T, p Policy) *Aggregator {
	t.Helper()
	a, err := NewAggregator(p)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	return a
}

func TestAggregateWhaleAndAccumulation(t *testing.T) {
	a := mustAggregator(t, DefaultPolicy())
	whale := 1 - math.Exp(-3)
	cs, err := a.Aggregate(testKey, []detector.Signal{
		sig(detector.WhaleConcentrationID, detector.KindWhaleConcentration, whale),
		sig(detector.PreResolutionAccumulationID, detector.KindPreResolutionAccumulation, 0.516),
	}, nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	raw := whale + 1.1*math.Sqrt(0.516)
	if math.Abs(cs.Raw-raw) > 1e-12 {
		t.Fatalf("raw=%v want=%v", cs.Raw, raw)
	}
	want := 100 * (1 - math.Exp(-raw))
	if math.Abs(cs.Score-want) > 1e-9 || cs.Score < 60 {
		t.Fatalf("score=%v want=%v", cs.Score, want)
	}
	if len(cs.Breakdown) != 2 || cs.Incomplete {
		t.Fatalf("breakdown=%+v incomplete=%v", cs.Breakdown, cs.Incomplete)
	}
	if got := cs.Detectors(); len(got) != 2 || got[0] != detector.PreResolutionAccumulationID || got[1] != detector.WhaleConcentrationID {
		t.Fatalf("detectors=%v", got)
	}
	if cs.PolicyVersion != a.Version() {
		t.Fatalf("policy version %q want %q", cs.PolicyVersion, a.Version())
	}
}

func TestAggregateCountsOnlyStrongestPerKind(t *testing.T) {
	a := mustAggregator(t, DefaultPolicy())
	one, _ := a.Aggregate(testKey, []detector.Signal{sig("a", detector.KindWhaleConcentration, 0.8)}, nil)
	two, _ := a.Aggregate(testKey, []detector.Signal{
		sig("b", detector.KindWhaleConcentration, 0.3),
		sig("a", detector.KindWhaleConcentration, 0.8),
	}, nil)
	if one.Score != two.Score {
		t.Fatalf("duplicate kind changed score: %v vs %v", one.Score, two.Score)
	}
	if len(two.Signals) != 2 {
		t.Fatalf("all signals must be retained, got %d", len(two.Signals))
	}
	if two.Breakdown[0].DetectorID != "a" || two.Breakdown[0].Signals != 2 {
		t.Fatalf("breakdown=%+v", two.Breakdown[0])
	}
}

func TestAggregateDiminishing(t *testing.T) {
	p := DefaultPolicy()
	p.Combine = CombineDiminishing
	p.Decay = 0.5
	a := mustAggregator(t, p)
	cs, err := a.Aggregate(testKey, []detector.Signal{
		sig("a", detector.KindWhaleConcentration, 0.4),
		sig("b", detector.KindWhaleConcentration, 0.6),
		sig("c", detector.KindWhaleConcentration, 0.2),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cs.Breakdown[0].Strength, 0.6+0.5*0.4+0.25*0.2; math.Abs(got-want) > 1e-12 {
		t.Fatalf("strength=%v want=%v", got, want)
	}

	cs, _ = a.Aggregate(testKey, []detector.Signal{
		sig("a", detector.KindWhaleConcentration, 1),
		sig("b", detector.KindWhaleConcentration, 1),
	}, nil)
	if cs.Breakdown[0].Strength != 1 {
		t.Fatalf("combined strength must cap at 1, got %v", cs.Breakdown[0].Strength)
	}
}

func TestAggregateSaturates(t *testing.T) {
	p := DefaultPolicy()
	for k, kp := range p.Kinds {
		kp.Weight = 1000
		p.Kinds[k] = kp
	}
	a := mustAggregator(t, p)
	var signals []detector.Signal
	for _, k := range detector.AllKinds() {
		signals = append(signals, sig(string(k), k, 1))
	}
	cs, err := a.Aggregate(testKey, signals, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cs.Score > p.Scale || cs.Score < 0 {
		t.Fatalf("score %v outside [0, %v]", cs.Score, p.Scale)
	}
	if math.Abs(cs.BreakdownSum()-cs.Score) > BreakdownTolerance {
		t.Fatalf("breakdown sum %v != score %v", cs.BreakdownSum(), cs.Score)
	}
}

func TestAggregateNormalizesZScores(t *testing.T) {
	a := mustAggregator(t, DefaultPolicy())
	z := detector.Signal{DetectorID: "t", Kind: detector.KindTimingAsymmetry, Key: testKey, Strength: 2, Scale: detector.ScaleZScore, ScaleMax: 4}
	cs, err := a.Aggregate(testKey, []detector.Signal{z}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cs.Breakdown[0].Strength != 0.5 || math.Abs(cs.Raw-0.6) > 1e-12 {
		t.Fatalf("breakdown=%+v raw=%v", cs.Breakdown[0], cs.Raw)
	}
}

func TestAggregateFailuresMarkIncomplete(t *testing.T) {
	a := mustAggregator(t, DefaultPolicy())
	failures := []detector.Failure{{DetectorID: "boom", Key: testKey, Error: "boom", Attempts: 1}}
	cs, err := a.Aggregate(testKey, nil, failures)
	if err != nil {
		t.Fatal(err)
	}
	if cs.Score != 0 || !cs.Incomplete || len(cs.Failures) != 1 {
		t.Fatalf("got %+v", cs)
	}

	with, _ := a.Aggregate(testKey, []detector.Signal{sig("a", detector.KindCoordinatedActors, 0.5)}, failures)
	without, _ := a.Aggregate(testKey, []detector.Signal{sig("a", detector.KindCoordinatedActors, 0.5)}, nil)
	if with.Score != without.Score {
		t.Fatalf("a failure must not change the score: %v vs %v", with.Score, without.Score)
	}
	if got := with.FailedDetectors(); len(got) != 1 || got[0] != "boom" {
		t.Fatalf("failed=%v", got)
	}
}

func TestAggregateRejectsForeignKey(t *testing.T) {
	a := mustAggregator(t, DefaultPolicy())
	s := sig("a", detector.KindWhaleConcentration, 0.5)
	s.Key.Wallet = "0xother"
	if _, err := a.Aggregate(testKey, []detector.Signal{s}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestAggregateAllOrdersKeys(t *testing.T) {
	a := mustAggregator(t, DefaultPolicy())
	k2 := testKey
	k2.Wallet = "0xa"
	s2 := sig("a", detector.KindWhaleConcentration, 0.5)
	s2.Key = k2
	res := detector.Result{
		Signals:  []detector.Signal{sig("a", detector.KindWhaleConcentration, 0.5), s2},
		Failures: []detector.Failure{{DetectorID: "x", Key: testKey}},
	}
	out, err := a.AggregateAll(nil, res)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Key != k2 || !out[1].Incomplete {
		t.Fatalf("got %+v", out)
	}
}

func TestAggregateAllScoresCleanKeys(t *testing.T) {
	a := mustAggregator(t, DefaultPolicy())
	clean := testKey
	clean.Wallet = "0xclean"
	res := detector.Result{Signals: []detector.Signal{sig("a", detector.KindWhaleConcentration, 0.5)}}

	out, err := a.AggregateAll([]detector.Key{testKey, clean}, res)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("scores=%d want=2", len(out))
	}
	if out[0].Key != clean || out[0].Score != 0 || out[0].Incomplete || len(out[0].Breakdown) != 0 {
		t.Fatalf("clean score=%+v", out[0])
	}
	if out[1].Key != testKey || out[1].Score <= 0 {
		t.Fatalf("signalled score=%+v", out[1])
	}
	if out[0].PolicyVersion != a.Version() {
		t.Fatalf("policy version=%q want=%q", out[0].PolicyVersion, a.Version())
	}
}

func TestPolicyValidation(t *testing.T) {
	p := DefaultPolicy()
	delete(p.Kinds, detector.KindTimingAsymmetry)
	p.Kinds[detector.KindWhaleConcentration] = KindPolicy{Weight: -1, Transform: "cube"}
	p.Saturation = 0

	_, err := NewAggregator(p)
	var pe *PolicyError
	if !errors.As(err, &pe) {
		t.Fatalf("err=%v want *PolicyError", err)
	}
	if len(pe.Problems) != 4 {
		t.Fatalf("problems=%v", pe.Problems)
	}
}

func TestAggregatorIsImmutable(t *testing.T) {
	p := DefaultPolicy()
	a := mustAggregator(t, p)
	v := a.Version()
	p.Kinds[detector.KindWhaleConcentration] = KindPolicy{Weight: 5, Transform: TransformLinear}
	if a.Version() != v || a.Policy().Kinds[detector.KindWhaleConcentration].Weight != 1 {
		t.Fatal("aggregator shares the caller's policy map")
	}
	if DefaultPolicy().Version() != v {
		t.Fatal("version is not a pure function of the policy")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.PolicyConfig{Saturation: 1, Scale: 100, Kinds: map[string]config.KindPolicyConfig{}}
	for _, k := range detector.AllKinds() {
		cfg.Kinds[string(k)] = config.KindPolicyConfig{Weight: 1}
	}
	cfg.Kinds["whale_concentration"] = config.KindPolicyConfig{Weight: 2, Transform: "SQRT"}
	delete(cfg.Kinds, string(detector.KindWhaleConcentration))

	p, err := PolicyFromConfig(cfg)
	if err != nil {
		t.Fatalf("PolicyFromConfig: %v", err)
	}
	if p.Combine != CombineMax || p.Kinds[detector.KindWhaleConcentration] != (KindPolicy{Weight: 2, Transform: TransformSqrt}) {
		t.Fatalf("policy=%+v", p)
	}

	cfg.Kinds["astrology"] = config.KindPolicyConfig{Weight: 1}
	if _, err := PolicyFromConfig(cfg); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestTransforms(t *testing.T) {
	for _, tr := range []Transform{TransformLinear, TransformSqrt, TransformLog, TransformSquare} {
		if tr.Apply(0) != 0 || math.Abs(tr.Apply(1)-1) > 1e-12 {
			t.Fatalf("%s does not map [0,1] onto [0,1]", tr)
		}
		if tr.Apply(0.3) > tr.Apply(0.6) {
			t.Fatalf("%s is not monotonic", tr)
		}
	}
}

func TestDefaultConfigPolicyIsValid(t *testing.T) {
	cfg, err := config.Load("", true)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	p, err := PolicyFromConfig(cfg.Policy)
	if err != nil {
		t.Fatalf("default policy rejected: %v", err)
	}
	if len(p.Kinds) != len(detector.AllKinds()) {
		t.Fatalf("kinds=%d want=%d", len(p.Kinds), len(detector.AllKinds()))
	}
}

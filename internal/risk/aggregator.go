package risk

import (
	"fmt"
	"math"
	"sort"

	"github.com/PhilippMayorov/insiderTracker/internal/detector"
)

// BreakdownTolerance bounds |sum(Breakdown.Points) - Score|.
const BreakdownTolerance = 1e-6

// Contribution explains one kind's part of a composite score.
type Contribution struct {
	Kind       detector.Kind `json:"kind"`
	DetectorID string        `json:"detector_id"`
	// Strength is the combined normalized strength of the kind's signals.
	Strength    float64 `json:"strength"`
	Transformed float64 `json:"transformed"`
	Weight      float64 `json:"weight"`
	Weighted    float64 `json:"weighted"`
	// Share of the raw total; Points = Share * Score.
	Share   float64 `json:"share"`
	Points  float64 `json:"points"`
	Signals int     `json:"signals"`
}

type CompositeScore struct {
	Key           detector.Key       `json:"key"`
	Score         float64            `json:"score"`
	Raw           float64            `json:"raw"`
	Breakdown     []Contribution     `json:"breakdown"`
	Signals       []detector.Signal  `json:"signals"`
	Failures      []detector.Failure `json:"failures,omitempty"`
	Incomplete    bool               `json:"incomplete"`
	PolicyVersion string             `json:"policy_version"`
}

// Detectors returns the ids of detectors that contributed a non-zero weight, sorted.
func (c CompositeScore) Detectors() []string {
	seen := map[string]struct{}{}
	for _, b := range c.Breakdown {
		if b.Weighted > 0 {
			seen[b.DetectorID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FailedDetectors returns the ids of detectors that failed for the key, sorted.
func (c CompositeScore) FailedDetectors() []string {
	out := make([]string, 0, len(c.Failures))
	for _, f := range c.Failures {
		out = append(out, f.DetectorID)
	}
	sort.Strings(out)
	return out
}

// Aggregator holds an immutable policy snapshot and is safe for concurrent use.
type Aggregator struct {
	policy  Policy
	version string
}

func NewAggregator(p Policy) (*Aggregator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.clone()
	return &Aggregator{policy: p, version: p.Version()}, nil
}

func (a *Aggregator) Policy() Policy { return a.policy.clone() }

func (a *Aggregator) Version() string { return a.version }

// Aggregate combines one key's signals. Failed detectors are excluded from the sum and
// flag the score Incomplete rather than counting as zero.
func (a *Aggregator) Aggregate(key detector.Key, signals []detector.Signal, failures []detector.Failure) (CompositeScore, error) {
	out := CompositeScore{
		Key:           key,
		Signals:       append([]detector.Signal(nil), signals...),
		Failures:      append([]detector.Failure(nil), failures...),
		Incomplete:    len(failures) > 0,
		PolicyVersion: a.version,
	}
	detector.SortSignals(out.Signals)
	sort.Slice(out.Failures, func(i, j int) bool { return out.Failures[i].DetectorID < out.Failures[j].DetectorID })

	byKind := map[detector.Kind][]detector.Signal{}
	for _, s := range out.Signals {
		if s.Key != key {
			return CompositeScore{}, fmt.Errorf("signal from %s is keyed %s, aggregating %s", s.DetectorID, s.Key, key)
		}
		if _, ok := a.policy.Kinds[s.Kind]; !ok {
			return CompositeScore{}, &PolicyError{Problems: []string{fmt.Sprintf("no weight for kind %q", s.Kind)}}
		}
		byKind[s.Kind] = append(byKind[s.Kind], s)
	}

	for _, kind := range detector.AllKinds() {
		list := byKind[kind]
		if len(list) == 0 {
			continue
		}
		kp := a.policy.Kinds[kind]
		strength, top := a.combine(list)
		c := Contribution{
			Kind:        kind,
			DetectorID:  top.DetectorID,
			Strength:    strength,
			Transformed: kp.Transform.Apply(strength),
			Weight:      kp.Weight,
			Signals:     len(list),
		}
		c.Weighted = c.Weight * c.Transformed
		out.Raw += c.Weighted
		out.Breakdown = append(out.Breakdown, c)
	}

	out.Score = a.policy.Scale * (1 - math.Exp(-out.Raw/a.policy.Saturation))
	if out.Raw > 0 {
		for i := range out.Breakdown {
			out.Breakdown[i].Share = out.Breakdown[i].Weighted / out.Raw
			out.Breakdown[i].Points = out.Breakdown[i].Share * out.Score
		}
	}
	if d := math.Abs(out.BreakdownSum() - out.Score); d > BreakdownTolerance {
		return CompositeScore{}, fmt.Errorf("breakdown for %s off by %g", key, d)
	}
	return out, nil
}

// AggregateAll scores every evaluated key, ordered by key. Keys without signals or
// failures get a clean zero score; results for keys outside evaluated are scored too.
func (a *Aggregator) AggregateAll(evaluated []detector.Key, res detector.Result) ([]CompositeScore, error) {
	byKey := res.ByKey()
	for _, k := range evaluated {
		if _, ok := byKey[k]; !ok {
			byKey[k] = detector.KeyResult{}
		}
	}
	keys := make([]detector.Key, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	out := make([]CompositeScore, 0, len(keys))
	for _, k := range keys {
		kr := byKey[k]
		cs, err := a.Aggregate(k, kr.Signals, kr.Failures)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, nil
}

func (c CompositeScore) BreakdownSum() float64 {
	var sum float64
	for _, b := range c.Breakdown {
		sum += b.Points
	}
	return sum
}

// combine returns the kind's effective strength and its strongest signal. list is
// already in canonical order.
func (a *Aggregator) combine(list []detector.Signal) (float64, detector.Signal) {
	strengths := make([]float64, len(list))
	top := 0
	for i, s := range list {
		strengths[i] = s.Normalized()
		if strengths[i] > strengths[top] {
			top = i
		}
	}
	if a.policy.Combine != CombineDiminishing {
		return strengths[top], list[top]
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(strengths)))
	total, w := 0.0, 1.0
	for _, s := range strengths {
		total += w * s
		w *= a.policy.Decay
	}
	return math.Min(total, 1), list[top]
}

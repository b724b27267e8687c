package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/PhilippMayorov/insiderTracker/internal/config"
	"github.com/PhilippMayorov/insiderTracker/internal/detector"
)

// Transform reshapes a normalized strength before weighting. Every transform maps
// [0, 1] onto [0, 1] monotonically.
type Transform string

const (
	TransformLinear Transform = "linear"
	TransformSqrt   Transform = "sqrt"
	TransformLog    Transform = "log"
	TransformSquare Transform = "square"
)

func (t Transform) Apply(x float64) float64 {
	switch t {
	case TransformSqrt:
		return math.Sqrt(x)
	case TransformLog:
		return math.Log1p(x) / math.Ln2
	case TransformSquare:
		return x * x
	default:
		return x
	}
}

func (t Transform) valid() bool {
	switch t {
	case TransformLinear, TransformSqrt, TransformLog, TransformSquare:
		return true
	}
	return false
}

// Combine decides how several same-kind signals for one key collapse into one strength.
type Combine string

const (
	// CombineMax counts only the strongest signal of each kind.
	CombineMax Combine = "max"
	// CombineDiminishing adds the remaining signals geometrically decayed, capped at 1.
	CombineDiminishing Combine = "diminishing"
)

type KindPolicy struct {
	Weight    float64   `json:"weight"`
	Transform Transform `json:"transform"`
}

// Policy is the declarative weighting used by the aggregator. Every Kind must be
// present; a zero weight disables a kind explicitly.
type Policy struct {
	Kinds      map[detector.Kind]KindPolicy `json:"kinds"`
	Combine    Combine                      `json:"combine"`
	Decay      float64                      `json:"decay"`
	Saturation float64                      `json:"saturation"`
	Scale      float64                      `json:"scale"`
}

// PolicyError reports every problem found in a policy at once.
type PolicyError struct {
	Problems []string
}

func (e *PolicyError) Error() string {
	return "invalid aggregation policy: " + strings.Join(e.Problems, "; ")
}

func DefaultPolicy() Policy {
	return Policy{
		Kinds: map[detector.Kind]KindPolicy{
			detector.KindWhaleConcentration:        {Weight: 1.0, Transform: TransformLinear},
			detector.KindCoordinatedActors:         {Weight: 1.0, Transform: TransformLinear},
			detector.KindTimingAsymmetry:           {Weight: 1.2, Transform: TransformLinear},
			detector.KindPreResolutionAccumulation: {Weight: 1.1, Transform: TransformSqrt},
			detector.KindAsymmetricRiskExposure:    {Weight: 0.9, Transform: TransformLinear},
			detector.KindCrossMarketCorrelation:    {Weight: 1.3, Transform: TransformLinear},
		},
		Combine:    CombineMax,
		Decay:      0.5,
		Saturation: 1.0,
		Scale:      100,
	}
}

// PolicyFromConfig converts the loosely typed config section. Kind names are matched
// case-insensitively since viper lower-cases map keys.
func PolicyFromConfig(cfg config.PolicyConfig) (Policy, error) {
	p := Policy{
		Kinds:      map[detector.Kind]KindPolicy{},
		Combine:    Combine(strings.ToLower(strings.TrimSpace(cfg.Combine))),
		Decay:      cfg.Decay,
		Saturation: cfg.Saturation,
		Scale:      cfg.Scale,
	}
	if p.Combine == "" {
		p.Combine = CombineMax
	}
	var problems []string
	for name, kp := range cfg.Kinds {
		kind, ok := detector.ParseKind(strings.ToUpper(strings.TrimSpace(name)))
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown signal kind %q", name))
			continue
		}
		tr := Transform(strings.ToLower(strings.TrimSpace(kp.Transform)))
		if tr == "" {
			tr = TransformLinear
		}
		p.Kinds[kind] = KindPolicy{Weight: kp.Weight, Transform: tr}
	}
	if err := p.Validate(); err != nil {
		problems = append(problems, err.(*PolicyError).Problems...)
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return Policy{}, &PolicyError{Problems: problems}
	}
	return p, nil
}

// Validate returns a *PolicyError or nil.
func (p Policy) Validate() error {
	var problems []string
	for _, k := range detector.AllKinds() {
		kp, ok := p.Kinds[k]
		if !ok {
			problems = append(problems, fmt.Sprintf("kind %s has no weight", k))
			continue
		}
		if math.IsNaN(kp.Weight) || math.IsInf(kp.Weight, 0) || kp.Weight < 0 {
			problems = append(problems, fmt.Sprintf("kind %s weight %v must be a non-negative number", k, kp.Weight))
		}
		if !kp.Transform.valid() {
			problems = append(problems, fmt.Sprintf("kind %s has unknown transform %q", k, kp.Transform))
		}
	}
	for k := range p.Kinds {
		if _, ok := detector.ParseKind(string(k)); !ok {
			problems = append(problems, fmt.Sprintf("unknown signal kind %q", k))
		}
	}
	switch p.Combine {
	case CombineMax:
	case CombineDiminishing:
		if p.Decay < 0 || p.Decay >= 1 {
			problems = append(problems, fmt.Sprintf("decay %v must be in [0, 1)", p.Decay))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown combine rule %q", p.Combine))
	}
	if !(p.Saturation > 0) || math.IsInf(p.Saturation, 0) {
		problems = append(problems, "saturation must be positive")
	}
	if !(p.Scale > 0) || math.IsInf(p.Scale, 0) {
		problems = append(problems, "scale must be positive")
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &PolicyError{Problems: problems}
}

// Version is a short content hash so stored scores can name the policy that produced them.
func (p Policy) Version() string {
	// encoding/json sorts map keys, so equal policies hash equally.
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return "pol_" + hex.EncodeToString(sum[:6])
}

func (p Policy) clone() Policy {
	out := p
	out.Kinds = make(map[detector.Kind]KindPolicy, len(p.Kinds))
	for k, v := range p.Kinds {
		out.Kinds[k] = v
	}
	return out
}

package detector

import (
	"errors"
	"fmt"
	"math"
)

// Kind is the closed set of signal kinds the aggregator knows how to weight.
type Kind string

const (
	KindWhaleConcentration        Kind = "WHALE_CONCENTRATION"
	KindCoordinatedActors         Kind = "COORDINATED_ACTORS"
	KindTimingAsymmetry           Kind = "TIMING_ASYMMETRY"
	KindPreResolutionAccumulation Kind = "PRE_RESOLUTION_ACCUMULATION"
	KindAsymmetricRiskExposure    Kind = "ASYMMETRIC_RISK_EXPOSURE"
	KindCrossMarketCorrelation    Kind = "CROSS_MARKET_CORRELATION"
)

func AllKinds() []Kind {
	return []Kind{
		KindWhaleConcentration,
		KindCoordinatedActors,
		KindTimingAsymmetry,
		KindPreResolutionAccumulation,
		KindAsymmetricRiskExposure,
		KindCrossMarketCorrelation,
	}
}

func ParseKind(s string) (Kind, bool) {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Scale declares how Strength is to be read.
type Scale string

const (
	// ScaleUnit strengths live in [0, 1].
	ScaleUnit Scale = "unit"
	// ScaleZScore strengths are standardized distances clamped to [0, ScaleMax].
	ScaleZScore Scale = "zscore"
)

// Key is the unit of analysis.
type Key struct {
	Wallet   string `json:"wallet"`
	MarketID string `json:"market_id"`
	Window   string `json:"window"`
}

func (k Key) String() string {
	return k.Wallet + "|" + k.MarketID + "|" + k.Window
}

func (k Key) Less(o Key) bool {
	if k.Wallet != o.Wallet {
		return k.Wallet < o.Wallet
	}
	if k.MarketID != o.MarketID {
		return k.MarketID < o.MarketID
	}
	return k.Window < o.Window
}

// Signal is one detector's observation for one key.
type Signal struct {
	DetectorID        string         `json:"detector_id"`
	Kind              Kind           `json:"kind"`
	Key               Key            `json:"key"`
	Strength          float64        `json:"strength"`
	Scale             Scale          `json:"scale"`
	ScaleMax          float64        `json:"scale_max"`
	TradeIDs          []string       `json:"trade_ids"`
	FeatureSnapshotID string         `json:"feature_snapshot_id"`
	Details           map[string]any `json:"details,omitempty"`
}

// Normalized maps Strength onto [0, 1] according to its declared scale.
func (s Signal) Normalized() float64 {
	v := s.Strength
	if s.Scale == ScaleZScore {
		if s.ScaleMax <= 0 {
			return 0
		}
		v = s.Strength / s.ScaleMax
	}
	return clamp(v, 0, 1)
}

func (s Signal) validate() error {
	if math.IsNaN(s.Strength) || math.IsInf(s.Strength, 0) {
		return fmt.Errorf("strength is not finite")
	}
	switch s.Scale {
	case ScaleUnit:
		if s.Strength < 0 || s.Strength > 1 {
			return fmt.Errorf("unit strength %.4f out of range", s.Strength)
		}
	case ScaleZScore:
		if s.ScaleMax <= 0 {
			return fmt.Errorf("zscore signal without bound")
		}
		if s.Strength < 0 || s.Strength > s.ScaleMax {
			return fmt.Errorf("zscore strength %.4f outside [0, %.4f]", s.Strength, s.ScaleMax)
		}
	default:
		return fmt.Errorf("unknown scale %q", s.Scale)
	}
	return nil
}

// Failure records that a detector could not produce output for a key.
type Failure struct {
	DetectorID string `json:"detector_id"`
	Key        Key    `json:"key"`
	Error      string `json:"error"`
	Attempts   int    `json:"attempts"`
}

// ExecutionError wraps a detector failure for one key.
type ExecutionError struct {
	DetectorID string
	Key        Key
	Attempts   int
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("detector %s failed for %s after %d attempt(s): %v", e.DetectorID, e.Key, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Failure() Failure {
	return Failure{DetectorID: e.DetectorID, Key: e.Key, Error: e.Err.Error(), Attempts: e.Attempts}
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying within the run.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

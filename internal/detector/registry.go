package detector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// registry is the static table of detectors selectable from configuration.
var registry = map[string]func() Detector{
	WhaleConcentrationID:        func() Detector { return NewWhaleConcentration() },
	TimingAsymmetryID:           func() Detector { return NewTimingAsymmetry() },
	PreResolutionAccumulationID: func() Detector { return NewPreResolutionAccumulation() },
	CoordinatedActorsID:         func() Detector { return NewCoordinatedActors() },
	AsymmetricRiskExposureID:    func() Detector { return NewAsymmetricRiskExposure() },
	CrossMarketCorrelationID:    func() Detector { return NewCrossMarketCorrelation() },
}

func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build instantiates the enabled detectors with defaults overridden by params[id].
// Unknown or repeated ids are configuration errors.
func Build(enabled []string, params map[string]any) ([]Detector, error) {
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no detectors enabled")
	}
	seen := map[string]struct{}{}
	out := make([]Detector, 0, len(enabled))
	for _, raw := range enabled {
		name := strings.TrimSpace(raw)
		ctor, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown detector %q (known: %s)", name, strings.Join(Names(), ", "))
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("detector %q enabled twice", name)
		}
		seen[name] = struct{}{}

		d := ctor()
		merged, err := mergeParams(d, params[name])
		if err != nil {
			return nil, fmt.Errorf("detector %s params: %w", name, err)
		}
		if err := d.SetParams(merged); err != nil {
			return nil, fmt.Errorf("detector %s params: %w", name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func mergeParams(d Detector, override any) (json.RawMessage, error) {
	base := map[string]any{}
	if err := json.Unmarshal(d.DefaultParams(), &base); err != nil {
		return nil, err
	}
	switch m := override.(type) {
	case nil:
	case map[string]any:
		for k, v := range m {
			base[strings.ToLower(k)] = v
		}
	case json.RawMessage:
		extra := map[string]any{}
		if err := json.Unmarshal(m, &extra); err != nil {
			return nil, err
		}
		for k, v := range extra {
			base[k] = v
		}
	default:
		return nil, fmt.Errorf("unsupported params type %T", override)
	}
	return json.Marshal(base)
}

package detector

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAppliesOverrides(t *testing.T) {
	ds, err := Build([]string{WhaleConcentrationID, CoordinatedActorsID}, map[string]any{
		// viper hands nested keys back lower-cased
		"whale_concentration": map[string]any{"MIN_SHARE": 0.2},
	})
	require.NoError(t, err)
	require.Len(t, ds, 2)

	w := ds[0].(*WhaleConcentration)
	assert.Equal(t, 0.2, w.MinShare)
	assert.Equal(t, 95.0, w.Percentile)
	assert.Equal(t, 3, ds[1].(*CoordinatedActors).MinGroupSize)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	_, err := Build(nil, nil)
	assert.Error(t, err)

	_, err = Build([]string{"astrology"}, nil)
	assert.ErrorContains(t, err, "unknown detector")

	_, err = Build([]string{TimingAsymmetryID, TimingAsymmetryID}, nil)
	assert.ErrorContains(t, err, "enabled twice")

	_, err = Build([]string{CoordinatedActorsID}, map[string]any{CoordinatedActorsID: map[string]any{"min_group_size": 1}})
	assert.ErrorContains(t, err, "min_group_size")
}

func TestRejectedParamsLeaveDetectorUnchanged(t *testing.T) {
	cases := []struct {
		d   Detector
		raw string
	}{
		{NewWhaleConcentration(), `{"min_share":0.9,"ratio_scale":-1}`},
		{NewPreResolutionAccumulation(), `{"min_notional_usd":1,"horizon_seconds":7200,"notional_scale":0}`},
		{NewAsymmetricRiskExposure(), `{"size_multiple":9,"max_payoff":0}`},
		{NewCoordinatedActors(), `{"min_consistency":0.1,"window_seconds":60,"size_scale":-2}`},
		{NewCrossMarketCorrelation(), `{"z_threshold":9,"min_markets":2,"z_clamp":0}`},
		{NewTimingAsymmetry(), `{"z_threshold":9,"z_clamp":1,"min_std_seconds":0}`},
	}
	for _, tc := range cases {
		t.Run(tc.d.ID(), func(t *testing.T) {
			before := fmt.Sprintf("%+v", tc.d)
			require.Error(t, tc.d.SetParams([]byte(tc.raw)))
			assert.Equal(t, before, fmt.Sprintf("%+v", tc.d))
		})
	}
}

func TestNamesCoverEveryKind(t *testing.T) {
	ds, err := Build(Names(), nil)
	require.NoError(t, err)
	seen := map[Kind]bool{}
	for _, d := range ds {
		for _, k := range d.Kinds() {
			seen[k] = true
		}
	}
	for _, k := range AllKinds() {
		assert.True(t, seen[k], k)
	}
}

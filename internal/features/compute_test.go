package features

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhilippMayorov/insiderTracker/internal/labeler"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
	"github.com/PhilippMayorov/insiderTracker/internal/trades/tradetest"
)

func testWindow() trades.Window {
	return trades.Window{Start: tradetest.At(0), End: tradetest.At(time.Hour)}
}

func fixture() trades.Batch {
	m := tradetest.Market("m1", "Will the Fed cut rates in March?", tradetest.At(3*time.Hour))
	fresh := tradetest.Market("m2", "Will it snow in Paris?", tradetest.At(10*time.Hour))

	var history []trades.TradeRecord
	history = append(history, tradetest.Series("h-a", "0xa", m, "YES", 0.40, 0.02, 100, tradetest.At(-30*time.Hour), time.Hour, 3)...)
	history = append(history, tradetest.Series("h-b", "0xb", m, "YES", 0.46, 0.02, 200, tradetest.At(-20*time.Hour), time.Hour, 3)...)
	history = append(history, tradetest.Series("h-c", "0xc", m, "NO", 0.50, 0.00, 300, tradetest.At(-10*time.Hour), time.Hour, 2)...)

	window := []trades.TradeRecord{
		tradetest.Buy("w1", "0xa", m, "YES", 0.52, 1000, tradetest.At(10*time.Minute)),
		tradetest.Buy("w2", "0xa", m, "YES", 0.53, 1000, tradetest.At(20*time.Minute)),
		tradetest.Buy("w3", "0xnew", m, "NO", 0.47, 500, tradetest.At(30*time.Minute)),
		tradetest.Buy("w4", "0xnew", fresh, "YES", 0.10, 50, tradetest.At(40*time.Minute)),
	}
	return trades.Batch{Window: testWindow(), Trades: window, History: history}
}

func compute(t *testing.T, b trades.Batch, cfg Config) *Snapshot {
	t.Helper()
	require.NoError(t, trades.Validate(b))
	snap, err := Compute(context.Background(), trades.NewIndex(b), cfg)
	require.NoError(t, err)
	return snap
}

func TestWalletRollingVolumes(t *testing.T) {
	cfg := DefaultConfig()
	snap := compute(t, fixture(), cfg)
	a := snap.Wallet("0xa")

	v, ok := a.Float("rolling_volume_1h")
	require.True(t, ok)
	assert.InDelta(t, 2000, v, 1e-9)
	v, _ = a.Float("rolling_volume_7d")
	assert.InDelta(t, 2300, v, 1e-9)
	c, _ := a.Float("trade_count_24h")
	assert.Equal(t, 2.0, c)
	c, _ = a.Float("trade_count_7d")
	assert.Equal(t, 5.0, c)

	avg, ok := a.Float("historical_avg_trade_size")
	require.True(t, ok)
	assert.InDelta(t, 100, avg, 1e-9)
}

func TestMissingHistoryIsInsufficientNotZero(t *testing.T) {
	snap := compute(t, fixture(), DefaultConfig())
	fresh := snap.Wallet("0xnew")
	assert.True(t, fresh.Insufficient("historical_avg_trade_size"))
	_, ok := fresh.Float("historical_avg_trade_size")
	assert.False(t, ok)

	m2 := snap.Market("m2")
	assert.True(t, m2.Insufficient(ShareFeature(95)))
	assert.True(t, m2.Insufficient("historical_avg_price_impact"))
	assert.True(t, m2.Insufficient("historical_group_size_baseline"))
}

func TestMarketContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Labeler = labeler.New(nil)
	snap := compute(t, fixture(), cfg)
	m1 := snap.Market("m1")

	vol, _ := m1.Float("window_volume")
	assert.InDelta(t, 2500, vol, 1e-9)
	wallets, _ := m1.Float("window_unique_wallets")
	assert.Equal(t, 2.0, wallets)

	// history shares: 0xa 300/1500, 0xb 600/1500, 0xc 600/1500.
	p, ok := m1.Float(ShareFeature(95))
	require.True(t, ok)
	assert.InDelta(t, 0.4, p, 1e-9)

	impact, ok := m1.Float("historical_avg_price_impact")
	require.True(t, ok)
	assert.Greater(t, impact, 0.0)

	sens, _ := m1.Category("insider_sensitivity")
	assert.Equal(t, "strong", sens)
	ttr, _ := m1.Float("time_to_resolution_seconds")
	assert.InDelta(t, (2 * time.Hour).Seconds(), ttr, 1e-9)
}

func TestTradeContext(t *testing.T) {
	snap := compute(t, fixture(), DefaultConfig())

	w2, ok := snap.Trade("w2")
	require.True(t, ok)
	assert.True(t, w2.HasImpact)
	assert.InDelta(t, 0.01, w2.PriceImpact, 1e-9)
	assert.InDelta(t, (2*time.Hour + 40*time.Minute).Seconds(), w2.TimeToResolutionSeconds, 1e-9)
	// trailing 24h before w2 drops 0xa's old fills: 0xb, 0xc and w1 remain.
	assert.InDelta(t, 600+600+1000, w2.MarketVolume24h, 1e-9)

	_, ok = snap.Trade("h-a-0")
	assert.False(t, ok, "history trades carry no snapshot context")
}

func TestWalletMarketShares(t *testing.T) {
	snap := compute(t, fixture(), DefaultConfig())
	pair := snap.WalletMarket("0xa", "m1")
	share, _ := pair.Float("share_of_window_volume")
	assert.InDelta(t, 0.8, share, 1e-9)
	dir, _ := pair.Float("net_direction")
	assert.InDelta(t, 1.0, dir, 1e-9)
	_, resolved := pair.Float("winning_outcome_share")
	assert.False(t, resolved)
}

func TestLateResolutionIsNotVisible(t *testing.T) {
	b := fixture()
	later := tradetest.Resolved(b.Trades[0].Market, "YES", tradetest.At(2*time.Hour))
	for i := range b.Trades {
		if b.Trades[i].MarketID == "m1" {
			b.Trades[i].Market = later
		}
	}
	snap := compute(t, b, DefaultConfig())
	resolved, _ := snap.Market("m1").Float("resolved")
	assert.Equal(t, 0.0, resolved)
	_, ok := snap.WalletMarket("0xa", "m1").Float("winning_outcome_share")
	assert.False(t, ok)
}

func TestSnapshotIsDeterministic(t *testing.T) {
	b := fixture()
	serial := DefaultConfig()
	serial.Workers = 1
	parallel := DefaultConfig()
	parallel.Workers = 16

	first := compute(t, b, serial)
	second := compute(t, b, parallel)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Records(), second.Records())

	// shuffled input order must not matter.
	b.Trades[0], b.Trades[3] = b.Trades[3], b.Trades[0]
	third := compute(t, b, parallel)
	assert.Equal(t, first.ID, third.ID)
}

func TestComputeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compute(ctx, trades.NewIndex(fixture()), DefaultConfig())
	require.ErrorIs(t, err, context.Canceled)
}

func TestGroupSize(t *testing.T) {
	m := tradetest.Market("m", "q", tradetest.At(time.Hour))
	list := []trades.TradeRecord{
		tradetest.Buy("1", "a", m, "YES", 0.5, 10, tradetest.At(0)),
		tradetest.Buy("2", "b", m, "YES", 0.5, 10, tradetest.At(time.Minute)),
		tradetest.Buy("3", "c", m, "NO", 0.5, 10, tradetest.At(2*time.Minute)),
		tradetest.Buy("4", "d", m, "YES", 0.5, 10, tradetest.At(3*time.Minute)),
	}
	assert.Equal(t, 3, GroupSize(list, 3, 5*time.Minute))
	assert.Equal(t, 2, GroupSize(list, 3, 150*time.Second))
}

func TestPercentileAndLabels(t *testing.T) {
	assert.InDelta(t, 0.5, Percentile([]float64{0, 1}, 50), 1e-12)
	assert.InDelta(t, 3, Percentile([]float64{1, 2, 3}, 100), 1e-12)
	assert.Equal(t, "1h", LookbackLabel(time.Hour))
	assert.Equal(t, "24h", LookbackLabel(24*time.Hour))
	assert.Equal(t, "7d", LookbackLabel(7*24*time.Hour))
	assert.Equal(t, "historical_wallet_share_p95", ShareFeature(95))
}

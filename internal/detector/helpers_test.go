package detector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PhilippMayorov/insiderTracker/internal/features"
	"github.com/PhilippMayorov/insiderTracker/internal/labeler"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
	"github.com/PhilippMayorov/insiderTracker/internal/trades/tradetest"
)

func hourWindow() trades.Window {
	return trades.Window{Start: tradetest.At(0), End: tradetest.At(time.Hour)}
}

func inputsFor(t *testing.T, b trades.Batch, opts ...trades.IndexOption) []Input {
	t.Helper()
	require.NoError(t, trades.Validate(b))
	idx := trades.NewIndex(b, opts...)
	cfg := features.DefaultConfig()
	cfg.Labeler = labeler.New(nil)
	snap, err := features.Compute(context.Background(), idx, cfg)
	require.NoError(t, err)
	return BuildInputs(idx, snap, nil)
}

func inputFor(t *testing.T, inputs []Input, wallet, market string) Input {
	t.Helper()
	for _, in := range inputs {
		if in.Key.Wallet == wallet && in.Key.MarketID == market {
			return in
		}
	}
	t.Fatalf("no input for %s/%s", wallet, market)
	return Input{}
}

func evaluate(t *testing.T, d Detector, in Input) []Signal {
	t.Helper()
	out, err := d.Evaluate(context.Background(), in)
	require.NoError(t, err)
	return out
}

// insiderScenario: wallet W takes 40% of the winning-outcome volume within the hour
// before resolution, moving the price far less than the market usually moves.
func insiderScenario() trades.Batch {
	m := tradetest.Resolved(tradetest.Market("M", "Will the SEC approve the spot ETF?", time.Time{}), "YES", tradetest.At(50*time.Minute))

	var history []trades.TradeRecord
	for i := 0; i < 20; i++ {
		price := 0.48 + 0.03*float64(i%2)
		history = append(history, tradetest.Buy(fmt.Sprintf("h%d", i), fmt.Sprintf("0xh%d", i%10), m, "YES", price, 100, tradetest.At(time.Duration(i-48)*time.Hour)))
	}
	window := []trades.TradeRecord{
		tradetest.Buy("w1", "0xW", m, "YES", 0.51, 2000, tradetest.At(15*time.Minute)),
		tradetest.Buy("w2", "0xW", m, "YES", 0.515, 2000, tradetest.At(20*time.Minute)),
		tradetest.Buy("w3", "0xW", m, "YES", 0.52, 2000, tradetest.At(25*time.Minute)),
		tradetest.Buy("w4", "0xW", m, "YES", 0.525, 2000, tradetest.At(30*time.Minute)),
		tradetest.Buy("o1", "0xo1", m, "YES", 0.53, 12000, tradetest.At(36*time.Minute)),
		tradetest.Buy("o2", "0xo2", m, "NO", 0.47, 4000, tradetest.At(37*time.Minute)),
	}
	return trades.Batch{Window: hourWindow(), Trades: window, History: history}
}

// swarmScenario: n wallets enter the same side of a quiet market within five minutes.
func swarmScenario(n int) trades.Batch {
	m := tradetest.Market("M2", "Will the merger close?", tradetest.At(30*24*time.Hour))
	var history []trades.TradeRecord
	for i := 0; i < 6; i++ {
		outcome := "YES"
		if i%2 == 1 {
			outcome = "NO"
		}
		history = append(history, tradetest.Buy(fmt.Sprintf("h%d", i), fmt.Sprintf("0xh%d", i%3), m, outcome, 0.5, 100, tradetest.At(time.Duration(i-10)*time.Hour)))
	}
	var window []trades.TradeRecord
	for i := 0; i < n; i++ {
		window = append(window, tradetest.Buy(fmt.Sprintf("c%d", i), fmt.Sprintf("0xc%d", i), m, "YES", 0.5+0.01*float64(i), 500, tradetest.At(time.Duration(10+i)*time.Minute)))
	}
	return trades.Batch{Window: hourWindow(), Trades: window, History: history}
}

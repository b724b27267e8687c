package trades

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FileSource serves a batch recorded as JSON, used for offline replays.
type FileSource struct {
	Path string
}

func (s FileSource) LoadBatch(ctx context.Context, window Window, lookback time.Duration) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	b, err := ReadBatchFile(s.Path)
	if err != nil {
		return Batch{}, err
	}
	if window.Start.IsZero() && window.End.IsZero() {
		return b, nil
	}
	return Slice(b, window, lookback), nil
}

func ReadBatchFile(path string) (Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, fmt.Errorf("read batch: %w", err)
	}
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return Batch{}, fmt.Errorf("decode batch %s: %w", path, err)
	}
	return b, nil
}

// Slice re-windows every trade and event known to b. Lookback 0 keeps all history.
func Slice(b Batch, window Window, lookback time.Duration) Batch {
	out := Batch{Window: window}
	from := time.Time{}
	if lookback > 0 {
		from = window.Start.Add(-lookback)
	}
	all := append(append([]TradeRecord(nil), b.History...), b.Trades...)
	for _, t := range all {
		switch {
		case window.Contains(t.Timestamp):
			out.Trades = append(out.Trades, t)
		case t.Timestamp.Before(window.Start) && !t.Timestamp.Before(from):
			out.History = append(out.History, t)
		}
	}
	for _, e := range b.Events {
		if e.At.Before(window.End) && !e.At.Before(from) {
			out.Events = append(out.Events, e)
		}
	}
	return out
}

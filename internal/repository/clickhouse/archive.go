// Package clickhouse archives detector signals and composite scores for analytics.
// The archive is append-only and never read by the pipeline.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/PhilippMayorov/insiderTracker/internal/config"
	"github.com/PhilippMayorov/insiderTracker/internal/detector"
	"github.com/PhilippMayorov/insiderTracker/internal/risk"
)

const schemaSignals = `
CREATE TABLE IF NOT EXISTS detector_signals (
	run_id      String,
	detector_id LowCardinality(String),
	kind        LowCardinality(String),
	wallet      String,
	market_id   String,
	window_key  String,
	strength    Float64,
	trade_count UInt32,
	archived_at DateTime64(3, 'UTC')
) ENGINE = MergeTree ORDER BY (window_key, wallet, market_id, detector_id)`

const schemaScores = `
CREATE TABLE IF NOT EXISTS composite_scores (
	run_id         String,
	wallet         String,
	market_id      String,
	window_key     String,
	score          Float64,
	raw            Float64,
	incomplete     UInt8,
	detectors      Array(String),
	policy_version String,
	archived_at    DateTime64(3, 'UTC')
) ENGINE = MergeTree ORDER BY (window_key, wallet, market_id)`

type Archive struct {
	conn driver.Conn
	now  func() time.Time
}

func Open(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: splitAddr(cfg.Addr),
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Protocol: clickhouse.Native,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	a := &Archive{conn: conn, now: func() time.Time { return time.Now().UTC() }}
	if err := a.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) migrate(ctx context.Context) error {
	for _, ddl := range []string{schemaSignals, schemaScores} {
		if err := a.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	return nil
}

// ArchiveRun appends the run's signals and scores. Each table is one batch.
func (a *Archive) ArchiveRun(ctx context.Context, runID string, signals []detector.Signal, scores []risk.CompositeScore) error {
	if a == nil || a.conn == nil {
		return nil
	}
	at := a.now()
	if len(signals) > 0 {
		batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO detector_signals")
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}
		for _, s := range signals {
			if err := batch.Append(
				runID, s.DetectorID, string(s.Kind),
				s.Key.Wallet, s.Key.MarketID, s.Key.Window,
				s.Strength, uint32(len(s.TradeIDs)), at,
			); err != nil {
				return fmt.Errorf("append to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
	}
	if len(scores) > 0 {
		batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO composite_scores")
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}
		for _, cs := range scores {
			var incomplete uint8
			if cs.Incomplete {
				incomplete = 1
			}
			if err := batch.Append(
				runID, cs.Key.Wallet, cs.Key.MarketID, cs.Key.Window,
				cs.Score, cs.Raw, incomplete, cs.Detectors(), cs.PolicyVersion, at,
			); err != nil {
				return fmt.Errorf("append to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
	}
	return nil
}

func (a *Archive) Close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

func splitAddr(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = append(out, "localhost:9000")
	}
	return out
}

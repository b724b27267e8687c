// Command replay runs a recorded batch through the pipeline twice, on fresh in-memory
// stores and different worker counts, and reports whether both passes agree.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
	"github.com/PhilippMayorov/insiderTracker/internal/config"
	"github.com/PhilippMayorov/insiderTracker/internal/detector"
	"github.com/PhilippMayorov/insiderTracker/internal/labeler"
	"github.com/PhilippMayorov/insiderTracker/internal/logger"
	"github.com/PhilippMayorov/insiderTracker/internal/pipeline"
	"github.com/PhilippMayorov/insiderTracker/internal/repository/memory"
	"github.com/PhilippMayorov/insiderTracker/internal/risk"
	"github.com/PhilippMayorov/insiderTracker/internal/runlock"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

func main() {
	var (
		batchPath = flag.String("batch", "", "recorded batch (JSON)")
		cfgPath   = flag.String("config", "", "config file; environment only when empty")
		startRaw  = flag.String("start", "", "first window start (RFC3339); batch window when empty")
		endRaw    = flag.String("end", "", "last window end (RFC3339); batch window when empty")
	)
	flag.Parse()
	if *batchPath == "" {
		fmt.Fprintln(os.Stderr, "replay: -batch is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath, *cfgPath == "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay: config:", err)
		os.Exit(2)
	}
	log, err := logger.New(cfg.Log, zap.String("cmd", "replay"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	batch, err := trades.ReadBatchFile(*batchPath)
	if err != nil {
		log.Fatal("read batch", zap.Error(err))
	}
	span := batch.Window
	if span, err = overrideSpan(span, *startRaw, *endRaw); err != nil {
		log.Fatal("parse window", zap.Error(err))
	}
	if err := span.Validate(); err != nil {
		log.Fatal("replay span", zap.Error(err))
	}

	source := trades.FileSource{Path: *batchPath}
	ctx := context.Background()

	first, err := replay(ctx, cfg, source, span, cfg.Pipeline.Workers, log)
	if err != nil {
		log.Fatal("first pass", zap.Error(err))
	}
	second, err := replay(ctx, cfg, source, span, 1, log)
	if err != nil {
		log.Fatal("second pass", zap.Error(err))
	}

	identical := slices.Equal(first, second)
	for _, line := range first {
		fmt.Println(line)
	}
	log.Info("replay finished",
		zap.String("span", span.String()),
		zap.Int("lines", len(first)),
		zap.Bool("identical", identical),
	)
	if !identical {
		for i := range max(len(first), len(second)) {
			a, b := at(first, i), at(second, i)
			if a != b {
				log.Warn("replay diverged", zap.Int("line", i), zap.String("first", a), zap.String("second", b))
				break
			}
		}
		os.Exit(1)
	}
}

// replay runs every pipeline window inside span against a fresh store and returns a
// digest of the scores and alerts each window produced.
func replay(ctx context.Context, cfg config.Config, source trades.Source, span trades.Window, workers int, log *zap.Logger) ([]string, error) {
	detectors, err := detector.Build(cfg.Detectors.Enabled, cfg.Detectors.Params)
	if err != nil {
		return nil, err
	}
	policy, err := risk.PolicyFromConfig(cfg.Policy)
	if err != nil {
		return nil, err
	}
	aggregator, err := risk.NewAggregator(policy)
	if err != nil {
		return nil, err
	}
	generator, err := alert.NewGenerator(alert.ConfigFrom(cfg.Alerting), log)
	if err != nil {
		return nil, err
	}

	runner := &pipeline.Runner{
		Source: source,
		Repo:   memory.New(),
		Locker: runlock.NewMemoryLocker(),
		Engine: &detector.Engine{
			Detectors:      detectors,
			Workers:        workers,
			Retries:        cfg.Pipeline.DetectorRetries,
			RetryBaseDelay: cfg.Pipeline.RetryBaseDelay,
			RetryMaxDelay:  cfg.Pipeline.RetryMaxDelay,
			Logger:         log,
		},
		Aggregator: aggregator,
		Generator:  generator,
		Logger:     log,
		Config:     pipeline.ConfigFrom(cfg, labeler.New(log)),
	}

	var out []string
	size := cfg.Pipeline.Window
	for start := span.Start; start.Before(span.End); start = start.Add(size) {
		w := trades.Window{Start: start, End: start.Add(size)}
		if w.End.After(span.End) {
			w.End = span.End
		}
		// Alert timestamps follow the replayed window, not the wall clock.
		end := w.End
		runner.Now = func() time.Time { return end }

		rep, err := runner.Run(ctx, w, "replay")
		if err != nil {
			return nil, fmt.Errorf("window %s: %w", w.Key(), err)
		}
		out = append(out, digest(rep)...)
	}
	return out, nil
}

func digest(rep *pipeline.Report) []string {
	var out []string
	for _, s := range rep.Scores {
		out = append(out, fmt.Sprintf("%s score %s %.6f %s [%s]",
			rep.Window.Key(), s.Key, s.Score, s.PolicyVersion, strings.Join(s.Detectors(), ",")))
	}
	for _, a := range rep.Alerts {
		out = append(out, fmt.Sprintf("%s alert %s %s rev=%d %s %.6f",
			rep.Window.Key(), a.ID, a.Status, a.Revision, a.Severity, a.Score))
	}
	return out
}

func overrideSpan(w trades.Window, start, end string) (trades.Window, error) {
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return w, fmt.Errorf("start: %w", err)
		}
		w.Start = t.UTC()
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return w, fmt.Errorf("end: %w", err)
		}
		w.End = t.UTC()
	}
	return w, nil
}

func at(lines []string, i int) string {
	if i < len(lines) {
		return lines[i]
	}
	return "<missing>"
}

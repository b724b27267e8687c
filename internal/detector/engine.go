package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PhilippMayorov/insiderTracker/internal/retry"
)

// Engine runs every detector against every key on a bounded worker pool. A failing
// detector is recorded against the key and never suppresses other output.
type Engine struct {
	Detectors []Detector
	Workers   int
	// Retries is the number of extra attempts granted to transient failures.
	Retries        int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Logger         *zap.Logger
}

type Result struct {
	Signals  []Signal
	Failures []Failure
}

// ByKey groups the result for aggregation.
func (r Result) ByKey() map[Key]KeyResult {
	out := map[Key]KeyResult{}
	for _, s := range r.Signals {
		kr := out[s.Key]
		kr.Signals = append(kr.Signals, s)
		out[s.Key] = kr
	}
	for _, f := range r.Failures {
		kr := out[f.Key]
		kr.Failures = append(kr.Failures, f)
		out[f.Key] = kr
	}
	return out
}

type KeyResult struct {
	Signals  []Signal
	Failures []Failure
}

type jobResult struct {
	signals []Signal
	failure *Failure
}

// Run evaluates all inputs and returns once every (detector, key) pair has finished
// or failed. Only cancellation of ctx makes Run itself fail.
func (e *Engine) Run(ctx context.Context, inputs []Input) (Result, error) {
	if e == nil || len(e.Detectors) == 0 {
		return Result{}, nil
	}
	workers := e.Workers
	if workers <= 0 {
		workers = 1
	}

	results := make([]jobResult, len(inputs)*len(e.Detectors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range inputs {
		for j, d := range e.Detectors {
			slot := i*len(e.Detectors) + j
			in := inputs[i]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[slot] = e.evaluate(gctx, d, in)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("detector run aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("detector run aborted: %w", err)
	}

	var out Result
	for _, r := range results {
		out.Signals = append(out.Signals, r.signals...)
		if r.failure != nil {
			out.Failures = append(out.Failures, *r.failure)
		}
	}
	SortSignals(out.Signals)
	sort.Slice(out.Failures, func(i, j int) bool {
		a, b := out.Failures[i], out.Failures[j]
		if a.Key != b.Key {
			return a.Key.Less(b.Key)
		}
		return a.DetectorID < b.DetectorID
	})
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, d Detector, in Input) jobResult {
	policy := retry.Policy{
		MaxAttempts: e.Retries + 1,
		BaseDelay:   e.RetryBaseDelay,
		MaxDelay:    e.RetryMaxDelay,
		Classify: func(err error) retry.Class {
			if IsTransient(err) {
				return retry.Retryable
			}
			return retry.Fatal
		},
		OnRetry: func(attempt int, wait time.Duration, err error) {
			if e.Logger != nil {
				e.Logger.Debug("detector retry",
					zap.String("detector", d.ID()),
					zap.String("key", in.Key.String()),
					zap.Int("attempt", attempt),
					zap.Duration("wait", wait),
					zap.Error(err),
				)
			}
		},
	}

	var signals []Signal
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context) error {
		out, err := safeEvaluate(ctx, d, in)
		if err != nil {
			return err
		}
		signals, err = e.stamp(d, in, out)
		return err
	})
	if err == nil {
		return jobResult{signals: signals}
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return jobResult{}
	}

	execErr := &ExecutionError{DetectorID: d.ID(), Key: in.Key, Attempts: attempts, Err: err}
	if e.Logger != nil {
		e.Logger.Warn("detector failed", zap.String("detector", d.ID()), zap.String("key", in.Key.String()), zap.Int("attempts", attempts), zap.Error(err))
	}
	f := execErr.Failure()
	return jobResult{failure: &f}
}

func safeEvaluate(ctx context.Context, d Detector, in Input) (out []Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Evaluate(ctx, in)
}

// stamp fills engine-owned fields and rejects output that breaks the signal contract.
func (e *Engine) stamp(d Detector, in Input, raw []Signal) ([]Signal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	allowed := map[Kind]struct{}{}
	for _, k := range d.Kinds() {
		allowed[k] = struct{}{}
	}
	known := in.knownTrades()
	snapID := ""
	if in.Features != nil {
		snapID = in.Features.ID
	}
	out := make([]Signal, 0, len(raw))
	for _, s := range raw {
		if _, ok := allowed[s.Kind]; !ok {
			return nil, fmt.Errorf("emitted undeclared kind %q", s.Kind)
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
		for _, id := range s.TradeIDs {
			if _, ok := known[id]; !ok {
				return nil, fmt.Errorf("references unknown trade %q", id)
			}
		}
		s.DetectorID = d.ID()
		s.Key = in.Key
		s.FeatureSnapshotID = snapID
		s.TradeIDs = append([]string(nil), s.TradeIDs...)
		sort.Strings(s.TradeIDs)
		out = append(out, s)
	}
	return out, nil
}

// SortSignals orders signals canonically so output never depends on scheduling.
func SortSignals(list []Signal) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Key != b.Key {
			return a.Key.Less(b.Key)
		}
		if a.DetectorID != b.DetectorID {
			return a.DetectorID < b.DetectorID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Strength != b.Strength {
			return a.Strength > b.Strength
		}
		return strings.Join(a.TradeIDs, ",") < strings.Join(b.TradeIDs, ",")
	})
}

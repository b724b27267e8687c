// Package pipeline runs the detection pipeline over one window: load, features,
// detectors, aggregation, alerting, commit. Every stage waits for the previous one to
// finish and nothing is written until the final commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
	"github.com/PhilippMayorov/insiderTracker/internal/alertstream"
	"github.com/PhilippMayorov/insiderTracker/internal/config"
	"github.com/PhilippMayorov/insiderTracker/internal/detector"
	"github.com/PhilippMayorov/insiderTracker/internal/features"
	"github.com/PhilippMayorov/insiderTracker/internal/labeler"
	"github.com/PhilippMayorov/insiderTracker/internal/metrics"
	"github.com/PhilippMayorov/insiderTracker/internal/models"
	"github.com/PhilippMayorov/insiderTracker/internal/repository"
	"github.com/PhilippMayorov/insiderTracker/internal/risk"
	"github.com/PhilippMayorov/insiderTracker/internal/runlock"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

var ErrAborted = errors.New("pipeline run aborted")

// maxRefreshes bounds how often one commit re-evaluates alerts that another run updated
// in the meantime.
const maxRefreshes = 5

// Archiver receives a copy of every committed run.
type Archiver interface {
	ArchiveRun(ctx context.Context, runID string, signals []detector.Signal, scores []risk.CompositeScore) error
}

type Config struct {
	Lookback       time.Duration
	LockTTL        time.Duration
	TrackedWallets []string
	Features       features.Config
}

func ConfigFrom(c config.Config, l *labeler.MarketLabeler) Config {
	return Config{
		Lookback:       c.Pipeline.Lookback,
		LockTTL:        c.Pipeline.LockTTL,
		TrackedWallets: c.Pipeline.TrackedWallets,
		Features: features.Config{
			Lookbacks:         c.Features.Lookbacks,
			MinBaselineTrades: c.Features.MinBaselineTrades,
			SharePercentile:   c.Features.SharePercentile,
			GroupWindow:       c.Features.GroupWindow,
			EventLeadHorizon:  c.Features.EventLeadHorizon,
			Workers:           c.Features.Workers,
			Labeler:           l,
		},
	}
}

type Runner struct {
	Source     trades.Source
	Repo       repository.Repository
	Locker     runlock.Locker
	Engine     *detector.Engine
	Aggregator *risk.Aggregator
	Generator  *alert.Generator
	Relay      *alertstream.Relay
	Archive    Archiver
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Config     Config

	NewID func() string
	Now   func() time.Time
}

func (r *Runner) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Report summarizes one run. It is returned alongside the error of a failed run.
type Report struct {
	RunID             string
	Window            trades.Window
	Status            string
	Trades            int
	Keys              int
	Signals           []detector.Signal
	Failures          []detector.Failure
	Scores            []risk.CompositeScore
	Alerts            []alert.Alert
	Events            []alert.Event
	Created           int
	Escalated         int
	Closed            int
	FeatureSnapshotID string
	PolicyVersion     string
	Published         int
}

// Run executes the pipeline for window. trigger is recorded on the run row.
func (r *Runner) Run(ctx context.Context, window trades.Window, trigger string) (*Report, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if r.Source == nil || r.Repo == nil || r.Aggregator == nil || r.Generator == nil {
		return nil, errors.New("pipeline runner is not fully configured")
	}
	log := r.logger().With(zap.String("window", window.Key()))

	if r.Locker != nil {
		release, err := r.Locker.Acquire(ctx, window.Key(), r.Config.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock window %s: %w", window.Key(), err)
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := release(rctx); err != nil {
				log.Warn("release window lock", zap.Error(err))
			}
		}()
	}

	started := r.now()
	rep := &Report{
		RunID:         r.newID(),
		Window:        window,
		Status:        models.RunStatusRunning,
		PolicyVersion: r.Aggregator.Version(),
	}
	run := &models.PipelineRun{
		ID:            rep.RunID,
		WindowKey:     window.Key(),
		WindowStart:   window.Start,
		WindowEnd:     window.End,
		Status:        models.RunStatusRunning,
		Trigger:       trigger,
		PolicyVersion: rep.PolicyVersion,
		StartedAt:     started,
	}
	if err := r.Repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	log = log.With(zap.String("run_id", rep.RunID))
	log.Info("pipeline run started", zap.String("trigger", trigger))

	err := r.execute(ctx, run, rep, log)
	r.finish(run, rep, started, err, log)
	return rep, err
}

func (r *Runner) execute(ctx context.Context, run *models.PipelineRun, rep *Report, log *zap.Logger) error {
	window := rep.Window

	stage := time.Now()
	batch, err := r.Source.LoadBatch(ctx, window, r.Config.Lookback)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	batch.Window = window
	if err := trades.Validate(batch); err != nil {
		return err
	}
	rep.Trades = len(batch.Trades)
	r.Metrics.ObserveStage("load", stage)
	if err := checkpoint(ctx); err != nil {
		return err
	}

	stage = time.Now()
	horizon := r.Config.Features.EventLeadHorizon
	if horizon <= 0 {
		horizon = features.DefaultConfig().EventLeadHorizon
	}
	idx := trades.NewIndex(batch, trades.WithEventHorizon(horizon))
	snap, err := features.Compute(ctx, idx, r.Config.Features)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrAborted, err)
		}
		return fmt.Errorf("compute features: %w", err)
	}
	rep.FeatureSnapshotID = snap.ID
	r.Metrics.ObserveStage("features", stage)
	if err := checkpoint(ctx); err != nil {
		return err
	}

	stage = time.Now()
	inputs := detector.BuildInputs(idx, snap, r.Config.TrackedWallets)
	rep.Keys = len(inputs)
	res, err := r.Engine.Run(ctx, inputs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	rep.Signals, rep.Failures = res.Signals, res.Failures
	r.Metrics.ObserveStage("detectors", stage)
	if err := checkpoint(ctx); err != nil {
		return err
	}

	stage = time.Now()
	keys := make([]detector.Key, 0, len(inputs))
	for _, in := range inputs {
		keys = append(keys, in.Key)
	}
	scores, err := r.Aggregator.AggregateAll(keys, res)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	rep.Scores = scores
	r.Metrics.ObserveStage("aggregate", stage)

	stage = time.Now()
	evidence := alert.SnapshotEvidence{Index: idx, Snapshot: snap}
	out, existingIDs, err := r.evaluate(ctx, rep.RunID, window, scores, evidence)
	if err != nil {
		return err
	}
	r.Metrics.ObserveStage("alerts", stage)
	if err := checkpoint(ctx); err != nil {
		return err
	}

	stage = time.Now()
	alerts, events := out.Alerts, out.Events
	maxMerges := len(alerts)
	merges, refreshes := 0, 0
	for {
		rep.Alerts, rep.Events = alerts, events
		tally(rep)
		fillRun(run, rep, models.RunStatusSucceeded, r.now())
		c, err := buildCommit(run, snap, rep, existingIDs)
		if err != nil {
			return err
		}
		err = r.Repo.Commit(ctx, c)
		if err == nil {
			break
		}
		var dup *alert.DuplicateConflictError
		var moved *alert.ConcurrentUpdateError
		switch {
		case errors.As(err, &moved) && refreshes < maxRefreshes:
			refreshes++
			log.Info("alert changed concurrently, re-evaluating", zap.String("alert_id", moved.AlertID))
			if out, existingIDs, err = r.evaluate(ctx, rep.RunID, window, scores, evidence); err != nil {
				return err
			}
			alerts, events = out.Alerts, out.Events
			maxMerges = len(alerts)
		case errors.As(err, &dup) && merges < maxMerges:
			merges++
			log.Info("alert identity created concurrently, merging", zap.String("alert_id", dup.AlertID))
			if alerts, events, err = r.merge(ctx, dup.AlertID, rep.RunID, alerts, events, existingIDs); err != nil {
				return err
			}
		default:
			return fmt.Errorf("commit run: %w", err)
		}
	}
	r.Metrics.ObserveStage("commit", stage)

	r.afterCommit(ctx, rep, log)
	return nil
}

// evaluate loads the alerts the scores can touch and runs the lifecycle over them. The
// returned set holds the ids that already exist in storage.
func (r *Runner) evaluate(ctx context.Context, runID string, window trades.Window, scores []risk.CompositeScore, evidence alert.EvidenceSource) (*alert.Result, map[string]struct{}, error) {
	rows, err := r.Repo.ListAlertsForEvaluation(ctx, r.Generator.CandidateIDs(window, scores))
	if err != nil {
		return nil, nil, fmt.Errorf("load alerts: %w", err)
	}
	existing, err := repository.AlertsFromRows(rows)
	if err != nil {
		return nil, nil, err
	}
	out, err := r.Generator.Generate(alert.Input{
		RunID:    runID,
		Window:   window,
		Scores:   scores,
		Existing: existing,
		Evidence: evidence,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("generate alerts: %w", err)
	}
	ids := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		ids[a.ID] = struct{}{}
	}
	return out, ids, nil
}

// merge replaces the locally computed new alert id with a merge into the stored one.
func (r *Runner) merge(ctx context.Context, id, runID string, alerts []alert.Alert, events []alert.Event, existingIDs map[string]struct{}) ([]alert.Alert, []alert.Event, error) {
	row, err := r.Repo.GetAlert(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("reload alert %s: %w", id, err)
	}
	stored, err := repository.AlertFromRow(*row)
	if err != nil {
		return nil, nil, err
	}
	existingIDs[id] = struct{}{}

	var nextAlerts []alert.Alert
	var mergedEvent *alert.Event
	for _, a := range alerts {
		if a.ID != id {
			nextAlerts = append(nextAlerts, a)
			continue
		}
		if merged, ev, changed := r.Generator.Merge(stored, a, runID); changed {
			nextAlerts = append(nextAlerts, merged)
			mergedEvent = ev
		}
	}
	var nextEvents []alert.Event
	for _, e := range events {
		if e.AlertID != id {
			nextEvents = append(nextEvents, e)
		}
	}
	if mergedEvent != nil {
		nextEvents = append(nextEvents, *mergedEvent)
	}
	return nextAlerts, nextEvents, nil
}

func (r *Runner) afterCommit(ctx context.Context, rep *Report, log *zap.Logger) {
	if r.Relay != nil {
		n, err := r.Relay.Drain(ctx)
		rep.Published = n
		if err != nil {
			log.Warn("alert events left in outbox", zap.Error(err))
		}
	}
	if r.Archive != nil {
		if err := r.Archive.ArchiveRun(ctx, rep.RunID, rep.Signals, rep.Scores); err != nil {
			log.Warn("archive run", zap.Error(err))
		}
	}
	if r.Metrics != nil {
		for _, s := range rep.Signals {
			r.Metrics.SignalsEmitted.WithLabelValues(s.DetectorID).Inc()
		}
		for _, f := range rep.Failures {
			r.Metrics.DetectorFailures.WithLabelValues(f.DetectorID).Inc()
		}
		for _, e := range rep.Events {
			r.Metrics.AlertEvents.WithLabelValues(string(e.Type)).Inc()
		}
		r.Metrics.TradesProcessed.Add(float64(rep.Trades))
		if n, err := r.Repo.CountActiveAlerts(ctx); err == nil {
			r.Metrics.ActiveAlerts.Set(float64(n))
		}
	}
}

// finish records the terminal state of a run that did not commit.
func (r *Runner) finish(run *models.PipelineRun, rep *Report, started time.Time, err error, log *zap.Logger) {
	status := models.RunStatusSucceeded
	var verr *trades.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		status = models.RunStatusRejected
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = models.RunStatusAborted
	default:
		status = models.RunStatusFailed
	}
	rep.Status = status
	r.Metrics.RunFinished(status, started)

	if err == nil {
		log.Info("pipeline run finished",
			zap.Int("trades", rep.Trades),
			zap.Int("keys", rep.Keys),
			zap.Int("signals", len(rep.Signals)),
			zap.Int("failures", len(rep.Failures)),
			zap.Int("alerts_created", rep.Created),
			zap.Int("alerts_escalated", rep.Escalated),
			zap.Int("alerts_closed", rep.Closed),
			zap.Duration("elapsed", r.now().Sub(started)),
		)
		return
	}

	// Nothing but the run row survives a run that did not commit.
	rep.Alerts, rep.Events = nil, nil
	rep.Created, rep.Escalated, rep.Closed = 0, 0, 0
	fillRun(run, rep, status, r.now())
	run.Error = err.Error()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := r.Repo.FinishRun(ctx, run); ferr != nil {
		log.Error("record run failure", zap.Error(ferr))
	}
	log.Warn("pipeline run did not commit", zap.String("status", status), zap.Error(err))
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return nil
}

func tally(rep *Report) {
	rep.Created, rep.Escalated, rep.Closed = 0, 0, 0
	for _, e := range rep.Events {
		switch e.Type {
		case alert.EventCreated:
			rep.Created++
		case alert.EventEscalated:
			rep.Escalated++
		case alert.EventClosed:
			rep.Closed++
		}
	}
}

func fillRun(run *models.PipelineRun, rep *Report, status string, at time.Time) {
	run.Status = status
	run.Trades = rep.Trades
	run.Keys = rep.Keys
	run.Signals = len(rep.Signals)
	run.Failures = len(rep.Failures)
	run.AlertsCreated = rep.Created
	run.AlertsEscalated = rep.Escalated
	run.AlertsClosed = rep.Closed
	run.FeatureSnapshotID = rep.FeatureSnapshotID
	finished := at
	run.FinishedAt = &finished
}

func buildCommit(run *models.PipelineRun, snap *features.Snapshot, rep *Report, existingIDs map[string]struct{}) (repository.RunCommit, error) {
	c := repository.RunCommit{Run: run}
	var err error
	if c.Snapshot, err = repository.SnapshotRow(snap); err != nil {
		return c, err
	}
	for _, s := range rep.Signals {
		row, err := repository.SignalRow(rep.RunID, s)
		if err != nil {
			return c, err
		}
		c.Signals = append(c.Signals, row)
	}
	for _, f := range rep.Failures {
		c.Failures = append(c.Failures, repository.FailureRow(rep.RunID, f))
	}
	for _, cs := range rep.Scores {
		row, err := repository.ScoreRow(rep.RunID, cs)
		if err != nil {
			return c, err
		}
		c.Scores = append(c.Scores, row)
	}
	for _, a := range rep.Alerts {
		row, err := repository.AlertRow(a)
		if err != nil {
			return c, err
		}
		if _, ok := existingIDs[a.ID]; ok {
			c.UpdatedAlerts = append(c.UpdatedAlerts, row)
		} else {
			c.NewAlerts = append(c.NewAlerts, row)
		}
	}
	for _, e := range rep.Events {
		rev, ok, err := repository.RevisionRow(e)
		if err != nil {
			return c, err
		}
		if ok {
			c.Revisions = append(c.Revisions, rev)
		}
		row, err := repository.AlertEventRow(e)
		if err != nil {
			return c, err
		}
		c.Events = append(c.Events, row)
	}
	return c, nil
}

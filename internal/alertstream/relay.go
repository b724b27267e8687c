package alertstream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
	"github.com/PhilippMayorov/insiderTracker/internal/metrics"
	"github.com/PhilippMayorov/insiderTracker/internal/models"
	"github.com/PhilippMayorov/insiderTracker/internal/repository"
)

// Outbox is the part of the alert repository the relay needs.
type Outbox interface {
	ListUnpublishedEvents(ctx context.Context, limit int) ([]models.AlertEvent, error)
	MarkEventsPublished(ctx context.Context, seqs []uint64, at time.Time) error
}

// Relay moves committed events from the outbox to the publisher. Events are only
// marked published after the publisher accepted them.
type Relay struct {
	Outbox    Outbox
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	BatchSize int
	Now       func() time.Time
}

func NewRelay(outbox Outbox, pub Publisher, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		Outbox:    outbox,
		Publisher: pub,
		Logger:    logger,
		Metrics:   m,
		BatchSize: 200,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Drain publishes pending events until the outbox is empty or a delivery fails.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	if r == nil || r.Outbox == nil || r.Publisher == nil {
		return 0, nil
	}
	total := 0
	for {
		rows, err := r.Outbox.ListUnpublishedEvents(ctx, r.BatchSize)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		events := make([]alert.Event, 0, len(rows))
		seqs := make([]uint64, 0, len(rows))
		for _, row := range rows {
			e, err := repository.AlertEventFromRow(row)
			if err != nil {
				return total, err
			}
			events = append(events, e)
			seqs = append(seqs, row.Seq)
		}
		if err := r.Publisher.Publish(ctx, events); err != nil {
			if r.Metrics != nil {
				r.Metrics.PublishErrors.WithLabelValues(r.Publisher.Name()).Inc()
			}
			r.Logger.Warn("alert stream publish failed", zap.Int("pending", len(events)), zap.Error(err))
			return total, err
		}
		if err := r.Outbox.MarkEventsPublished(ctx, seqs, r.Now()); err != nil {
			return total, err
		}
		total += len(events)
		if len(rows) < r.BatchSize {
			return total, nil
		}
	}
}

// Run drains the outbox on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.Logger.Debug("alert relay drain", zap.Error(err))
			}
		}
	}
}

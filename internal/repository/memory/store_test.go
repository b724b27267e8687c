package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
	"github.com/PhilippMayorov/insiderTracker/internal/models"
	"github.com/PhilippMayorov/insiderTracker/internal/repository"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
	"github.com/PhilippMayorov/insiderTracker/internal/trades/tradetest"
)

func alertRow(id string, score float64, status alert.Status, updated time.Time) models.Alert {
	return models.Alert{ID: id, Wallet: "0x" + id, MarketID: "M", Status: string(status), Score: score, Revision: 1, UpdatedAt: updated, CreatedAt: updated}
}

func TestCommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := tradetest.Base
	require.NoError(t, s.Commit(ctx, repository.RunCommit{NewAlerts: []models.Alert{alertRow("a", 70, alert.StatusOpen, now)}}))

	err := s.Commit(ctx, repository.RunCommit{
		Run:       &models.PipelineRun{ID: "r2", Status: models.RunStatusSucceeded},
		NewAlerts: []models.Alert{alertRow("b", 65, alert.StatusOpen, now), alertRow("a", 80, alert.StatusOpen, now)},
		Events:    []models.AlertEvent{{EventID: "e1", AlertID: "b"}},
	})
	var dup *alert.DuplicateConflictError
	require.True(t, errors.As(err, &dup))
	require.Equal(t, "a", dup.AlertID)

	_, err = s.GetAlert(ctx, "b")
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = s.GetRun(ctx, "r2")
	require.ErrorIs(t, err, repository.ErrNotFound)
	events, err := s.ListAlertEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestCommitRejectsUpdateOfMovedAlert(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := tradetest.Base
	require.NoError(t, s.Commit(ctx, repository.RunCommit{NewAlerts: []models.Alert{alertRow("a", 70, alert.StatusOpen, now)}}))
	loaded, err := s.GetAlert(ctx, "a")
	require.NoError(t, err)

	first := *loaded
	first.StaleCount = 1
	require.NoError(t, s.Commit(ctx, repository.RunCommit{UpdatedAlerts: []models.Alert{first}}))

	second := *loaded
	second.Score = 99
	err = s.Commit(ctx, repository.RunCommit{
		UpdatedAlerts: []models.Alert{second},
		Events:        []models.AlertEvent{{EventID: "e1", AlertID: "a"}},
	})
	var moved *alert.ConcurrentUpdateError
	require.True(t, errors.As(err, &moved))
	require.Equal(t, "a", moved.AlertID)

	stored, err := s.GetAlert(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, stored.StaleCount)
	require.Equal(t, 70.0, stored.Score)
	require.Equal(t, loaded.Version+1, stored.Version)
	events, err := s.ListAlertEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestOutboxSequenceAndPublish(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Commit(ctx, repository.RunCommit{Events: []models.AlertEvent{{EventID: "e1"}, {EventID: "e2"}}}))
	require.NoError(t, s.Commit(ctx, repository.RunCommit{Events: []models.AlertEvent{{EventID: "e3"}}}))

	pending, err := s.ListUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, e := range pending {
		require.Equal(t, uint64(i+1), e.Seq)
	}

	require.NoError(t, s.MarkEventsPublished(ctx, []uint64{1, 2}, tradetest.Base))
	pending, err = s.ListUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "e3", pending[0].EventID)
}

func TestListAlertsOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := tradetest.Base
	require.NoError(t, s.Commit(ctx, repository.RunCommit{NewAlerts: []models.Alert{
		alertRow("a", 60, alert.StatusOpen, base.Add(time.Hour)),
		alertRow("b", 90, alert.StatusEscalated, base),
		alertRow("c", 75, alert.StatusClosed, base.Add(2*time.Hour)),
	}}))

	items, err := s.ListAlerts(ctx, repository.ListAlertsParams{})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, ids(items))

	asc := true
	items, err = s.ListAlerts(ctx, repository.ListAlertsParams{OrderBy: "score", Asc: &asc})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c", "b"}, ids(items))

	items, err = s.ListAlerts(ctx, repository.ListAlertsParams{Limit: 1, Offset: 1, OrderBy: "score"})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids(items))

	active, err := s.CountActiveAlerts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, active)

	eval, err := s.ListAlertsForEvaluation(ctx, []string{"c"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(eval))
}

func TestLoadBatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := tradetest.Market("M", "Will the merger close?", tradetest.At(72*time.Hour))
	in := trades.Batch{
		Trades:  []trades.TradeRecord{tradetest.Buy("t2", "0xa", m, "YES", 0.3, 500, tradetest.At(20*time.Minute))},
		History: []trades.TradeRecord{tradetest.Buy("t1", "0xa", m, "YES", 0.2, 100, tradetest.At(-3*time.Hour))},
		Events:  []trades.MarketEvent{{ID: "ev", MarketID: "M", Label: "filing", At: tradetest.At(30 * time.Minute)}},
	}
	require.NoError(t, s.InsertBatch(ctx, in))
	require.NoError(t, s.InsertBatch(ctx, in))

	w := trades.Window{Start: tradetest.At(0), End: tradetest.At(time.Hour)}
	b, err := s.LoadBatch(ctx, w, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, b.Trades, 1)
	require.Empty(t, b.History)
	require.Len(t, b.Events, 1)

	b, err = s.LoadBatch(ctx, w, 0)
	require.NoError(t, err)
	require.Len(t, b.History, 1)
	require.True(t, b.Trades[0].Price.Equal(in.Trades[0].Price))
	require.Equal(t, "Will the merger close?", b.Trades[0].Market.Question)
}

func ids(items []models.Alert) []string {
	out := make([]string, 0, len(items))
	for _, a := range items {
		out = append(out, a.ID)
	}
	return out
}

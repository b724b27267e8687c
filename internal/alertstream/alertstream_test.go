package alertstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
	"github.com/PhilippMayorov/insiderTracker/internal/models"
	"github.com/PhilippMayorov/insiderTracker/internal/repository"
	"github.com/PhilippMayorov/insiderTracker/internal/repository/memory"
)

type recorder struct {
	got  []alert.Event
	fail error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Publish(_ context.Context, events []alert.Event) error {
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, events...)
	return nil
}

func seedOutbox(t *testing.T, store *memory.Store, n int) {
	t.Helper()
	rows := make([]models.AlertEvent, 0, n)
	for i := 0; i < n; i++ {
		row, err := repository.AlertEventRow(alert.Event{
			ID:       "ev-" + string(rune('a'+i)),
			AlertID:  "al_1",
			Type:     alert.EventCreated,
			Revision: i + 1,
			At:       time.Unix(int64(i), 0).UTC(),
		})
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.NoError(t, store.Commit(context.Background(), repository.RunCommit{Events: rows}))
}

func TestRelayPublishesInSequenceAndMarks(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedOutbox(t, store, 5)
	rec := &recorder{}
	r := NewRelay(store, rec, nil, nil)
	r.BatchSize = 2

	n, err := r.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Len(t, rec.got, 5)
	for i, e := range rec.got {
		require.Equal(t, uint64(i+1), e.Seq)
	}
	pending, err := store.ListUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	n, err = r.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRelayLeavesEventsPendingOnFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedOutbox(t, store, 3)
	r := NewRelay(store, &recorder{fail: errors.New("broker down")}, nil, nil)

	_, err := r.Drain(ctx)
	require.Error(t, err)
	pending, err := store.ListUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{fail: errors.New("boom")}
	err := Multi{ok, bad, nil}.Publish(context.Background(), []alert.Event{{ID: "e1"}})
	require.ErrorContains(t, err, "recorder: boom")
	require.Len(t, ok.got, 1)
}

func TestHubFansOutAndDropsForSlowSubscribers(t *testing.T) {
	h := NewHub(nil)
	fast, cancelFast := h.Subscribe(4)
	defer cancelFast()
	_, cancelSlow := h.Subscribe(1)
	require.Equal(t, 2, h.Subscribers())

	events := []alert.Event{{ID: "e1"}, {ID: "e2"}}
	require.NoError(t, h.Publish(context.Background(), events))
	require.Equal(t, "e1", (<-fast).ID)
	require.Equal(t, "e2", (<-fast).ID)
	require.Equal(t, uint64(1), h.Dropped())

	cancelSlow()
	cancelSlow()
	require.Equal(t, 1, h.Subscribers())
}

func TestKafkaPublisherKeysByAlert(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	sp := mocks.NewSyncProducer(t, cfg)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		key, err := m.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "al_1" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})
	sp.ExpectSendMessageAndSucceed()

	p := NewKafkaPublisherWith(sp, "alerts")
	err := p.Publish(context.Background(), []alert.Event{
		{ID: "e1", AlertID: "al_1", Type: alert.EventCreated, Revision: 1},
		{ID: "e2", AlertID: "al_2", Type: alert.EventCreated, Revision: 1},
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

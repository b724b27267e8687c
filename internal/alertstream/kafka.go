package alertstream

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
	"github.com/PhilippMayorov/insiderTracker/internal/config"
)

// KafkaPublisher writes one message per event keyed by alert id, so a partition
// sees every event of an alert in order.
type KafkaPublisher struct {
	topic string
	sp    sarama.SyncProducer
}

func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if cfg.Topic == "" {
		return nil, errors.New("topic empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no brokers")
	}
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 10
	sc.Producer.Retry.Backoff = 200 * time.Millisecond
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Version = sarama.V2_1_0_0

	sp, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{topic: cfg.Topic, sp: sp}, nil
}

// NewKafkaPublisherWith wraps an existing producer.
func NewKafkaPublisherWith(sp sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{topic: topic, sp: sp}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, events []alert.Event) error {
	if p == nil || p.sp == nil || len(events) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(e.AlertID),
			Value: sarama.ByteEncoder(payload),
			Headers: []sarama.RecordHeader{
				{Key: []byte("event_type"), Value: []byte(e.Type)},
				{Key: []byte("revision"), Value: []byte(strconv.Itoa(e.Revision))},
			},
		})
	}
	// SyncProducer takes no context; check it around the send.
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.sp.SendMessages(msgs)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.sp == nil {
		return nil
	}
	return p.sp.Close()
}

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/custodex/pkg/engine"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events keyed by market, so one market's events land on
// one partition in sequence order.
type KafkaSink struct {
	w messageWriter
}

func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
	}}
}

func (k *KafkaSink) OnEvents(ctx context.Context, market string, events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(wrap(ev))
		if err != nil {
			return fmt.Errorf("encode %s event %d: %w", market, ev.Seq, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(market),
			Value:   value,
			Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type.String())}},
		})
	}
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write %s: %w", market, err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.w.Close() }

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/bloodlink/internal/models"
)

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes JSON events. One writer serves every topic; the
// topic is chosen per message.
type KafkaProducer struct {
	writer        messageWriter
	locationTopic string
}

func NewKafkaProducer(brokers []string, locationTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic}
}

// Publish encodes v as JSON and writes it to topic under key.
func (k *KafkaProducer) Publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b, Time: time.Now()})
}

// PublishLocation emits a donor position keyed by donor id so updates for
// one donor stay ordered on one partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Donor) error {
	return k.Publish(ctx, k.locationTopic, d.ID, d)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

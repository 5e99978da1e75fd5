package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// KafkaPublisher writes events to a Kafka topic keyed by domain id, so every
// event of one domain lands on the same partition in order.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher connects to brokers. The client is lazy; connection errors
// surface on the first Publish or EnsureTopic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger, opts ...kgo.Opt) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no seed brokers")
	}
	if topic == "" {
		return nil, errors.New("kafka: empty topic")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger}, nil
}

// EnsureTopic creates the topic if it does not exist yet.
func (p *KafkaPublisher) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	adm := kadm.NewClient(p.client)
	resp, err := adm.CreateTopic(ctx, partitions, replication, nil, p.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", p.topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", p.topic, resp.Err)
	}
	return nil
}

// Publish implements Publisher. It waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	rec := &kgo.Record{
		Key:   []byte(e.DomainID.String()),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", e.Type, err)
	}
	p.logger.Debug("event published",
		zap.String("type", e.Type),
		zap.String("domain_id", e.DomainID.String()),
		zap.String("topic", p.topic),
	)
	return nil
}

// Close flushes and closes the client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

// Package kafka publishes change events to Kafka topics named
// <prefix>.<database>.<table>.<action>. Records are keyed by the record ID, so the events of one
// row stay ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/edgeflare/quarry/pkg/feed"
	"go.uber.org/zap"
)

type Publisher struct {
	producer sarama.SyncProducer
	config   Config
	logger   *zap.Logger
}

func (p *Publisher) Connect(config map[string]any, logger *zap.Logger) error {
	var cfg Config
	if err := feed.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	p.config = cfg.withDefaults()
	p.logger = logger
	if p.logger == nil {
		p.logger = zap.NewNop()
	}

	saramaConfig, err := p.config.SaramaConfig()
	if err != nil {
		return err
	}

	producer, err := sarama.NewSyncProducer(p.config.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	p.producer = producer
	return nil
}

func (p *Publisher) Publish(ctx context.Context, event feed.Event) error {
	if p.producer == nil {
		return feed.ErrConnNotInitialized
	}

	msg, err := p.message(event)
	if err != nil {
		return err
	}

	// SyncProducer has no context; abandon the wait on cancellation and let it finish.
	type result struct {
		partition int32
		offset    int64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		partition, offset, err := p.producer.SendMessage(msg)
		done <- result{partition, offset, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("failed to publish message: %w", r.err)
		}
		p.logger.Debug("published message",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", r.partition),
			zap.Int64("offset", r.offset))
		return nil
	}
}

func (p *Publisher) message(event feed.Event) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal change event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: event.Subject(p.config.TopicPrefix, "."),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-id"), Value: []byte(event.ID)},
		},
	}
	if event.RecordID != "" {
		msg.Key = sarama.StringEncoder(event.RecordID)
	}
	return msg, nil
}

func (p *Publisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

func init() {
	feed.RegisterConnector(feed.ConnectorKafka, func() feed.Connector { return &Publisher{} })
}

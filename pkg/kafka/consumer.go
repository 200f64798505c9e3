package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"frameworks/pkg/logging"
)

// Message is a decoded Kafka record handed to a Handler.
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one message. Returning an error wrapping ErrPoison
// dead-letters the message; any other error blocks its partition until
// restart.
type Handler func(ctx context.Context, msg Message) error

// Consumer routes records from subscribed topics to per-topic handlers and
// commits only offsets that were handled.
type Consumer struct {
	client   *kgo.Client
	logger   logging.Logger
	groupID  string
	handlers map[string]Handler
	mu       sync.RWMutex

	dlq      Publisher
	dlqTopic string
}

// NewConsumer joins groupID on the given brokers.
func NewConsumer(brokers []string, groupID, clientID string, logger logging.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ClientID(clientID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:   client,
		logger:   logger,
		groupID:  groupID,
		handlers: make(map[string]Handler),
	}, nil
}

// WithDeadLetter sends poison messages to topic through pub.
func (c *Consumer) WithDeadLetter(pub Publisher, topic string) *Consumer {
	c.dlq = pub
	c.dlqTopic = topic
	return c
}

// AddHandler registers a handler for topic and subscribes to it.
func (c *Consumer) AddHandler(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[topic] = handler
	if c.client != nil {
		c.client.AddConsumeTopics(topic)
	}
}

func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

// Start polls until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches := c.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Errorf("errors while polling: %v", errs)
			continue
		}

		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) { records = append(records, r) })

		if commit := c.processRecords(ctx, records); len(commit) > 0 {
			if err := c.client.CommitRecords(ctx, commit...); err != nil {
				c.logger.WithError(err).Error("failed to commit records")
			}
		}
		c.client.AllowRebalance()
	}
}

type topicPartition struct {
	topic     string
	partition int32
}

func (c *Consumer) processRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	blocked := make(map[topicPartition]bool)
	lastDone := make(map[topicPartition]*kgo.Record)

	for _, record := range records {
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		if blocked[tp] {
			// Later offsets stay uncommitted so the failed record is redelivered.
			continue
		}

		c.mu.RLock()
		handler, ok := c.handlers[record.Topic]
		c.mu.RUnlock()
		if !ok {
			c.logger.WithField("topic", record.Topic).Warn("No handler registered for topic")
			lastDone[tp] = record
			continue
		}

		msg := toMessage(record)
		err := handler(ctx, msg)
		switch {
		case err == nil:
			lastDone[tp] = record
		case errors.Is(err, ErrPoison) && c.deadLetter(ctx, msg, err):
			lastDone[tp] = record
		default:
			c.logger.WithError(err).WithFields(logging.Fields{
				"topic":     record.Topic,
				"partition": record.Partition,
				"offset":    record.Offset,
			}).Error("Failed to handle message - will retry on restart")
			blocked[tp] = true
		}
	}

	commit := make([]*kgo.Record, 0, len(lastDone))
	for _, record := range lastDone {
		commit = append(commit, record)
	}
	return commit
}

// deadLetter reports whether msg was parked and may be committed.
func (c *Consumer) deadLetter(ctx context.Context, msg Message, cause error) bool {
	fields := logging.Fields{"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset}
	if c.dlq == nil {
		c.logger.WithError(cause).WithFields(fields).Warn("Dropping poison message")
		return true
	}
	payload, err := EncodeDLQMessage(msg, cause, c.groupID)
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Error("Failed to encode dead letter")
		return false
	}
	if err := c.dlq.Publish(ctx, c.dlqTopic, msg.Key, payload, map[string]string{"source_topic": msg.Topic}); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("Failed to publish dead letter")
		return false
	}
	return true
}

func toMessage(record *kgo.Record) Message {
	hdrs := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		hdrs[h.Key] = string(h.Value)
	}
	return Message{
		Key:       record.Key,
		Value:     record.Value,
		Headers:   hdrs,
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Timestamp: record.Timestamp,
	}
}

func (c *Consumer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

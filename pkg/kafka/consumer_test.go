package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type recordingPublisher struct {
	topics []string
	values [][]byte
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _, value []byte, _ map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

func newTestConsumer() *Consumer {
	return &Consumer{logger: logrus.New(), groupID: "lookout", handlers: make(map[string]Handler)}
}

func commitKeys(records []*kgo.Record) []string {
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, fmt.Sprintf("%s:%d:%d", r.Topic, r.Partition, r.Offset))
	}
	sort.Strings(keys)
	return keys
}

func TestConsumerProcessRecordsBlocksPartitionOnFailure(t *testing.T) {
	c := newTestConsumer()
	var handled []string
	c.AddHandler("webhook_status", func(_ context.Context, msg Message) error {
		handled = append(handled, fmt.Sprintf("%d:%d", msg.Partition, msg.Offset))
		if msg.Partition == 0 && msg.Offset == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})

	commit := c.processRecords(context.Background(), []*kgo.Record{
		{Topic: "webhook_status", Partition: 0, Offset: 0},
		{Topic: "webhook_status", Partition: 0, Offset: 1},
		{Topic: "webhook_status", Partition: 0, Offset: 2},
		{Topic: "webhook_status", Partition: 1, Offset: 0},
		{Topic: "webhook_status", Partition: 1, Offset: 1},
	})

	require.ElementsMatch(t, []string{"0:0", "0:1", "1:0", "1:1"}, handled)
	require.Equal(t, []string{"webhook_status:0:0", "webhook_status:1:1"}, commitKeys(commit))
}

func TestConsumerDeadLettersPoisonMessages(t *testing.T) {
	pub := &recordingPublisher{}
	c := newTestConsumer().WithDeadLetter(pub, "webhook_status.dlq")
	c.AddHandler("webhook_status", func(_ context.Context, msg Message) error {
		if string(msg.Value) == "garbage" {
			return fmt.Errorf("decode: %w", ErrPoison)
		}
		return nil
	})

	commit := c.processRecords(context.Background(), []*kgo.Record{
		{Topic: "webhook_status", Partition: 0, Offset: 4, Value: []byte("garbage")},
		{Topic: "webhook_status", Partition: 0, Offset: 5, Value: []byte(`{}`)},
	})

	require.Equal(t, []string{"webhook_status:0:5"}, commitKeys(commit))
	require.Equal(t, []string{"webhook_status.dlq"}, pub.topics)

	var payload DLQPayload
	require.NoError(t, json.Unmarshal(pub.values[0], &payload))
	require.Equal(t, int64(4), payload.Offset)
	require.Equal(t, "lookout", payload.Consumer)
	require.Contains(t, payload.Error, "poison message")
}

func TestConsumerBlocksWhenDeadLetterFails(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	c := newTestConsumer().WithDeadLetter(pub, "webhook_status.dlq")
	c.AddHandler("webhook_status", func(context.Context, Message) error { return ErrPoison })

	commit := c.processRecords(context.Background(), []*kgo.Record{
		{Topic: "webhook_status", Partition: 0, Offset: 0},
		{Topic: "webhook_status", Partition: 0, Offset: 1},
	})
	require.Empty(t, commit)
}

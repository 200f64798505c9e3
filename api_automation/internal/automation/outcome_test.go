package automation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"frameworks/api_automation/internal/social"
)

type recordingPublisher struct {
	mu      sync.Mutex
	keys    []string
	values  [][]byte
	headers []map[string]string
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, key, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, string(key))
	p.values = append(p.values, value)
	p.headers = append(p.headers, headers)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.values)
}

func TestKafkaOutcomeSinkPublishesAndFlushes(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewKafkaOutcomeSink(pub, "automation.outcomes", 4, logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()

	sink.Record(OutcomeRecord{ID: "o1", WorkspaceID: "ws-1", RuleID: "r1", Action: social.ActionDM, Outcome: OutcomeAbandoned})
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	sink.Record(OutcomeRecord{ID: "o2", WorkspaceID: "ws-1"})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, "ws-1", pub.keys[0])
	require.Equal(t, map[string]string{"outcome": "abandoned", "action": "dm"}, pub.headers[0])
	var rec OutcomeRecord
	require.NoError(t, json.Unmarshal(pub.values[0], &rec))
	require.Equal(t, "r1", rec.RuleID)
}

func TestKafkaOutcomeSinkDropsWhenFull(t *testing.T) {
	sink := NewKafkaOutcomeSink(&recordingPublisher{}, "t", 1, logrus.New())
	sink.Record(OutcomeRecord{ID: "o1"})
	sink.Record(OutcomeRecord{ID: "o2"})
	require.Len(t, sink.queue, 1)
}

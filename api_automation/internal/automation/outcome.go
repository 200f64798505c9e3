package automation

import (
	"context"
	"time"

	"frameworks/api_automation/internal/social"
	"frameworks/pkg/kafka"
	"frameworks/pkg/logging"
)

type Outcome string

const (
	OutcomeFired     Outcome = "fired"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeThrottled Outcome = "throttled"
)

// OutcomeRecord is the audit trail for one planned action.
type OutcomeRecord struct {
	ID          string            `json:"id"`
	FiringID    string            `json:"firingId"`
	WorkspaceID string            `json:"workspaceId"`
	RuleID      string            `json:"ruleId"`
	EventID     string            `json:"eventId"`
	Action      social.ActionKind `json:"action"`
	Target      string            `json:"target"`
	Text        string            `json:"text"`
	Outcome     Outcome           `json:"outcome"`
	Error       string            `json:"error,omitempty"`
	ScheduledAt time.Time         `json:"scheduledAt"`
	At          time.Time         `json:"at"`
}

// OutcomeSink receives every action outcome. Record must not block.
type OutcomeSink interface {
	Record(rec OutcomeRecord)
}

type OutcomeSinkFunc func(rec OutcomeRecord)

func (f OutcomeSinkFunc) Record(rec OutcomeRecord) { f(rec) }

// KafkaOutcomeSink publishes outcome records keyed by workspace from a
// bounded buffer. Records are dropped with a warning when it is full.
type KafkaOutcomeSink struct {
	pub    kafka.Publisher
	topic  string
	logger logging.Logger
	queue  chan OutcomeRecord
}

func NewKafkaOutcomeSink(pub kafka.Publisher, topic string, buffer int, logger logging.Logger) *KafkaOutcomeSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaOutcomeSink{pub: pub, topic: topic, logger: logger, queue: make(chan OutcomeRecord, buffer)}
}

func (s *KafkaOutcomeSink) Record(rec OutcomeRecord) {
	select {
	case s.queue <- rec:
	default:
		s.logger.WithFields(logging.Fields{
			"workspace_id": rec.WorkspaceID,
			"rule_id":      rec.RuleID,
			"outcome":      rec.Outcome,
		}).Warn("Outcome buffer full, dropping audit record")
	}
}

// Run publishes queued records until ctx is done, then flushes what is
// already buffered.
func (s *KafkaOutcomeSink) Run(ctx context.Context) {
	for {
		select {
		case rec := <-s.queue:
			s.publish(ctx, rec)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case rec := <-s.queue:
					s.publish(flushCtx, rec)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaOutcomeSink) publish(ctx context.Context, rec OutcomeRecord) {
	headers := map[string]string{"outcome": string(rec.Outcome), "action": string(rec.Action)}
	if err := kafka.PublishJSON(ctx, s.pub, s.topic, rec.WorkspaceID, rec, headers); err != nil {
		s.logger.WithError(err).WithField("workspace_id", rec.WorkspaceID).Error("Failed to publish action outcome")
	}
}

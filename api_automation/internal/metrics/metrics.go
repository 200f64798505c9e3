// Package metrics defines lookout's Prometheus series. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"frameworks/pkg/monitoring"
)

type Metrics struct {
	EventsReceived   *prometheus.CounterVec
	EventsDeduped    *prometheus.CounterVec
	EventsMalformed  *prometheus.CounterVec
	ConnectionStates *prometheus.GaugeVec
	Reconnects       *prometheus.CounterVec
	Polls            *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec
	RuleMatches      *prometheus.CounterVec
	RuleConfigErrors *prometheus.CounterVec
	DispatchOutcomes *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	WebhookReports   *prometheus.CounterVec
}

func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		EventsReceived:   mc.NewCounter("events_received_total", "Social events delivered downstream", []string{"origin", "category"}),
		EventsDeduped:    mc.NewCounter("events_deduplicated_total", "Events suppressed as duplicates", []string{"origin"}),
		EventsMalformed:  mc.NewCounter("events_malformed_total", "Undecodable push payloads dropped", []string{"source"}),
		ConnectionStates: mc.NewGauge("connection_states", "Workspaces per push connection state", []string{"state"}),
		Reconnects:       mc.NewCounter("reconnect_attempts_total", "Push channel connect attempts", []string{"result"}),
		Polls:            mc.NewCounter("polls_total", "Polling fallback executions", []string{"status"}),
		PollDuration:     mc.NewHistogram("poll_duration_seconds", "Polling fallback latency", []string{"status"}, nil),
		RuleMatches:      mc.NewCounter("rule_matches_total", "Rules matched by inbound events", []string{"rule_type"}),
		RuleConfigErrors: mc.NewCounter("rule_config_errors_total", "Rules skipped for malformed configuration", nil),
		DispatchOutcomes: mc.NewCounter("dispatch_outcomes_total", "Automation actions by outcome", []string{"action", "outcome"}),
		DispatchDuration: mc.NewHistogram("dispatch_duration_seconds", "Platform action latency", []string{"action"}, nil),
		WebhookReports:   mc.NewCounter("webhook_status_reports_total", "Webhook delivery reports consumed", []string{"status"}),
	}
}

func (m *Metrics) EventReceived(origin, category string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(origin, category).Inc()
}

func (m *Metrics) EventDeduped(origin string) {
	if m == nil {
		return
	}
	m.EventsDeduped.WithLabelValues(origin).Inc()
}

func (m *Metrics) EventMalformed(source string) {
	if m == nil {
		return
	}
	m.EventsMalformed.WithLabelValues(source).Inc()
}

// StateTransition moves one workspace between connection state gauges.
// Empty from or to skips that side.
func (m *Metrics) StateTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.ConnectionStates.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.ConnectionStates.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) ReconnectAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) PollCompleted(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(status).Inc()
	m.PollDuration.WithLabelValues(status).Observe(took.Seconds())
}

func (m *Metrics) RuleMatched(ruleType string) {
	if m == nil {
		return
	}
	m.RuleMatches.WithLabelValues(ruleType).Inc()
}

func (m *Metrics) RuleConfigError() {
	if m == nil {
		return
	}
	m.RuleConfigErrors.WithLabelValues().Inc()
}

func (m *Metrics) DispatchOutcome(action, outcome string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) DispatchTook(action string, took time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(action).Observe(took.Seconds())
}

func (m *Metrics) WebhookReport(status string) {
	if m == nil {
		return
	}
	m.WebhookReports.WithLabelValues(status).Inc()
}

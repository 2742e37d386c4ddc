package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the submission pipeline.
//
// All methods are safe on a nil *Metrics so components can run without
// metrics wired in.
type Metrics struct {
	// SubmissionCounter counts terminal submissions.
	// Labels: outcome (completed|aborted|failed|duplicate)
	SubmissionCounter *prometheus.CounterVec

	// SubmissionDuration measures end-to-end submission time in seconds.
	SubmissionDuration *prometheus.HistogramVec

	// ActiveSubmissions tracks submissions currently running.
	ActiveSubmissions prometheus.Gauge

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|timeout|aborted)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ConfirmationCounter counts confirmation outcomes.
	// Labels: tool_name, outcome (approved|denied|timeout)
	ConfirmationCounter *prometheus.CounterVec

	// ScheduledTaskCounter counts scheduler task runs.
	// Labels: outcome (completed|retry|failed)
	ScheduledTaskCounter *prometheus.CounterVec

	// EventCounter counts journal events by type.
	EventCounter *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmissionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsubmit_submissions_total",
				Help: "Total number of submissions by outcome",
			},
			[]string{"outcome"},
		),
		SubmissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatsubmit_submission_duration_seconds",
				Help:    "Duration of submissions in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		ActiveSubmissions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsubmit_active_submissions",
				Help: "Number of submissions currently running",
			},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsubmit_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsubmit_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatsubmit_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ConfirmationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsubmit_tool_confirmations_total",
				Help: "Total number of tool confirmations by tool and outcome",
			},
			[]string{"tool_name", "outcome"},
		),
		ScheduledTaskCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsubmit_scheduled_tasks_total",
				Help: "Total number of scheduled task runs by outcome",
			},
			[]string{"outcome"},
		),
		EventCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsubmit_events_total",
				Help: "Total number of journal events by type",
			},
			[]string{"type"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.SubmissionCounter,
			m.SubmissionDuration,
			m.ActiveSubmissions,
			m.LLMTokensUsed,
			m.ToolExecutionCounter,
			m.ToolExecutionDuration,
			m.ConfirmationCounter,
			m.ScheduledTaskCounter,
			m.EventCounter,
		)
	}
	return m
}

// SubmissionStarted increments the active gauge.
func (m *Metrics) SubmissionStarted() {
	if m == nil {
		return
	}
	m.ActiveSubmissions.Inc()
}

// SubmissionFinished records a terminal submission.
func (m *Metrics) SubmissionFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSubmissions.Dec()
	m.SubmissionCounter.WithLabelValues(outcome).Inc()
	m.SubmissionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SubmissionRejected counts a duplicate submission id.
func (m *Metrics) SubmissionRejected() {
	if m == nil {
		return
	}
	m.SubmissionCounter.WithLabelValues("duplicate").Inc()
}

// RecordTokens records token usage for a model response.
func (m *Metrics) RecordTokens(provider, model string, prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completion))
	}
}

// RecordToolExecution records a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

// RecordConfirmation records a confirmation outcome.
func (m *Metrics) RecordConfirmation(toolName, outcome string) {
	if m == nil {
		return
	}
	m.ConfirmationCounter.WithLabelValues(toolName, outcome).Inc()
}

// RecordScheduledTask records a scheduler task run.
func (m *Metrics) RecordScheduledTask(outcome string) {
	if m == nil {
		return
	}
	m.ScheduledTaskCounter.WithLabelValues(outcome).Inc()
}

// RecordEvent counts a journal event.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(eventType).Inc()
}

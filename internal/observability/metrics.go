package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the review orchestrator.
// Metrics are organized by subsystem: workflows, stages, progress, paper
// sources, LLM calls and PDF downloads. All collectors are registered via
// promauto with the default Prometheus registry.
//
// Record methods are safe to call on a nil *Metrics, which lets tests and the
// operator CLI run components without a registry.
type Metrics struct {
	// WorkflowsStarted counts pipeline runs started (execute, resume or rerun).
	WorkflowsStarted *prometheus.CounterVec

	// WorkflowsCompleted counts runs that reached the final stage.
	WorkflowsCompleted prometheus.Counter

	// WorkflowsFailed counts runs that ended with a hard stage failure.
	WorkflowsFailed prometheus.Counter

	// WorkflowsPaused counts runs that stopped for human review.
	WorkflowsPaused prometheus.Counter

	// WorkflowDuration observes run duration in seconds, labeled by outcome.
	WorkflowDuration *prometheus.HistogramVec

	// StageExecutions counts stage executions by stage and outcome
	// (completed, failed, needs_review).
	StageExecutions *prometheus.CounterVec

	// StageDuration observes stage execution time in seconds.
	StageDuration *prometheus.HistogramVec

	// StageRetries counts retry attempts by stage.
	StageRetries *prometheus.CounterVec

	// StageCost accumulates stage cost in USD.
	StageCost *prometheus.CounterVec

	// StagesSkipped counts stages skipped by mode or caller request.
	StagesSkipped *prometheus.CounterVec

	// ProgressFlushFailures counts progress snapshots that could not be persisted.
	ProgressFlushFailures *prometheus.CounterVec

	// SourceRequestsTotal counts HTTP requests to paper source APIs, labeled by source and endpoint.
	SourceRequestsTotal *prometheus.CounterVec

	// SourceRequestsFailed counts failed paper source requests by source, endpoint and error type.
	SourceRequestsFailed *prometheus.CounterVec

	// SourceRequestDuration observes paper source request duration in seconds.
	SourceRequestDuration *prometheus.HistogramVec

	// SourceRateLimited counts rate-limited responses from paper source APIs.
	SourceRateLimited *prometheus.CounterVec

	// LLMRequestsTotal counts LLM requests by stage and model.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRequestsFailed counts failed LLM requests by stage, model and error type.
	LLMRequestsFailed *prometheus.CounterVec

	// LLMRequestDuration observes LLM request duration in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed counts tokens by stage, model and direction (input, output).
	LLMTokensUsed *prometheus.CounterVec

	// PDFDownloads counts full-text download attempts by outcome.
	PDFDownloads *prometheus.CounterVec

	// PDFBytes counts downloaded PDF bytes.
	PDFBytes prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	stageBuckets := []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}

	return &Metrics{
		// Workflows
		WorkflowsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Total number of pipeline runs started",
		}, []string{"trigger"}),
		WorkflowsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Total number of workflows completed",
		}),
		WorkflowsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_failed_total",
			Help:      "Total number of workflows that failed",
		}),
		WorkflowsPaused: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_paused_total",
			Help:      "Total number of workflows paused for human review",
		}),
		WorkflowDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets:   []float64{10, 60, 300, 600, 1800, 3600, 7200, 14400, 28800},
		}, []string{"outcome"}),

		// Stages
		StageExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Total number of stage executions by outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions in seconds",
			Buckets:   stageBuckets,
		}, []string{"stage"}),
		StageRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of stage retry attempts",
		}, []string{"stage"}),
		StageCost: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_cost_usd_total",
			Help:      "Accumulated stage cost in USD",
		}, []string{"stage"}),
		StagesSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_skipped_total",
			Help:      "Total number of skipped stages",
		}, []string{"stage", "reason"}),

		// Progress
		ProgressFlushFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_flush_failures_total",
			Help:      "Total number of progress snapshots that failed to persist",
		}, []string{"stage"}),

		// Sources
		SourceRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Total number of requests to paper source APIs",
		}, []string{"source", "endpoint"}),
		SourceRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_failed_total",
			Help:      "Total number of failed requests to paper source APIs",
		}, []string{"source", "endpoint", "error_type"}),
		SourceRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_duration_seconds",
			Help:      "Duration of paper source API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source", "endpoint"}),
		SourceRateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_rate_limited_total",
			Help:      "Total number of rate-limited responses from paper sources",
		}, []string{"source"}),

		// LLM
		LLMRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		}, []string{"stage", "model"}),
		LLMRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_failed_total",
			Help:      "Total number of failed LLM requests",
		}, []string{"stage", "model", "error_type"}),
		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM requests in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"stage", "model"}),
		LLMTokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Total number of LLM tokens used",
		}, []string{"stage", "model", "type"}),

		// PDF
		PDFDownloads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdf_downloads_total",
			Help:      "Total number of PDF download attempts by outcome",
		}, []string{"outcome"}),
		PDFBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdf_downloaded_bytes_total",
			Help:      "Total number of PDF bytes downloaded",
		}),
	}
}

// RecordWorkflowStarted records a pipeline run start; trigger is execute, resume or rerun.
func (m *Metrics) RecordWorkflowStarted(trigger string) {
	if m == nil {
		return
	}
	m.WorkflowsStarted.WithLabelValues(trigger).Inc()
}

// RecordWorkflowCompleted records a completed workflow.
func (m *Metrics) RecordWorkflowCompleted(durationSeconds float64) {
	if m == nil {
		return
	}
	m.WorkflowsCompleted.Inc()
	m.WorkflowDuration.WithLabelValues("completed").Observe(durationSeconds)
}

// RecordWorkflowFailed records a failed workflow.
func (m *Metrics) RecordWorkflowFailed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.WorkflowsFailed.Inc()
	m.WorkflowDuration.WithLabelValues("failed").Observe(durationSeconds)
}

// RecordWorkflowPaused records a workflow stopping for human review.
func (m *Metrics) RecordWorkflowPaused(durationSeconds float64) {
	if m == nil {
		return
	}
	m.WorkflowsPaused.Inc()
	m.WorkflowDuration.WithLabelValues("needs_review").Observe(durationSeconds)
}

// RecordStageExecution records one stage execution with its outcome, cost and retries.
func (m *Metrics) RecordStageExecution(stage, outcome string, durationSeconds, cost float64, retries int) {
	if m == nil {
		return
	}
	m.StageExecutions.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if cost > 0 {
		m.StageCost.WithLabelValues(stage).Add(cost)
	}
	if retries > 0 {
		m.StageRetries.WithLabelValues(stage).Add(float64(retries))
	}
}

// RecordStageSkipped records a skipped stage; reason is mode or request.
func (m *Metrics) RecordStageSkipped(stage, reason string) {
	if m == nil {
		return
	}
	m.StagesSkipped.WithLabelValues(stage, reason).Inc()
}

// RecordProgressFlushFailure records a failed progress snapshot write.
func (m *Metrics) RecordProgressFlushFailure(stage string) {
	if m == nil {
		return
	}
	m.ProgressFlushFailures.WithLabelValues(stage).Inc()
}

// RecordSourceRequest records a paper source API request.
func (m *Metrics) RecordSourceRequest(source, endpoint string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SourceRequestsTotal.WithLabelValues(source, endpoint).Inc()
	m.SourceRequestDuration.WithLabelValues(source, endpoint).Observe(durationSeconds)
}

// RecordSourceRequestFailed records a failed paper source API request.
func (m *Metrics) RecordSourceRequestFailed(source, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.SourceRequestsFailed.WithLabelValues(source, endpoint, errorType).Inc()
}

// RecordSourceRateLimited records a rate-limited paper source response.
func (m *Metrics) RecordSourceRateLimited(source string) {
	if m == nil {
		return
	}
	m.SourceRateLimited.WithLabelValues(source).Inc()
}

// RecordLLMRequest records a successful LLM request.
func (m *Metrics) RecordLLMRequest(stage, model string, durationSeconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(stage, model).Inc()
	m.LLMRequestDuration.WithLabelValues(stage, model).Observe(durationSeconds)
	m.LLMTokensUsed.WithLabelValues(stage, model, "input").Add(float64(inputTokens))
	m.LLMTokensUsed.WithLabelValues(stage, model, "output").Add(float64(outputTokens))
}

// RecordLLMRequestFailed records a failed LLM request.
func (m *Metrics) RecordLLMRequestFailed(stage, model, errorType string) {
	if m == nil {
		return
	}
	m.LLMRequestsFailed.WithLabelValues(stage, model, errorType).Inc()
}

// RecordPDFDownload records a PDF download attempt; outcome is retrieved, missing or rejected.
func (m *Metrics) RecordPDFDownload(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.PDFDownloads.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.PDFBytes.Add(float64(bytes))
	}
}

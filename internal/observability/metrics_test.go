package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// promauto registers metrics globally, so every test uses its own namespace.

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test_orch_new")

	assert.NotNil(t, m.WorkflowsStarted)
	assert.NotNil(t, m.WorkflowsCompleted)
	assert.NotNil(t, m.StageExecutions)
	assert.NotNil(t, m.ProgressFlushFailures)
	assert.NotNil(t, m.SourceRequestsTotal)
	assert.NotNil(t, m.LLMTokensUsed)
	assert.NotNil(t, m.PDFDownloads)
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m := NewMetrics("test_orch_workflow")

	m.RecordWorkflowStarted("execute")
	m.RecordWorkflowStarted("resume")
	m.RecordWorkflowStarted("resume")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkflowsStarted.WithLabelValues("execute")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkflowsStarted.WithLabelValues("resume")))

	m.RecordWorkflowCompleted(120)
	m.RecordWorkflowFailed(30)
	m.RecordWorkflowPaused(15)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkflowsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkflowsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkflowsPaused))

	count, err := getHistogramSampleCount(m.WorkflowDuration.WithLabelValues("completed").(prometheus.Histogram))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestRecordStageExecution(t *testing.T) {
	m := NewMetrics("test_orch_stage")

	m.RecordStageExecution("screen", "completed", 12.5, 0.42, 2)
	m.RecordStageExecution("screen", "failed", 1, 0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageExecutions.WithLabelValues("screen", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageExecutions.WithLabelValues("screen", "failed")))
	assert.InDelta(t, 0.42, testutil.ToFloat64(m.StageCost.WithLabelValues("screen")), 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StageRetries.WithLabelValues("screen")))

	count, err := getHistogramSampleCount(m.StageDuration.WithLabelValues("screen").(prometheus.Histogram))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestRecordStageSkippedAndFlushFailure(t *testing.T) {
	m := NewMetrics("test_orch_skip_flush")

	m.RecordStageSkipped("rob", "mode")
	m.RecordProgressFlushFailure("extract")
	m.RecordProgressFlushFailure("extract")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StagesSkipped.WithLabelValues("rob", "mode")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProgressFlushFailures.WithLabelValues("extract")))
}

func TestRecordSourceAndLLM(t *testing.T) {
	m := NewMetrics("test_orch_source_llm")

	m.RecordSourceRequest("openalex", "works", 0.3)
	m.RecordSourceRequestFailed("openalex", "works", "timeout")
	m.RecordSourceRateLimited("pubmed")
	m.RecordLLMRequest("screen", "gpt-4o-mini", 1.2, 500, 40)
	m.RecordLLMRequestFailed("screen", "gpt-4o-mini", "rate_limited")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRequestsTotal.WithLabelValues("openalex", "works")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRequestsFailed.WithLabelValues("openalex", "works", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRateLimited.WithLabelValues("pubmed")))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("screen", "gpt-4o-mini", "input")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("screen", "gpt-4o-mini", "output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMRequestsFailed.WithLabelValues("screen", "gpt-4o-mini", "rate_limited")))
}

func TestRecordPDFDownload(t *testing.T) {
	m := NewMetrics("test_orch_pdf")

	m.RecordPDFDownload("retrieved", 2048)
	m.RecordPDFDownload("missing", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PDFDownloads.WithLabelValues("retrieved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PDFDownloads.WithLabelValues("missing")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.PDFBytes))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWorkflowStarted("execute")
		m.RecordWorkflowCompleted(1)
		m.RecordWorkflowFailed(1)
		m.RecordWorkflowPaused(1)
		m.RecordStageExecution("search", "completed", 1, 0.1, 1)
		m.RecordStageSkipped("rob", "mode")
		m.RecordProgressFlushFailure("screen")
		m.RecordSourceRequest("openalex", "works", 1)
		m.RecordSourceRequestFailed("openalex", "works", "x")
		m.RecordSourceRateLimited("openalex")
		m.RecordLLMRequest("screen", "m", 1, 1, 1)
		m.RecordLLMRequestFailed("screen", "m", "x")
		m.RecordPDFDownload("retrieved", 1)
	})
}

func getHistogramSampleCount(h prometheus.Histogram) (uint64, error) {
	ch := make(chan prometheus.Metric, 1)
	h.Collect(ch)
	close(ch)

	var m prometheus.Metric
	for m = range ch {
		break
	}

	var metric = &dto.Metric{}
	if err := m.Write(metric); err != nil {
		return 0, err
	}

	return metric.Histogram.GetSampleCount(), nil
}

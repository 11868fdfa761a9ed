// Package observability provides structured logging and Prometheus metrics
// for the review orchestrator.
//
// Loggers are zerolog values built by NewLogger and enriched per component:
//
//	logger := observability.NewLogger(cfg)
//	logger = observability.WithWorkflowContext(logger, wf.ID.String(), wf.Mode)
//	logger = observability.WithStageContext(logger, string(stage), attempt)
//
// Metrics are created once per process with NewMetrics and passed to the
// orchestrator, progress trackers, paper sources and LLM clients. Every
// Record method tolerates a nil receiver.
//
// Standard fields: workflow_id, mode, stage, attempt, source, component,
// request_id.
package observability

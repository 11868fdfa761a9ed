package observability

import (
	"fmt"

	"github.com/rs/zerolog"
)

// sdkFieldNames maps the Temporal SDK's key names onto snake_case fields.
// The SDK's workflow ID is "review-<uuid>", so it gets its own key instead
// of shadowing workflow_id.
var sdkFieldNames = map[string]string{
	"WorkflowID":   "temporal_workflow_id",
	"RunID":        "run_id",
	"WorkflowType": "workflow_type",
	"ActivityID":   "activity_id",
	"ActivityType": "activity_type",
	"Attempt":      "attempt",
	"TaskQueue":    "task_queue",
	"Namespace":    "namespace",
	"Error":        "error",
}

// TemporalLogger adapts zerolog to the Temporal SDK's log.Logger.
type TemporalLogger struct {
	logger zerolog.Logger
}

// NewTemporalLogger tags every SDK line with component=temporal-sdk.
func NewTemporalLogger(logger zerolog.Logger) *TemporalLogger {
	return &TemporalLogger{logger: logger.With().Str("component", "temporal-sdk").Logger()}
}

func (l *TemporalLogger) Debug(msg string, keyvals ...any) { l.emit(l.logger.Debug(), msg, keyvals) }
func (l *TemporalLogger) Info(msg string, keyvals ...any)  { l.emit(l.logger.Info(), msg, keyvals) }
func (l *TemporalLogger) Warn(msg string, keyvals ...any)  { l.emit(l.logger.Warn(), msg, keyvals) }
func (l *TemporalLogger) Error(msg string, keyvals ...any) { l.emit(l.logger.Error(), msg, keyvals) }

func (l *TemporalLogger) emit(ev *zerolog.Event, msg string, keyvals []any) {
	if ev == nil {
		return
	}
	ev.Fields(sdkFields(keyvals)).Msg(msg)
}

// sdkFields pairs up alternating keys and values. A trailing key without a
// value is dropped.
func sdkFields(keyvals []any) map[string]any {
	m := make(map[string]any, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if renamed, ok := sdkFieldNames[key]; ok {
			key = renamed
		}
		if err, ok := keyvals[i+1].(error); ok {
			m[key] = err.Error()
			continue
		}
		m[key] = keyvals[i+1]
	}
	return m
}

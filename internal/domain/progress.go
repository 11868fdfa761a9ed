package domain

import "time"

// ProgressEventType classifies sub-stage progress events.
type ProgressEventType string

const (
	ProgressItemStarted    ProgressEventType = "item_started"
	ProgressItemCompleted  ProgressEventType = "item_completed"
	ProgressSummaryUpdate  ProgressEventType = "summary_update"
	ProgressThought        ProgressEventType = "thought"
	ProgressPhaseChanged   ProgressEventType = "phase_changed"
	ProgressStageCompleted ProgressEventType = "stage_completed"
)

// ProgressEvent is a fine-grained update emitted while a stage runs.
// Events live only in the tracker's bounded buffer.
type ProgressEvent struct {
	Stage     Stage             `json:"stage"`
	Type      ProgressEventType `json:"type"`
	Current   int               `json:"current,omitempty"`
	Total     int               `json:"total,omitempty"`
	Item      any               `json:"item,omitempty"`
	Result    any               `json:"result,omitempty"`
	Rationale string            `json:"rationale,omitempty"`
	Phase     string            `json:"phase,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ETAUnknown is reported when too few item durations have been observed.
const ETAUnknown = "unknown"

// ProgressSnapshot is the shape persisted into a checkpoint's progress_data.
type ProgressSnapshot struct {
	Stage          Stage           `json:"stage"`
	Phase          string          `json:"phase,omitempty"`
	StageData      map[string]any  `json:"stage_data,omitempty"`
	Summary        map[string]int  `json:"summary"`
	RecentEvents   []ProgressEvent `json:"recent_events"`
	ItemsProcessed int             `json:"items_processed"`
	ItemsTotal     int             `json:"items_total"`
	// ETA is a Go duration string (e.g. "1m30s") or ETAUnknown.
	ETA       string    `json:"estimated_time_remaining"`
	UpdatedAt time.Time `json:"updated_at"`
}

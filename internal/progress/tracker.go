// Package progress batches fine-grained stage events into periodic
// checkpoint progress snapshots.
//
// A Tracker belongs to exactly one (workflow, stage) execution. Stage code
// reports events from any goroutine; the tracker folds them into a bounded
// history plus running counters and writes the combined snapshot through a
// Flusher when a flush condition holds. Flush failures never reach the stage.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/observability"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultCapacity      = 20
	DefaultFlushInterval = 2 * time.Second
	DefaultETAWindow     = 50

	// minETASamples is the number of item durations needed before an ETA is reported.
	minETASamples = 3
)

// Flusher persists a progress snapshot. The checkpoint repository
// implements it with UpdateProgress.
type Flusher interface {
	UpdateProgress(ctx context.Context, workflowID uuid.UUID, stage domain.Stage, data json.RawMessage) error
}

// Options configures a Tracker.
type Options struct {
	Capacity      int
	FlushInterval time.Duration
	ETAWindow     int

	// Now overrides the clock, for tests.
	Now func() time.Time

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Tracker buffers progress events for one stage execution.
type Tracker struct {
	workflowID uuid.UUID
	stage      domain.Stage
	flusher    Flusher
	interval   time.Duration
	now        func() time.Time
	metrics    *observability.Metrics
	logger     zerolog.Logger

	mu            sync.Mutex
	events        *Ring[domain.ProgressEvent]
	durations     *Ring[time.Duration]
	summary       map[string]int
	stageData     map[string]any
	phase         string
	processed     int
	total         int
	startedAt     time.Time
	lastCompleted time.Time
	lastFlush     time.Time
	flushFailed   bool
	flushes       int
	flushFailures int

	// writing is set while one goroutine owns the flusher. dirty asks it to
	// write again once its current write returns.
	writing bool
	dirty   bool
}

// NewTracker creates a tracker for one stage of one workflow. A nil flusher
// keeps snapshots in memory only.
func NewTracker(workflowID uuid.UUID, stage domain.Stage, flusher Flusher, opts Options) *Tracker {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.ETAWindow <= 0 {
		opts.ETAWindow = DefaultETAWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	start := opts.Now()
	return &Tracker{
		workflowID:    workflowID,
		stage:         stage,
		flusher:       flusher,
		interval:      opts.FlushInterval,
		now:           opts.Now,
		metrics:       opts.Metrics,
		logger:        opts.Logger.With().Str("component", "progress").Str("workflow_id", workflowID.String()).Str("stage", string(stage)).Logger(),
		events:        NewRing[domain.ProgressEvent](opts.Capacity),
		durations:     NewRing[time.Duration](opts.ETAWindow),
		summary:       make(map[string]int),
		stageData:     make(map[string]any),
		startedAt:     start,
		lastCompleted: start,
	}
}

// Stage returns the stage this tracker reports for.
func (t *Tracker) Stage() domain.Stage {
	if t == nil {
		return ""
	}
	return t.stage
}

// Record folds ev into the tracker state and flushes if a flush condition
// holds. It is safe to call on a nil Tracker.
func (t *Tracker) Record(ctx context.Context, ev domain.ProgressEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	now := t.now()
	ev.Stage = t.stage
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	finalItem := false
	switch ev.Type {
	case domain.ProgressItemCompleted:
		t.durations.Push(now.Sub(t.lastCompleted))
		t.lastCompleted = now
		t.processed++
		if ev.Current > t.processed {
			t.processed = ev.Current
		}
		ev.Current = t.processed
		if ev.Total > 0 {
			t.total = ev.Total
		}
		ev.Total = t.total
		finalItem = t.total > 0 && t.processed >= t.total
	case domain.ProgressItemStarted:
		if ev.Total > 0 {
			t.total = ev.Total
		}
		ev.Total = t.total
	case domain.ProgressPhaseChanged:
		t.phase = ev.Phase
		if ev.Total > 0 {
			t.total = ev.Total
		}
	case domain.ProgressStageCompleted:
		if t.total > 0 {
			t.processed = t.total
		}
	}
	t.events.Push(ev)

	flush := t.shouldFlushLocked(ev, now, finalItem)
	if flush {
		t.lastFlush = now
	}
	t.mu.Unlock()

	if flush {
		_ = t.persist(ctx)
	}
}

func (t *Tracker) shouldFlushLocked(ev domain.ProgressEvent, now time.Time, finalItem bool) bool {
	switch {
	case t.flushFailed:
		return true
	case ev.Type == domain.ProgressPhaseChanged || ev.Type == domain.ProgressStageCompleted:
		return true
	case finalItem:
		return true
	case t.lastFlush.IsZero():
		return true
	default:
		return now.Sub(t.lastFlush) >= t.interval
	}
}

// ItemStarted records that work on item began.
func (t *Tracker) ItemStarted(ctx context.Context, item any) {
	t.Record(ctx, domain.ProgressEvent{Type: domain.ProgressItemStarted, Item: item})
}

// ItemCompleted records that work on item finished with result.
func (t *Tracker) ItemCompleted(ctx context.Context, item, result any, rationale string) {
	t.Record(ctx, domain.ProgressEvent{
		Type:      domain.ProgressItemCompleted,
		Item:      item,
		Result:    result,
		Rationale: rationale,
	})
}

// Increment adds delta to a summary counter and records a summary_update.
func (t *Tracker) Increment(ctx context.Context, key string, delta int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.summary[key] += delta
	t.mu.Unlock()
	t.Record(ctx, domain.ProgressEvent{Type: domain.ProgressSummaryUpdate, Item: key, Result: delta})
}

// Thought records free-form reasoning text.
func (t *Tracker) Thought(ctx context.Context, text string) {
	t.Record(ctx, domain.ProgressEvent{Type: domain.ProgressThought, Rationale: text})
}

// PhaseChanged records a new phase and, when total > 0, resets the item total.
func (t *Tracker) PhaseChanged(ctx context.Context, phase string, total int) {
	if t != nil && total > 0 {
		t.mu.Lock()
		t.processed = 0
		t.durations = NewRing[time.Duration](t.durations.Cap())
		t.lastCompleted = t.now()
		t.mu.Unlock()
	}
	t.Record(ctx, domain.ProgressEvent{Type: domain.ProgressPhaseChanged, Phase: phase, Total: total})
}

// Completed records the end of the stage and forces a final flush.
func (t *Tracker) Completed(ctx context.Context) {
	t.Record(ctx, domain.ProgressEvent{Type: domain.ProgressStageCompleted})
}

// SetTotal sets the number of items the current phase will process.
func (t *Tracker) SetTotal(total int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// SetStageData attaches a free-form value to the snapshot. It does not flush.
func (t *Tracker) SetStageData(key string, value any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stageData[key] = value
	t.mu.Unlock()
}

// Flush writes the current snapshot regardless of the flush interval.
func (t *Tracker) Flush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	t.lastFlush = t.now()
	t.mu.Unlock()
	return t.persist(ctx)
}

// Snapshot returns the current snapshot without flushing.
func (t *Tracker) Snapshot() domain.ProgressSnapshot {
	if t == nil {
		return domain.ProgressSnapshot{ETA: domain.ETAUnknown}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(t.now())
}

// Events returns the buffered events, oldest first.
func (t *Tracker) Events() []domain.ProgressEvent {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events.Items()
}

// Stats reports flush counters.
func (t *Tracker) Stats() (flushes, failures int) {
	if t == nil {
		return 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes, t.flushFailures
}

func (t *Tracker) snapshotLocked(now time.Time) domain.ProgressSnapshot {
	summary := make(map[string]int, len(t.summary))
	for k, v := range t.summary {
		summary[k] = v
	}
	var stageData map[string]any
	if len(t.stageData) > 0 {
		stageData = make(map[string]any, len(t.stageData))
		for k, v := range t.stageData {
			stageData[k] = v
		}
	}
	return domain.ProgressSnapshot{
		Stage:          t.stage,
		Phase:          t.phase,
		StageData:      stageData,
		Summary:        summary,
		RecentEvents:   t.events.Items(),
		ItemsProcessed: t.processed,
		ItemsTotal:     t.total,
		ETA:            t.etaLocked(),
		UpdatedAt:      now,
	}
}

// etaLocked multiplies the mean of the recent item durations by the number
// of remaining items.
func (t *Tracker) etaLocked() string {
	if t.total <= 0 || t.durations.Len() < minETASamples {
		return domain.ETAUnknown
	}
	remaining := t.total - t.processed
	if remaining <= 0 {
		return (0 * time.Second).String()
	}
	var sum time.Duration
	samples := t.durations.Items()
	for _, d := range samples {
		sum += d
	}
	mean := sum / time.Duration(len(samples))
	return (mean * time.Duration(remaining)).Round(time.Second).String()
}

// persist writes the latest snapshot outside the tracker lock. Only one
// goroutine writes at a time; a flush requested meanwhile marks the tracker
// dirty and the active writer writes again with fresh state, so snapshots
// never land out of order.
func (t *Tracker) persist(ctx context.Context) error {
	t.mu.Lock()
	if t.flusher == nil {
		t.flushFailed = false
		t.mu.Unlock()
		return nil
	}
	if t.writing {
		t.dirty = true
		t.mu.Unlock()
		return nil
	}
	t.writing = true

	var err error
	for {
		t.dirty = false
		var data []byte
		data, err = json.Marshal(t.snapshotLocked(t.now()))
		t.mu.Unlock()

		if err == nil {
			err = t.flusher.UpdateProgress(ctx, t.workflowID, t.stage, data)
		}

		t.mu.Lock()
		t.recordFlushLocked(err)
		if err != nil || !t.dirty {
			break
		}
	}
	t.writing = false
	t.mu.Unlock()

	if err != nil {
		return fmt.Errorf("flush progress: %w", err)
	}
	return nil
}

func (t *Tracker) recordFlushLocked(err error) {
	if err != nil {
		t.flushFailed = true
		t.flushFailures++
		t.metrics.RecordProgressFlushFailure(string(t.stage))
		t.logger.Warn().Err(err).Int("failures", t.flushFailures).Msg("progress flush failed")
		return
	}
	t.flushFailed = false
	t.flushes++
}

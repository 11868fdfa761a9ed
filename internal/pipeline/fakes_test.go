package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/repository"
)

// memWorkflows is an in-memory WorkflowRepository.
type memWorkflows struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*domain.Workflow
	updates int
}

func newMemWorkflows() *memWorkflows {
	return &memWorkflows{rows: make(map[uuid.UUID]*domain.Workflow)}
}

func (m *memWorkflows) Create(_ context.Context, wf *domain.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[wf.ID]; ok {
		return domain.NewAlreadyExistsError("workflow", wf.ID.String())
	}
	cp := *wf
	m.rows[wf.ID] = &cp
	return nil
}

func (m *memWorkflows) Get(_ context.Context, id uuid.UUID) (*domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.rows[id]
	if !ok {
		return nil, domain.NewNotFoundError("workflow", id.String())
	}
	cp := *wf
	return &cp, nil
}

func (m *memWorkflows) List(_ context.Context, _ domain.WorkflowFilter) ([]*domain.Workflow, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Workflow, 0, len(m.rows))
	for _, wf := range m.rows {
		cp := *wf
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (m *memWorkflows) Update(_ context.Context, id uuid.UUID, fn func(*domain.Workflow) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.rows[id]
	if !ok {
		return domain.NewNotFoundError("workflow", id.String())
	}
	cp := *wf
	if err := fn(&cp); err != nil {
		return err
	}
	if !repository.CanTransition(wf.Status, cp.Status) {
		return domain.ErrInvalidStatusTransition
	}
	m.rows[id] = &cp
	m.updates++
	return nil
}

func (m *memWorkflows) AcquireLease(_ context.Context, id uuid.UUID, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.rows[id]
	if !ok {
		return domain.NewNotFoundError("workflow", id.String())
	}
	now := time.Now()
	if wf.LeaseHolder != "" && wf.LeaseHolder != holder && wf.LeaseExpiresAt != nil && wf.LeaseExpiresAt.After(now) {
		return domain.ErrLeaseHeld
	}
	exp := now.Add(ttl)
	wf.LeaseHolder = holder
	wf.LeaseExpiresAt = &exp
	return nil
}

func (m *memWorkflows) RenewLease(_ context.Context, id uuid.UUID, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.rows[id]
	if !ok || wf.LeaseHolder != holder {
		return domain.ErrLeaseHeld
	}
	exp := time.Now().Add(ttl)
	wf.LeaseExpiresAt = &exp
	return nil
}

func (m *memWorkflows) ReleaseLease(_ context.Context, id uuid.UUID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf, ok := m.rows[id]; ok && wf.LeaseHolder == holder {
		wf.LeaseHolder = ""
		wf.LeaseExpiresAt = nil
	}
	return nil
}

// steal hands the lease to another holder.
func (m *memWorkflows) steal(id uuid.UUID, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp := time.Now().Add(time.Hour)
	m.rows[id].LeaseHolder = holder
	m.rows[id].LeaseExpiresAt = &exp
}

func (m *memWorkflows) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

type cpKey struct {
	id    uuid.UUID
	stage domain.Stage
}

// memCheckpoints is an in-memory CheckpointRepository that counts writes.
type memCheckpoints struct {
	mu      sync.Mutex
	rows    map[cpKey]*domain.Checkpoint
	upserts map[domain.Stage]int
	writes  int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{rows: make(map[cpKey]*domain.Checkpoint), upserts: make(map[domain.Stage]int)}
}

func (m *memCheckpoints) Get(_ context.Context, id uuid.UUID, stage domain.Stage) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[cpKey{id, stage}]
	if !ok {
		return nil, domain.NewNotFoundError("checkpoint", string(stage))
	}
	c := *cp
	return &c, nil
}

func (m *memCheckpoints) List(_ context.Context, id uuid.UUID) ([]*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Checkpoint
	for k, cp := range m.rows {
		if k.id == id {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage.Index() < out[j].Stage.Index() })
	return out, nil
}

func (m *memCheckpoints) Upsert(_ context.Context, cp *domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cpKey{cp.WorkflowID, cp.Stage}
	c := *cp
	if old, ok := m.rows[k]; ok {
		if c.StartedAt == nil {
			c.StartedAt = old.StartedAt
		}
		if c.ProgressData == nil {
			c.ProgressData = old.ProgressData
		}
	}
	c.UpdatedAt = time.Now()
	m.rows[k] = &c
	m.upserts[cp.Stage]++
	m.writes++
	return nil
}

func (m *memCheckpoints) MarkStarted(_ context.Context, id uuid.UUID, stage domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.rows[cpKey{id, stage}] = &domain.Checkpoint{WorkflowID: id, Stage: stage, Status: domain.CheckpointStatusPending, StartedAt: &now, UpdatedAt: now}
	m.writes++
	return nil
}

func (m *memCheckpoints) Mark(_ context.Context, id uuid.UUID, stage domain.Stage, status domain.CheckpointStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.rows[cpKey{id, stage}] = &domain.Checkpoint{WorkflowID: id, Stage: stage, Status: status, StartedAt: &now, CompletedAt: &now, UpdatedAt: now}
	m.writes++
	return nil
}

func (m *memCheckpoints) UpdateProgress(_ context.Context, id uuid.UUID, stage domain.Stage, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[cpKey{id, stage}]
	if !ok {
		return domain.NewNotFoundError("checkpoint", string(stage))
	}
	cp.ProgressData = append(json.RawMessage(nil), data...)
	return nil
}

func (m *memCheckpoints) status(id uuid.UUID, stage domain.Stage) (domain.CheckpointStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[cpKey{id, stage}]
	if !ok {
		return "", false
	}
	return cp.Status, true
}

func (m *memCheckpoints) upsertCount(stage domain.Stage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts[stage]
}

func (m *memCheckpoints) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// fakeExecutor runs fn, or returns a default output when fn is nil.
type fakeExecutor struct {
	stage    domain.Stage
	requires []domain.Stage
	cost     float64

	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, in *StageInput) (*StageResult, error)
}

func (f *fakeExecutor) Stage() domain.Stage            { return f.stage }
func (f *fakeExecutor) RequiredStages() []domain.Stage { return f.requires }

func (f *fakeExecutor) Execute(ctx context.Context, in *StageInput) (*StageResult, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	return Succeed(defaultOutput(f.stage), f.cost)
}

func (f *fakeExecutor) setFn(fn func(ctx context.Context, in *StageInput) (*StageResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func defaultOutput(stage domain.Stage) map[string]any {
	switch stage {
	case domain.StageSearch:
		return map[string]any{"papers_found": 12, "papers": []any{}}
	case domain.StageScreen:
		return map[string]any{"papers_screened": 12, "papers_included": 5, "included_papers": []any{}}
	case domain.StageIntroduction, domain.StageMethods, domain.StageResults, domain.StageDiscussion:
		return map[string]any{"title": string(stage), "content": "text for " + string(stage), "word_count": 3}
	default:
		return map[string]any{string(stage) + "_done": true}
	}
}

// recordingPublisher keeps published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.WorkflowEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev *domain.WorkflowEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.EventType
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

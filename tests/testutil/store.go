// Package testutil holds in-memory stores shared by the end-to-end suites.
package testutil

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

// Store keeps workflows and checkpoints in memory with the same
// transition and lease rules as the Postgres repositories.
type Store struct {
	mu          sync.Mutex
	workflows   map[uuid.UUID]*domain.Workflow
	checkpoints map[uuid.UUID]map[domain.Stage]*domain.Checkpoint
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		workflows:   make(map[uuid.UUID]*domain.Workflow),
		checkpoints: make(map[uuid.UUID]map[domain.Stage]*domain.Checkpoint),
	}
}

// Workflows returns the workflow repository view of s.
func (s *Store) Workflows() repository.WorkflowRepository { return workflowStore{s} }

// Checkpoints returns the checkpoint repository view of s.
func (s *Store) Checkpoints() repository.CheckpointRepository { return checkpointStore{s} }

// StealLease hands the lease on id to holder for an hour.
func (s *Store) StealLease(id uuid.UUID, holder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := time.Now().Add(time.Hour)
	s.workflows[id].LeaseHolder = holder
	s.workflows[id].LeaseExpiresAt = &exp
}

type workflowStore struct{ *Store }

type checkpointStore struct{ *Store }

func (s workflowStore) Create(_ context.Context, wf *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; ok {
		return domain.NewAlreadyExistsError("workflow", wf.ID.String())
	}
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s workflowStore) Get(_ context.Context, id uuid.UUID) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, domain.NewNotFoundError("workflow", id.String())
	}
	cp := *wf
	return &cp, nil
}

func (s workflowStore) List(_ context.Context, _ domain.WorkflowFilter) ([]*domain.Workflow, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (s workflowStore) Update(_ context.Context, id uuid.UUID, fn func(*domain.Workflow) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
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
	cp.UpdatedAt = time.Now()
	s.workflows[id] = &cp
	return nil
}

func (s workflowStore) AcquireLease(_ context.Context, id uuid.UUID, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return domain.NewNotFoundError("workflow", id.String())
	}
	now := time.Now()
	if wf.LeaseHolder != "" && wf.LeaseHolder != holder && wf.LeaseExpiresAt != nil && wf.LeaseExpiresAt.After(now) {
		return domain.ErrLeaseHeld
	}
	exp := now.Add(ttl)
	wf.LeaseHolder, wf.LeaseExpiresAt = holder, &exp
	return nil
}

func (s workflowStore) RenewLease(_ context.Context, id uuid.UUID, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || wf.LeaseHolder != holder {
		return domain.ErrLeaseHeld
	}
	exp := time.Now().Add(ttl)
	wf.LeaseExpiresAt = &exp
	return nil
}

func (s workflowStore) ReleaseLease(_ context.Context, id uuid.UUID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf, ok := s.workflows[id]; ok && wf.LeaseHolder == holder {
		wf.LeaseHolder, wf.LeaseExpiresAt = "", nil
	}
	return nil
}

func (s checkpointStore) rows(id uuid.UUID) map[domain.Stage]*domain.Checkpoint {
	m, ok := s.checkpoints[id]
	if !ok {
		m = make(map[domain.Stage]*domain.Checkpoint)
		s.checkpoints[id] = m
	}
	return m
}

func (s checkpointStore) Get(_ context.Context, id uuid.UUID, stage domain.Stage) (*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.rows(id)[stage]
	if !ok {
		return nil, domain.NewNotFoundError("checkpoint", string(stage))
	}
	c := *cp
	return &c, nil
}

func (s checkpointStore) List(_ context.Context, id uuid.UUID) ([]*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Checkpoint
	for _, cp := range s.rows(id) {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage.Index() < out[j].Stage.Index() })
	return out, nil
}

func (s checkpointStore) Upsert(_ context.Context, cp *domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows(cp.WorkflowID)
	c := *cp
	if old, ok := rows[cp.Stage]; ok {
		if c.StartedAt == nil {
			c.StartedAt = old.StartedAt
		}
		if c.ProgressData == nil {
			c.ProgressData = old.ProgressData
		}
	}
	c.UpdatedAt = time.Now()
	rows[cp.Stage] = &c
	return nil
}

func (s checkpointStore) MarkStarted(_ context.Context, id uuid.UUID, stage domain.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.rows(id)[stage] = &domain.Checkpoint{WorkflowID: id, Stage: stage, Status: domain.CheckpointStatusPending, StartedAt: &now, UpdatedAt: now}
	return nil
}

func (s checkpointStore) Mark(_ context.Context, id uuid.UUID, stage domain.Stage, status domain.CheckpointStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.rows(id)[stage] = &domain.Checkpoint{WorkflowID: id, Stage: stage, Status: status, StartedAt: &now, CompletedAt: &now, UpdatedAt: now}
	return nil
}

func (s checkpointStore) UpdateProgress(_ context.Context, id uuid.UUID, stage domain.Stage, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.rows(id)[stage]
	if !ok {
		return domain.NewNotFoundError("checkpoint", string(stage))
	}
	cp.ProgressData = append(json.RawMessage(nil), data...)
	return nil
}

var (
	_ repository.WorkflowRepository   = workflowStore{}
	_ repository.CheckpointRepository = checkpointStore{}
)

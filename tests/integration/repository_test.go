//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/repository"
)

func newTestWorkflow(question, mode string) *domain.Workflow {
	return domain.NewWorkflow(question,
		[]string{"randomized controlled trials"},
		[]string{"animal studies"},
		[]domain.SourceType{domain.SourceTypeOpenAlex, domain.SourceTypePubMed},
		mode)
}

func TestPgWorkflowRepository_Integration(t *testing.T) {
	cleanTables(t, "workflows")
	repo := repository.NewPgWorkflowRepository(testPool)
	ctx := context.Background()

	t.Run("Create and Get roundtrip", func(t *testing.T) {
		wf := newTestWorkflow("Does exercise reduce depression?", "balanced")
		require.NoError(t, repo.Create(ctx, wf))

		got, err := repo.Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.ID, got.ID)
		assert.Equal(t, wf.ResearchQuestion, got.ResearchQuestion)
		assert.Equal(t, wf.InclusionCriteria, got.InclusionCriteria)
		assert.Equal(t, wf.ExclusionCriteria, got.ExclusionCriteria)
		assert.Equal(t, wf.TargetDatabases, got.TargetDatabases)
		assert.Equal(t, "balanced", got.Mode)
		assert.Equal(t, domain.WorkflowStatusPending, got.Status)
		assert.Nil(t, got.StartedAt)
	})

	t.Run("Create duplicate returns already exists", func(t *testing.T) {
		wf := newTestWorkflow("duplicate", "fast")
		require.NoError(t, repo.Create(ctx, wf))
		err := repo.Create(ctx, wf)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrAlreadyExists))
	})

	t.Run("Create without question is rejected", func(t *testing.T) {
		err := repo.Create(ctx, newTestWorkflow("  ", "fast"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})

	t.Run("Get missing returns not found", func(t *testing.T) {
		_, err := repo.Get(ctx, uuid.New())
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("Update applies allowed transitions", func(t *testing.T) {
		wf := newTestWorkflow("transitions", "balanced")
		require.NoError(t, repo.Create(ctx, wf))

		now := time.Now().UTC()
		require.NoError(t, repo.Update(ctx, wf.ID, func(w *domain.Workflow) error {
			w.Status = domain.WorkflowStatusRunning
			w.StartedAt = &now
			w.PapersFound = 42
			w.TotalCost = 0.125
			return nil
		}))
		require.NoError(t, repo.Update(ctx, wf.ID, func(w *domain.Workflow) error {
			w.Status = domain.WorkflowStatusCompleted
			w.CompletedAt = &now
			w.FinalOutput = json.RawMessage(`{"mode":"balanced"}`)
			return nil
		}))

		got, err := repo.Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowStatusCompleted, got.Status)
		assert.Equal(t, 42, got.PapersFound)
		assert.InDelta(t, 0.125, got.TotalCost, 1e-9)
		assert.NotNil(t, got.StartedAt)
		assert.JSONEq(t, `{"mode":"balanced"}`, string(got.FinalOutput))
	})

	t.Run("Update rejects invalid transition", func(t *testing.T) {
		wf := newTestWorkflow("bad transition", "fast")
		require.NoError(t, repo.Create(ctx, wf))

		err := repo.Update(ctx, wf.ID, func(w *domain.Workflow) error {
			w.Status = domain.WorkflowStatusCompleted
			return nil
		})
		assert.True(t, errors.Is(err, domain.ErrInvalidStatusTransition))

		got, err := repo.Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowStatusPending, got.Status)
	})

	t.Run("Update callback error writes nothing", func(t *testing.T) {
		wf := newTestWorkflow("callback error", "fast")
		require.NoError(t, repo.Create(ctx, wf))

		boom := errors.New("boom")
		err := repo.Update(ctx, wf.ID, func(w *domain.Workflow) error {
			w.PapersFound = 7
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := repo.Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Zero(t, got.PapersFound)
	})
}

func TestPgWorkflowRepository_List_Integration(t *testing.T) {
	cleanTables(t, "workflows")
	repo := repository.NewPgWorkflowRepository(testPool)
	ctx := context.Background()

	for i, mode := range []string{"fast", "balanced", "balanced", "thorough"} {
		wf := newTestWorkflow("listed question", mode)
		wf.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Create(ctx, wf))
	}

	all, total, err := repo.List(ctx, domain.WorkflowFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "newest first")
	}

	balanced, total, err := repo.List(ctx, domain.WorkflowFilter{Mode: "balanced"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, balanced, 2)

	page, total, err := repo.List(ctx, domain.WorkflowFilter{Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Len(t, page, 1)

	running, total, err := repo.List(ctx, domain.WorkflowFilter{Status: []domain.WorkflowStatus{domain.WorkflowStatusRunning}})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, running)

	_, _, err = repo.List(ctx, domain.WorkflowFilter{Status: []domain.WorkflowStatus{"sleeping"}})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestPgWorkflowRepository_Leases_Integration(t *testing.T) {
	cleanTables(t, "workflows")
	repo := repository.NewPgWorkflowRepository(testPool)
	ctx := context.Background()

	wf := newTestWorkflow("leased", "fast")
	require.NoError(t, repo.Create(ctx, wf))

	require.NoError(t, repo.AcquireLease(ctx, wf.ID, "worker-a", time.Minute))
	require.NoError(t, repo.AcquireLease(ctx, wf.ID, "worker-a", time.Minute), "holder may re-acquire")

	err := repo.AcquireLease(ctx, wf.ID, "worker-b", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrLeaseHeld))

	require.NoError(t, repo.RenewLease(ctx, wf.ID, "worker-a", time.Minute))
	assert.True(t, errors.Is(repo.RenewLease(ctx, wf.ID, "worker-b", time.Minute), domain.ErrLeaseHeld))

	require.NoError(t, repo.ReleaseLease(ctx, wf.ID, "worker-b"), "releasing a lease you do not hold is a no-op")
	assert.True(t, errors.Is(repo.AcquireLease(ctx, wf.ID, "worker-b", time.Minute), domain.ErrLeaseHeld))

	require.NoError(t, repo.ReleaseLease(ctx, wf.ID, "worker-a"))
	require.NoError(t, repo.AcquireLease(ctx, wf.ID, "worker-b", time.Minute))

	t.Run("expired lease can be taken over", func(t *testing.T) {
		other := newTestWorkflow("expiring", "fast")
		require.NoError(t, repo.Create(ctx, other))
		require.NoError(t, repo.AcquireLease(ctx, other.ID, "worker-a", time.Millisecond))
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, repo.AcquireLease(ctx, other.ID, "worker-b", time.Minute))

		got, err := repo.Get(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, "worker-b", got.LeaseHolder)
	})

	t.Run("missing workflow is not found", func(t *testing.T) {
		err := repo.AcquireLease(ctx, uuid.New(), "worker-a", time.Minute)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestPgCheckpointRepository_Integration(t *testing.T) {
	cleanTables(t, "workflows")
	workflows := repository.NewPgWorkflowRepository(testPool)
	repo := repository.NewPgCheckpointRepository(testPool)
	ctx := context.Background()

	wf := newTestWorkflow("checkpointed", "balanced")
	require.NoError(t, workflows.Create(ctx, wf))

	t.Run("Get before start is not found", func(t *testing.T) {
		_, err := repo.Get(ctx, wf.ID, domain.StageSearch)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("MarkStarted then Upsert keeps started_at and progress", func(t *testing.T) {
		require.NoError(t, repo.MarkStarted(ctx, wf.ID, domain.StageSearch))
		require.NoError(t, repo.UpdateProgress(ctx, wf.ID, domain.StageSearch, json.RawMessage(`{"phase":"searching"}`)))

		started, err := repo.Get(ctx, wf.ID, domain.StageSearch)
		require.NoError(t, err)
		assert.Equal(t, domain.CheckpointStatusPending, started.Status)
		require.NotNil(t, started.StartedAt)

		now := time.Now().UTC()
		require.NoError(t, repo.Upsert(ctx, &domain.Checkpoint{
			WorkflowID:  wf.ID,
			Stage:       domain.StageSearch,
			Status:      domain.CheckpointStatusCompleted,
			CompletedAt: &now,
			OutputData:  json.RawMessage(`{"papers_found":12}`),
			RetryCount:  1,
			Cost:        0.02,
		}))

		got, err := repo.Get(ctx, wf.ID, domain.StageSearch)
		require.NoError(t, err)
		assert.Equal(t, domain.CheckpointStatusCompleted, got.Status)
		assert.WithinDuration(t, *started.StartedAt, *got.StartedAt, time.Millisecond)
		assert.JSONEq(t, `{"phase":"searching"}`, string(got.ProgressData))
		assert.Equal(t, 1, got.RetryCount)
		assert.InDelta(t, 0.02, got.Cost, 1e-9)

		out, err := got.Output()
		require.NoError(t, err)
		assert.EqualValues(t, 12, out["papers_found"])
	})

	t.Run("MarkStarted clears a previous attempt", func(t *testing.T) {
		require.NoError(t, repo.MarkStarted(ctx, wf.ID, domain.StageSearch))
		got, err := repo.Get(ctx, wf.ID, domain.StageSearch)
		require.NoError(t, err)
		assert.Equal(t, domain.CheckpointStatusPending, got.Status)
		assert.Nil(t, got.CompletedAt)
		assert.Empty(t, got.OutputData)
		assert.Empty(t, got.ProgressData)
	})

	t.Run("Mark records skipped stages", func(t *testing.T) {
		require.NoError(t, repo.Mark(ctx, wf.ID, domain.StageRiskOfBias, domain.CheckpointStatusSkipped))
		got, err := repo.Get(ctx, wf.ID, domain.StageRiskOfBias)
		require.NoError(t, err)
		assert.Equal(t, domain.CheckpointStatusSkipped, got.Status)
		assert.NotNil(t, got.StartedAt)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("Mark skipped clears an earlier run's output and cost", func(t *testing.T) {
		done := time.Now()
		require.NoError(t, repo.Upsert(ctx, &domain.Checkpoint{
			WorkflowID: wf.ID, Stage: domain.StageRiskOfBias, Status: domain.CheckpointStatusCompleted,
			CompletedAt: &done, OutputData: json.RawMessage(`{"risk_of_bias":[]}`), RetryCount: 2, Cost: 0.4,
		}))
		require.NoError(t, repo.Mark(ctx, wf.ID, domain.StageRiskOfBias, domain.CheckpointStatusSkipped))

		got, err := repo.Get(ctx, wf.ID, domain.StageRiskOfBias)
		require.NoError(t, err)
		assert.Equal(t, domain.CheckpointStatusSkipped, got.Status)
		assert.Empty(t, got.OutputData)
		assert.Zero(t, got.Cost)
		assert.Zero(t, got.RetryCount)
	})

	t.Run("List is in stage order", func(t *testing.T) {
		require.NoError(t, repo.Mark(ctx, wf.ID, domain.StageAnalysis, domain.CheckpointStatusSkipped))
		require.NoError(t, repo.MarkStarted(ctx, wf.ID, domain.StageScreen))

		cps, err := repo.List(ctx, wf.ID)
		require.NoError(t, err)
		var got []domain.Stage
		for _, cp := range cps {
			got = append(got, cp.Stage)
		}
		assert.Equal(t, []domain.Stage{domain.StageSearch, domain.StageScreen, domain.StageRiskOfBias, domain.StageAnalysis}, got)
	})

	t.Run("UpdateProgress on missing checkpoint is not found", func(t *testing.T) {
		err := repo.UpdateProgress(ctx, wf.ID, domain.StageDiscussion, json.RawMessage(`{}`))
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("deleting the workflow cascades", func(t *testing.T) {
		_, err := testPool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, wf.ID)
		require.NoError(t, err)
		cps, err := repo.List(ctx, wf.ID)
		require.NoError(t, err)
		assert.Empty(t, cps)
	})
}

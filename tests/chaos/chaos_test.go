// Package chaos injects faults into pipeline runs: transient and permanent
// upstream errors, exhausted quota, panics, hung stages, cancellation and
// lost leases.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/review-orchestrator/internal/domain"
	pl "github.com/helixir/review-orchestrator/internal/pipeline"
	"github.com/helixir/review-orchestrator/internal/resilience"
	"github.com/helixir/review-orchestrator/tests/testutil"
)

// faultyStage succeeds unless its fault hook says otherwise.
type faultyStage struct {
	stage domain.Stage

	mu    sync.Mutex
	calls int
	fault func(ctx context.Context, call int) error
}

func (f *faultyStage) Stage() domain.Stage            { return f.stage }
func (f *faultyStage) RequiredStages() []domain.Stage { return nil }

func (f *faultyStage) Execute(ctx context.Context, _ *pl.StageInput) (*pl.StageResult, error) {
	f.mu.Lock()
	f.calls++
	call, fault := f.calls, f.fault
	f.mu.Unlock()
	if fault != nil {
		if err := fault(ctx, call); err != nil {
			return &pl.StageResult{Cost: 0.01}, err
		}
	}
	return pl.Succeed(map[string]any{"stage": string(f.stage)}, 0.01)
}

func (f *faultyStage) setFault(fn func(ctx context.Context, call int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fault = fn
}

func (f *faultyStage) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type quotaError struct{}

func (quotaError) Error() string           { return "insufficient_quota" }
func (quotaError) IsBudgetExhausted() bool { return true }

type env struct {
	store  *testutil.Store
	stages map[domain.Stage]*faultyStage
	orch   *pl.Orchestrator
	wf     *domain.Workflow
}

func newEnv(t *testing.T, cfg pl.Config) *env {
	t.Helper()
	e := &env{store: testutil.NewStore(), stages: make(map[domain.Stage]*faultyStage)}

	policy := resilience.RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, Multiplier: 1, MaxBackoff: time.Millisecond}
	var execs []pl.StageExecutor
	for _, s := range domain.StageOrder() {
		f := &faultyStage{stage: s}
		e.stages[s] = f
		execs = append(execs, pl.WithRetry(f, policy))
	}
	reg, err := pl.NewRegistry(execs...)
	require.NoError(t, err)

	if cfg.Holder == "" {
		cfg.Holder = "chaos"
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = time.Minute
	}
	e.orch = pl.NewOrchestrator(cfg, e.store.Workflows(), e.store.Checkpoints(), reg, nil, nil, zerolog.Nop())

	e.wf = domain.NewWorkflow("Does exercise reduce depression?", nil, nil, []domain.SourceType{domain.SourceTypeOpenAlex}, "balanced")
	require.NoError(t, e.store.Workflows().Create(context.Background(), e.wf))
	return e
}

func (e *env) run(ctx context.Context) (*pl.Result, error) {
	return e.orch.ExecuteWorkflow(ctx, e.wf.ID, nil, pl.ExecuteOptions{Trigger: "chaos"})
}

func (e *env) workflow(t *testing.T) *domain.Workflow {
	t.Helper()
	wf, err := e.store.Workflows().Get(context.Background(), e.wf.ID)
	require.NoError(t, err)
	return wf
}

func (e *env) checkpoint(t *testing.T, stage domain.Stage) *domain.Checkpoint {
	t.Helper()
	cp, err := e.store.Checkpoints().Get(context.Background(), e.wf.ID, stage)
	require.NoError(t, err)
	return cp
}

func upstream(status int) error {
	return domain.NewExternalAPIError("openai", status, "upstream error", fmt.Errorf("status %d", status))
}

func TestChaos_TransientUpstreamErrorsAreRetried(t *testing.T) {
	e := newEnv(t, pl.Config{})
	e.stages[domain.StageScreen].setFault(func(_ context.Context, call int) error {
		if call <= 2 {
			return upstream(503)
		}
		return nil
	})

	res, err := e.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pl.RunCompleted, res.Status)

	cp := e.checkpoint(t, domain.StageScreen)
	assert.Equal(t, domain.CheckpointStatusCompleted, cp.Status)
	assert.Equal(t, 2, cp.RetryCount)
	assert.InDelta(t, 0.03, cp.Cost, 1e-9, "failed attempts are still billed")
}

func TestChaos_RetriesExhaustedFailsWorkflow(t *testing.T) {
	e := newEnv(t, pl.Config{})
	e.stages[domain.StagePDFFetch].setFault(func(context.Context, int) error { return upstream(502) })

	res, err := e.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pl.RunFailed, res.Status)
	assert.Equal(t, domain.StagePDFFetch, res.FailedStage)
	assert.Equal(t, 4, e.stages[domain.StagePDFFetch].callCount())
	assert.Zero(t, e.stages[domain.StageExtract].callCount())

	wf := e.workflow(t)
	assert.Equal(t, domain.WorkflowStatusFailed, wf.Status)
	assert.NotEmpty(t, wf.ErrorMessage)
	assert.Empty(t, wf.LeaseHolder)
}

func TestChaos_PermanentErrorIsNotRetriedAndResumeRecovers(t *testing.T) {
	e := newEnv(t, pl.Config{})
	e.stages[domain.StageExtract].setFault(func(context.Context, int) error { return upstream(400) })

	res, err := e.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pl.RunFailed, res.Status)
	assert.Equal(t, 1, e.stages[domain.StageExtract].callCount())

	e.stages[domain.StageExtract].setFault(nil)
	res, err = e.orch.ResumeWorkflow(context.Background(), e.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, pl.RunCompleted, res.Status)
	assert.Equal(t, 1, e.stages[domain.StageSearch].callCount(), "completed stages are not repeated")
}

func TestChaos_ExhaustedQuotaPausesForReview(t *testing.T) {
	e := newEnv(t, pl.Config{})
	e.stages[domain.StageRiskOfBias].setFault(func(context.Context, int) error { return quotaError{} })

	res, err := e.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pl.RunNeedsReview, res.Status)
	assert.Contains(t, res.ActionRequired, "quota")
	assert.Equal(t, 1, e.stages[domain.StageRiskOfBias].callCount())

	wf := e.workflow(t)
	assert.Equal(t, domain.WorkflowStatusNeedsReview, wf.Status)
	assert.True(t, wf.NeedsUserAction)
}

func TestChaos_PanickingStageFailsCleanly(t *testing.T) {
	e := newEnv(t, pl.Config{})
	e.stages[domain.StageAnalysis].setFault(func(context.Context, int) error { panic("division by zero") })

	res, err := e.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pl.RunFailed, res.Status)
	assert.Contains(t, res.Error, "division by zero")
	assert.Equal(t, 1, e.stages[domain.StageAnalysis].callCount())
	assert.Equal(t, domain.CheckpointStatusFailed, e.checkpoint(t, domain.StageAnalysis).Status)
}

func TestChaos_HungStageTimesOut(t *testing.T) {
	e := newEnv(t, pl.Config{StageTimeout: 20 * time.Millisecond})
	e.stages[domain.StageTables].setFault(func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})

	res, err := e.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pl.RunFailed, res.Status)
	assert.Equal(t, domain.StageTables, res.FailedStage)
	assert.Contains(t, res.Error, "timed out")
	assert.Equal(t, domain.WorkflowStatusFailed, e.workflow(t).Status)
}

func TestChaos_CancellationPausesForReview(t *testing.T) {
	e := newEnv(t, pl.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.stages[domain.StageMethods].setFault(func(stageCtx context.Context, _ int) error {
		cancel()
		<-stageCtx.Done()
		return stageCtx.Err()
	})

	res, err := e.run(ctx)
	require.NoError(t, err)
	assert.Equal(t, pl.RunNeedsReview, res.Status)
	assert.Equal(t, domain.StageMethods, res.FailedStage)

	wf := e.workflow(t)
	assert.Equal(t, domain.WorkflowStatusNeedsReview, wf.Status)
	assert.Empty(t, wf.LeaseHolder)

	e.stages[domain.StageMethods].setFault(nil)
	res, err = e.orch.ResumeWorkflow(context.Background(), e.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, pl.RunCompleted, res.Status)
}

func TestChaos_LostLeaseStopsRun(t *testing.T) {
	e := newEnv(t, pl.Config{LeaseTTL: 30 * time.Millisecond})
	e.stages[domain.StageResults].setFault(func(ctx context.Context, _ int) error {
		e.store.StealLease(e.wf.ID, "intruder")
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := e.run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLeaseHeld))
	assert.Zero(t, e.stages[domain.StageDiscussion].callCount())
	assert.Equal(t, "intruder", e.workflow(t).LeaseHolder, "the new holder keeps its lease")
}

func TestChaos_ConcurrentRunsHaveOneWinner(t *testing.T) {
	e := newEnv(t, pl.Config{})
	release := make(chan struct{})
	e.stages[domain.StageSearch].setFault(func(context.Context, int) error {
		<-release
		return nil
	})

	other := pl.NewOrchestrator(pl.Config{Holder: "other", LeaseTTL: time.Minute},
		e.store.Workflows(), e.store.Checkpoints(), nil, nil, nil, zerolog.Nop())

	done := make(chan *pl.Result, 1)
	go func() {
		res, err := e.run(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return e.stages[domain.StageSearch].callCount() == 1 }, time.Second, time.Millisecond)
	_, err := other.ExecuteWorkflow(context.Background(), e.wf.ID, nil, pl.ExecuteOptions{})
	assert.True(t, errors.Is(err, domain.ErrLeaseHeld))

	close(release)
	res := <-done
	assert.Equal(t, pl.RunCompleted, res.Status)
}

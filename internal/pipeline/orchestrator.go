package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/observability"
	"github.com/helixir/review-orchestrator/internal/progress"
	"github.com/helixir/review-orchestrator/internal/repository"
)

// cancelAction is reported when a run stops because its context was cancelled.
const cancelAction = "resume to continue"

// EventPublisher receives workflow lifecycle events. Publish failures are
// logged and never fail a run.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.WorkflowEvent) error
}

// Config configures an Orchestrator.
type Config struct {
	// Holder identifies this instance in lease columns; each run appends
	// its own suffix. Defaults to hostname, pid and a random suffix.
	Holder string

	// LeaseTTL is how long a lease lives without renewal.
	LeaseTTL time.Duration

	// StageTimeout bounds a single stage execution. Zero disables it.
	StageTimeout time.Duration

	// Progress configures the per-stage trackers. Metrics and Logger are
	// filled in by the orchestrator.
	Progress progress.Options
}

// Orchestrator runs the review pipeline for one workflow at a time per
// lease holder. It is the only writer of workflow and checkpoint rows.
type Orchestrator struct {
	workflows   repository.WorkflowRepository
	checkpoints repository.CheckpointRepository
	registry    *Registry
	publisher   EventPublisher
	metrics     *observability.Metrics
	logger      zerolog.Logger

	holder       string
	leaseTTL     time.Duration
	stageTimeout time.Duration
	progressOpts progress.Options
	now          func() time.Time
}

// NewOrchestrator creates an Orchestrator. publisher and metrics may be nil.
func NewOrchestrator(
	cfg Config,
	workflows repository.WorkflowRepository,
	checkpoints repository.CheckpointRepository,
	registry *Registry,
	publisher EventPublisher,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Orchestrator {
	if cfg.Holder == "" {
		cfg.Holder = defaultHolder()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 90 * time.Second
	}
	logger = observability.WithComponent(logger, "orchestrator")
	opts := cfg.Progress
	opts.Metrics = metrics
	opts.Logger = logger

	return &Orchestrator{
		workflows:    workflows,
		checkpoints:  checkpoints,
		registry:     registry,
		publisher:    publisher,
		metrics:      metrics,
		logger:       logger,
		holder:       cfg.Holder,
		leaseTTL:     cfg.LeaseTTL,
		stageTimeout: cfg.StageTimeout,
		progressOpts: opts,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orchestrator"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Holder returns the lease holder identity of this instance.
func (o *Orchestrator) Holder() string {
	return o.holder
}

// ExecuteWorkflow runs the pipeline from opts.StartFrom (or the first stage)
// to the end, pausing or failing at the first unsuccessful stage. A nil
// initialData is rebuilt from the workflow record.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, id uuid.UUID, initialData map[string]any, opts ExecuteOptions) (*Result, error) {
	var result *Result
	err := o.withLease(ctx, id, func(runCtx context.Context) error {
		var err error
		result, err = o.execute(runCtx, id, initialData, opts)
		return err
	})
	return result, err
}

// ResumeWorkflow continues a workflow at the first stage whose checkpoint is
// missing or not done. When every stage is done it returns
// RunAlreadyCompleted without touching any stage.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, id uuid.UUID) (*Result, error) {
	wf, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cps, err := o.checkpoints.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	idx := domain.IndexCheckpoints(cps)

	point, ok := idx.ResumePoint()
	if !ok {
		if wf.Status != domain.WorkflowStatusCompleted {
			return o.finalizeInterrupted(ctx, wf, idx)
		}
		return alreadyCompleted(wf, idx), nil
	}

	o.logger.Info().
		Str("workflow_id", id.String()).
		Str("resume_from", string(point)).
		Msg("resuming workflow")

	var result *Result
	err = o.withLease(ctx, id, func(runCtx context.Context) error {
		var err error
		result, err = o.execute(runCtx, id, wf.InitialData(), ExecuteOptions{StartFrom: point, Trigger: "resume"})
		return err
	})
	return result, err
}

// RerunStage re-executes a single stage with the outputs of earlier stages
// and an optional input override, overwriting only that stage's checkpoint.
// The workflow status is left unchanged; the stage cost is added to the
// workflow total.
func (o *Orchestrator) RerunStage(ctx context.Context, id uuid.UUID, stage domain.Stage, inputOverride map[string]any) (*StageResult, error) {
	if !stage.Valid() {
		return nil, domain.NewValidationError("stage", fmt.Sprintf("unknown stage %q", stage))
	}

	var result *StageResult
	err := o.withLease(ctx, id, func(runCtx context.Context) error {
		var err error
		result, err = o.rerun(runCtx, id, stage, inputOverride)
		return err
	})
	return result, err
}

// GetStageStatus returns one entry per pipeline stage, in order. Stages
// without a checkpoint are reported as pending.
func (o *Orchestrator) GetStageStatus(ctx context.Context, id uuid.UUID) ([]domain.StageStatus, error) {
	if _, err := o.workflows.Get(ctx, id); err != nil {
		return nil, err
	}
	cps, err := o.checkpoints.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	idx := domain.IndexCheckpoints(cps)

	out := make([]domain.StageStatus, 0, domain.StageCount)
	for _, s := range domain.StageOrder() {
		st := domain.StageStatus{Stage: s, Status: domain.CheckpointStatusPending}
		if cp, ok := idx[s]; ok {
			st.Status = cp.Status
			st.StartedAt = cp.StartedAt
			st.CompletedAt = cp.CompletedAt
			st.RetryCount = cp.RetryCount
			st.ErrorMessage = cp.ErrorMessage
			st.Cost = cp.Cost
		}
		out = append(out, st)
	}
	return out, nil
}

// GetStageProgress returns the latest persisted progress snapshot of a stage.
func (o *Orchestrator) GetStageProgress(ctx context.Context, id uuid.UUID, stage domain.Stage) (*domain.ProgressSnapshot, error) {
	cp, err := o.checkpoints.Get(ctx, id, stage)
	if err != nil {
		return nil, err
	}
	snap := &domain.ProgressSnapshot{Stage: stage, Summary: map[string]int{}, ETA: domain.ETAUnknown}
	if len(cp.ProgressData) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(cp.ProgressData, snap); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return snap, nil
}

func (o *Orchestrator) execute(ctx context.Context, id uuid.UUID, initialData map[string]any, opts ExecuteOptions) (*Result, error) {
	pctx := context.WithoutCancel(ctx)

	wf, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mode, err := domain.LookupMode(wf.Mode)
	if err != nil {
		return nil, err
	}
	logger := observability.WithWorkflowContext(o.logger, id.String(), mode.Name)

	order := domain.StageOrder()
	startIdx := 0
	if opts.StartFrom != "" {
		start, err := domain.ParseStage(string(opts.StartFrom))
		if err != nil {
			return nil, err
		}
		startIdx = start.Index()
	}

	skip, err := skipSet(opts.Skip, mode)
	if err != nil {
		return nil, err
	}
	for _, s := range order {
		if reason, ok := skip[s]; ok {
			logger.Info().Str("stage", string(s)).Str("reason", reason).Msg("stage will be skipped")
		}
	}

	cps, err := o.checkpoints.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	idx := domain.IndexCheckpoints(cps)

	if initialData == nil {
		initialData = wf.InitialData()
	}
	acc := NewAccumulator(initialData)
	result := &Result{WorkflowID: id, CompletedStages: []domain.Stage{}}

	var missing []domain.Stage
	for _, s := range order[:startIdx] {
		if !idx.Done(s) {
			missing = append(missing, s)
			continue
		}
		cp := idx[s]
		if cp.Status == domain.CheckpointStatusSkipped {
			result.SkippedStages = append(result.SkippedStages, s)
			continue
		}
		out, err := cp.Output()
		if err != nil {
			return nil, fmt.Errorf("decode %s checkpoint: %w", s, err)
		}
		acc.SetStageOutput(s, out)
		result.CompletedStages = append(result.CompletedStages, s)
	}
	if len(missing) > 0 {
		return nil, &domain.DependencyError{Stage: order[startIdx], Missing: missing}
	}

	startedAt := o.now()
	totalCost := wf.TotalCost
	err = o.workflows.Update(pctx, id, func(w *domain.Workflow) error {
		w.Status = domain.WorkflowStatusRunning
		w.NeedsUserAction = false
		w.ActionRequired = ""
		w.ErrorMessage = ""
		w.CompletedAt = nil
		w.FinalOutput = nil
		if w.StartedAt == nil {
			w.StartedAt = &startedAt
		}
		totalCost = w.TotalCost
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark workflow running: %w", err)
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = "execute"
	}
	runStart := time.Now()
	o.metrics.RecordWorkflowStarted(trigger)
	o.publish(pctx, domain.EventTypeWorkflowStarted, id, "", domain.WorkflowOutcomePayload{
		Status: domain.WorkflowStatusRunning,
		Mode:   mode.Name,
	})
	logger.Info().Str("trigger", trigger).Str("start_from", string(order[startIdx])).Msg("workflow run started")

	for _, stage := range order[startIdx:] {
		if reason, ok := skip[stage]; ok {
			if err := o.checkpoints.Mark(pctx, id, stage, domain.CheckpointStatusSkipped); err != nil {
				return nil, fmt.Errorf("mark %s skipped: %w", stage, err)
			}
			o.metrics.RecordStageSkipped(string(stage), reason)
			o.publish(pctx, domain.EventTypeStageSkipped, id, stage, domain.StageOutcomePayload{Status: domain.CheckpointStatusSkipped})
			result.SkippedStages = append(result.SkippedStages, stage)
			continue
		}

		if err := leaseLost(ctx); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			cancelled := &StageResult{Error: "canceled", NeedsUserAction: true, ActionRequired: cancelAction}
			return o.halt(pctx, id, mode.Name, stage, cancelled, result, runStart, &totalCost)
		}

		res, err := o.runStage(ctx, wf, mode, stage, acc, logger)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return o.halt(pctx, id, mode.Name, stage, res, result, runStart, &totalCost)
		}

		acc.SetStageOutput(stage, res.Output)
		result.CompletedStages = append(result.CompletedStages, stage)
		err = o.workflows.Update(pctx, id, func(w *domain.Workflow) error {
			w.TotalCost += res.Cost
			applyCounters(w, stage, res.Output)
			totalCost = w.TotalCost
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("record %s totals: %w", stage, err)
		}
	}

	final := assembleFinalOutput(acc, mode.Name, result.SkippedStages, totalCost)
	raw, err := json.Marshal(final)
	if err != nil {
		return nil, fmt.Errorf("encode final output: %w", err)
	}
	completedAt := o.now()
	err = o.workflows.Update(pctx, id, func(w *domain.Workflow) error {
		w.Status = domain.WorkflowStatusCompleted
		w.CompletedAt = &completedAt
		w.FinalOutput = raw
		totalCost = w.TotalCost
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark workflow completed: %w", err)
	}

	o.metrics.RecordWorkflowCompleted(time.Since(runStart).Seconds())
	o.publish(pctx, domain.EventTypeWorkflowCompleted, id, "", domain.WorkflowOutcomePayload{
		Status:    domain.WorkflowStatusCompleted,
		Mode:      mode.Name,
		TotalCost: totalCost,
	})
	logger.Info().Float64("total_cost", totalCost).Msg("workflow completed")

	result.Status = RunCompleted
	result.TotalCost = totalCost
	result.FinalOutput = raw
	return result, nil
}

// halt records a paused or failed run after an unsuccessful stage. The
// stage's spend is charged to total_cost like a success; its failed
// checkpoint carries the same cost.
func (o *Orchestrator) halt(pctx context.Context, id uuid.UUID, mode string, stage domain.Stage, res *StageResult, result *Result, runStart time.Time, totalCost *float64) (*Result, error) {
	status := domain.WorkflowStatusFailed
	if res.NeedsUserAction {
		status = domain.WorkflowStatusNeedsReview
	}

	err := o.workflows.Update(pctx, id, func(w *domain.Workflow) error {
		w.Status = status
		w.NeedsUserAction = res.NeedsUserAction
		w.ActionRequired = res.ActionRequired
		w.ErrorMessage = res.Error
		w.TotalCost += res.Cost
		*totalCost = w.TotalCost
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark workflow %s: %w", status, err)
	}

	elapsed := time.Since(runStart).Seconds()
	eventType := domain.EventTypeWorkflowFailed
	result.Status = RunFailed
	if res.NeedsUserAction {
		eventType = domain.EventTypeWorkflowNeedsReview
		result.Status = RunNeedsReview
		result.ActionRequired = res.ActionRequired
		o.metrics.RecordWorkflowPaused(elapsed)
	} else {
		o.metrics.RecordWorkflowFailed(elapsed)
	}
	o.publish(pctx, eventType, id, stage, domain.WorkflowOutcomePayload{
		Status:         status,
		Mode:           mode,
		TotalCost:      *totalCost,
		FailedStage:    stage,
		Error:          res.Error,
		ActionRequired: res.ActionRequired,
	})
	o.logger.Warn().
		Str("workflow_id", id.String()).
		Str("stage", string(stage)).
		Str("status", string(status)).
		Str("error", res.Error).
		Str("action_required", res.ActionRequired).
		Msg("workflow halted")

	result.FailedStage = stage
	result.Error = res.Error
	result.TotalCost = *totalCost
	return result, nil
}

// runStage executes one stage and persists its checkpoint. Errors are
// returned only for persistence failures and lost leases.
func (o *Orchestrator) runStage(ctx context.Context, wf *domain.Workflow, mode domain.ModeConfig, stage domain.Stage, acc *Accumulator, logger zerolog.Logger) (*StageResult, error) {
	pctx := context.WithoutCancel(ctx)
	exec := o.registry.MustGet(stage)

	if err := o.checkpoints.MarkStarted(pctx, wf.ID, stage); err != nil {
		return nil, fmt.Errorf("mark %s started: %w", stage, err)
	}
	o.publish(pctx, domain.EventTypeStageStarted, wf.ID, stage, nil)

	in := &StageInput{WorkflowID: wf.ID, Stage: stage, Mode: mode, Data: acc}
	stageLog := stageLogger(logger, in)
	in.Logger = stageLog
	trackerOpts := o.progressOpts
	trackerOpts.Logger = stageLog
	in.Tracker = progress.NewTracker(wf.ID, stage, o.checkpoints, trackerOpts)

	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.stageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, o.stageTimeout)
	}

	stageLog.Info().Msg("stage started")
	started := time.Now()
	res := exec.RunWithRetry(stageCtx, in)
	timedOut := errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	elapsed := time.Since(started)

	if err := leaseLost(ctx); err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}

	if res == nil {
		res = &StageResult{Err: errors.New("stage returned no result")}
		res.Error = res.Err.Error()
	}
	outcome := "completed"
	switch {
	case res.Success:
	case ctx.Err() != nil:
		res.Err = fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		res.Error = "canceled"
		res.NeedsUserAction = true
		res.ActionRequired = cancelAction
		outcome = "canceled"
	case timedOut:
		res.Error = fmt.Sprintf("stage timed out after %s", o.stageTimeout)
		res.NeedsUserAction = false
		res.ActionRequired = ""
		outcome = "timeout"
	case res.NeedsUserAction:
		outcome = "needs_review"
	default:
		outcome = "failed"
	}

	if res.Success {
		in.Tracker.Completed(pctx)
	} else {
		_ = in.Tracker.Flush(pctx)
	}

	completedAt := o.now()
	cp := &domain.Checkpoint{
		WorkflowID:   wf.ID,
		Stage:        stage,
		Status:       domain.CheckpointStatusFailed,
		CompletedAt:  &completedAt,
		ErrorMessage: res.Error,
		RetryCount:   res.RetryCount,
		Cost:         res.Cost,
	}
	if res.Success {
		raw, err := json.Marshal(res.Output)
		if err != nil {
			return nil, fmt.Errorf("encode %s output: %w", stage, err)
		}
		cp.Status = domain.CheckpointStatusCompleted
		cp.OutputData = raw
	}
	if err := o.checkpoints.Upsert(pctx, cp); err != nil {
		return nil, fmt.Errorf("save %s checkpoint: %w", stage, err)
	}

	o.metrics.RecordStageExecution(string(stage), outcome, elapsed.Seconds(), res.Cost, res.RetryCount)
	eventType := domain.EventTypeStageCompleted
	if !res.Success {
		eventType = domain.EventTypeStageFailed
	}
	o.publish(pctx, eventType, wf.ID, stage, domain.StageOutcomePayload{
		Status:         cp.Status,
		Cost:           res.Cost,
		RetryCount:     res.RetryCount,
		DurationMS:     elapsed.Milliseconds(),
		Error:          res.Error,
		ActionRequired: res.ActionRequired,
	})

	ev := stageLog.Info()
	if !res.Success {
		ev = stageLog.Warn().Str("error", res.Error).Bool("needs_user_action", res.NeedsUserAction)
	}
	ev.Str("outcome", outcome).
		Dur("duration", elapsed).
		Float64("cost", res.Cost).
		Int("retries", res.RetryCount).
		Msg("stage finished")

	return res, nil
}

func (o *Orchestrator) rerun(ctx context.Context, id uuid.UUID, stage domain.Stage, override map[string]any) (*StageResult, error) {
	pctx := context.WithoutCancel(ctx)

	wf, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mode, err := domain.LookupMode(wf.Mode)
	if err != nil {
		return nil, err
	}
	cps, err := o.checkpoints.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	idx := domain.IndexCheckpoints(cps)

	var missing []domain.Stage
	for _, s := range stage.Before() {
		if !idx.Done(s) {
			missing = append(missing, s)
		}
	}
	exec := o.registry.MustGet(stage)
	for _, req := range exec.RequiredStages() {
		cp, ok := idx[req]
		if ok && cp.Status == domain.CheckpointStatusCompleted {
			continue
		}
		if !containsStage(missing, req) {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, &domain.DependencyError{Stage: stage, Missing: missing}
	}

	acc := NewAccumulator(wf.InitialData())
	for _, s := range stage.Before() {
		cp := idx[s]
		if cp.Status != domain.CheckpointStatusCompleted {
			continue
		}
		out, err := cp.Output()
		if err != nil {
			return nil, fmt.Errorf("decode %s checkpoint: %w", s, err)
		}
		acc.SetStageOutput(s, out)
	}
	acc.Override(override)

	logger := observability.WithWorkflowContext(o.logger, id.String(), mode.Name)
	logger.Info().Str("stage", string(stage)).Int("overrides", len(override)).Msg("rerunning stage")

	res, err := o.runStage(ctx, wf, mode, stage, acc, logger)
	if err != nil {
		return nil, err
	}

	err = o.workflows.Update(pctx, id, func(w *domain.Workflow) error {
		w.TotalCost += res.Cost
		if res.Success {
			applyCounters(w, stage, res.Output)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record %s totals: %w", stage, err)
	}
	return res, nil
}

// finalizeInterrupted completes a workflow whose every stage is done but
// whose completion was never recorded.
func (o *Orchestrator) finalizeInterrupted(ctx context.Context, wf *domain.Workflow, idx domain.CheckpointIndex) (*Result, error) {
	var result *Result
	err := o.withLease(ctx, wf.ID, func(runCtx context.Context) error {
		acc := NewAccumulator(wf.InitialData())
		var skipped []domain.Stage
		for _, s := range domain.StageOrder() {
			cp := idx[s]
			if cp.Status == domain.CheckpointStatusSkipped {
				skipped = append(skipped, s)
				continue
			}
			out, err := cp.Output()
			if err != nil {
				return fmt.Errorf("decode %s checkpoint: %w", s, err)
			}
			acc.SetStageOutput(s, out)
		}

		raw, err := json.Marshal(assembleFinalOutput(acc, wf.Mode, skipped, wf.TotalCost))
		if err != nil {
			return fmt.Errorf("encode final output: %w", err)
		}
		completedAt := o.now()
		if !repository.CanTransition(wf.Status, domain.WorkflowStatusCompleted) {
			err = o.workflows.Update(context.WithoutCancel(runCtx), wf.ID, func(w *domain.Workflow) error {
				w.Status = domain.WorkflowStatusRunning
				return nil
			})
			if err != nil {
				return fmt.Errorf("reopen workflow: %w", err)
			}
		}
		err = o.workflows.Update(context.WithoutCancel(runCtx), wf.ID, func(w *domain.Workflow) error {
			w.Status = domain.WorkflowStatusCompleted
			w.NeedsUserAction = false
			w.ActionRequired = ""
			w.ErrorMessage = ""
			w.CompletedAt = &completedAt
			w.FinalOutput = raw
			return nil
		})
		if err != nil {
			return fmt.Errorf("mark workflow completed: %w", err)
		}

		wf.Status = domain.WorkflowStatusCompleted
		wf.FinalOutput = raw
		result = alreadyCompleted(wf, idx)
		return nil
	})
	return result, err
}

func alreadyCompleted(wf *domain.Workflow, idx domain.CheckpointIndex) *Result {
	r := &Result{
		WorkflowID:      wf.ID,
		Status:          RunAlreadyCompleted,
		CompletedStages: []domain.Stage{},
		TotalCost:       wf.TotalCost,
		FinalOutput:     wf.FinalOutput,
	}
	for _, s := range domain.StageOrder() {
		if cp, ok := idx[s]; ok {
			switch cp.Status {
			case domain.CheckpointStatusCompleted:
				r.CompletedStages = append(r.CompletedStages, s)
			case domain.CheckpointStatusSkipped:
				r.SkippedStages = append(r.SkippedStages, s)
			}
		}
	}
	return r
}

// withLease runs fn while holding the workflow lease. Each call takes the
// lease under its own token, so two calls on one instance exclude each
// other too. A heartbeat renews the lease every TTL/3; if the lease is lost
// the context passed to fn is cancelled with domain.ErrLeaseHeld as its
// cause.
func (o *Orchestrator) withLease(ctx context.Context, id uuid.UUID, fn func(context.Context) error) error {
	token := o.leaseToken()
	if err := o.workflows.AcquireLease(ctx, id, token, o.leaseTTL); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.heartbeat(runCtx, id, token, cancel)
	}()

	defer func() {
		cancel(nil)
		wg.Wait()
		releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		if err := o.workflows.ReleaseLease(releaseCtx, id, token); err != nil {
			o.logger.Warn().Err(err).Str("workflow_id", id.String()).Msg("failed to release workflow lease")
		}
	}()

	return fn(runCtx)
}

// leaseToken is the instance holder plus a per-call suffix.
func (o *Orchestrator) leaseToken() string {
	return o.holder + "/" + uuid.NewString()
}

func (o *Orchestrator) heartbeat(ctx context.Context, id uuid.UUID, token string, cancel context.CancelCauseFunc) {
	interval := o.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := o.workflows.RenewLease(ctx, id, token, o.leaseTTL)
			if err == nil {
				continue
			}
			if errors.Is(err, domain.ErrLeaseHeld) {
				o.logger.Error().Str("workflow_id", id.String()).Msg("workflow lease lost; stopping run")
				cancel(err)
				return
			}
			if ctx.Err() == nil {
				o.logger.Warn().Err(err).Str("workflow_id", id.String()).Msg("lease renewal failed")
			}
		}
	}
}

// leaseLost returns the cancellation cause if the run stopped because the
// lease moved to another holder.
func leaseLost(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, domain.ErrLeaseHeld) {
		return cause
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, id uuid.UUID, stage domain.Stage, payload any) {
	if o.publisher == nil {
		return
	}
	event, err := domain.NewWorkflowEvent(eventType, id, stage, payload)
	if err != nil {
		o.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to build workflow event")
		return
	}
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn().Err(err).Str("event_type", eventType).Str("workflow_id", id.String()).Msg("failed to publish workflow event")
	}
}

func skipSet(requested []domain.Stage, mode domain.ModeConfig) (map[domain.Stage]string, error) {
	skip := make(map[domain.Stage]string)
	for _, s := range requested {
		if !s.Valid() {
			return nil, domain.NewValidationError("skip", fmt.Sprintf("unknown stage %q", s))
		}
		skip[s] = "requested"
	}
	for _, s := range mode.SkippedStages() {
		if _, ok := skip[s]; !ok {
			skip[s] = "mode"
		}
	}
	return skip, nil
}

// applyCounters copies paper counts from stage outputs onto the workflow.
func applyCounters(w *domain.Workflow, stage domain.Stage, output map[string]any) {
	switch stage {
	case domain.StageSearch:
		if n, ok := intValue(output["papers_found"]); ok {
			w.PapersFound = n
		}
	case domain.StageScreen:
		if n, ok := intValue(output["papers_screened"]); ok {
			w.PapersScreened = n
		}
		if n, ok := intValue(output["papers_included"]); ok {
			w.PapersIncluded = n
		}
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func containsStage(list []domain.Stage, s domain.Stage) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

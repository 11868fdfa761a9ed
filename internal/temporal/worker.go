package temporal

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// WorkerConfig contains configuration for the pipeline worker.
type WorkerConfig struct {
	// TaskQueue is the name of the task queue to poll.
	TaskQueue string

	// MaxConcurrentActivityExecutionSize caps concurrent pipeline runs on
	// this worker. Default: 8
	MaxConcurrentActivityExecutionSize int

	// MaxConcurrentWorkflowTaskExecutionSize. Default: 50
	MaxConcurrentWorkflowTaskExecutionSize int

	// MaxConcurrentActivityTaskPollers. Default: 2
	MaxConcurrentActivityTaskPollers int

	// MaxConcurrentWorkflowTaskPollers. Default: 2
	MaxConcurrentWorkflowTaskPollers int
}

// DefaultWorkerConfig returns a WorkerConfig with default values.
func DefaultWorkerConfig(taskQueue string) WorkerConfig {
	return WorkerConfig{
		TaskQueue:                              taskQueue,
		MaxConcurrentActivityExecutionSize:     8,
		MaxConcurrentWorkflowTaskExecutionSize: 50,
		MaxConcurrentActivityTaskPollers:       2,
		MaxConcurrentWorkflowTaskPollers:       2,
	}
}

// workerOptionsFromConfig builds worker.Options, filling zero fields with
// the defaults.
func workerOptionsFromConfig(config WorkerConfig) worker.Options {
	def := DefaultWorkerConfig(config.TaskQueue)
	pick := func(v, d int) int {
		if v <= 0 {
			return d
		}
		return v
	}
	return worker.Options{
		MaxConcurrentActivityExecutionSize:     pick(config.MaxConcurrentActivityExecutionSize, def.MaxConcurrentActivityExecutionSize),
		MaxConcurrentWorkflowTaskExecutionSize: pick(config.MaxConcurrentWorkflowTaskExecutionSize, def.MaxConcurrentWorkflowTaskExecutionSize),
		MaxConcurrentActivityTaskPollers:       pick(config.MaxConcurrentActivityTaskPollers, def.MaxConcurrentActivityTaskPollers),
		MaxConcurrentWorkflowTaskPollers:       pick(config.MaxConcurrentWorkflowTaskPollers, def.MaxConcurrentWorkflowTaskPollers),
	}
}

// WorkerManager owns the pipeline worker and tracks what it registered.
type WorkerManager struct {
	worker     worker.Worker
	taskQueue  string
	logger     zerolog.Logger
	registered []string
}

// NewWorkerManager creates a worker polling config.TaskQueue.
func NewWorkerManager(c client.Client, config WorkerConfig, logger zerolog.Logger) (*WorkerManager, error) {
	if config.TaskQueue == "" {
		return nil, fmt.Errorf("task queue is required")
	}
	return &WorkerManager{
		worker:    worker.New(c, config.TaskQueue, workerOptionsFromConfig(config)),
		taskQueue: config.TaskQueue,
		logger:    logger,
	}, nil
}

// RegisterWorkflow registers fn under name.
func (m *WorkerManager) RegisterWorkflow(fn interface{}, name string) {
	m.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
	m.registered = append(m.registered, "workflow:"+name)
}

// RegisterActivity registers fn under name.
func (m *WorkerManager) RegisterActivity(fn interface{}, name string) {
	m.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	m.registered = append(m.registered, "activity:"+name)
}

// Registered lists the registered workflow and activity names.
func (m *WorkerManager) Registered() []string {
	return append([]string(nil), m.registered...)
}

// TaskQueue returns the configured task queue name.
func (m *WorkerManager) TaskQueue() string {
	return m.taskQueue
}

// Start runs the worker until ctx is cancelled or the worker fails.
func (m *WorkerManager) Start(ctx context.Context) error {
	m.logger.Info().
		Str("task_queue", m.taskQueue).
		Strs("registered", m.registered).
		Msg("starting temporal worker")
	return StartWorker(ctx, m.worker)
}

// Stop stops the worker gracefully.
func (m *WorkerManager) Stop() {
	m.worker.Stop()
}

// StartWorker runs w until ctx is cancelled, an interrupt arrives, or the
// worker fails.
func StartWorker(ctx context.Context, w worker.Worker) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(worker.InterruptCh())
	}()

	select {
	case <-ctx.Done():
		w.Stop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

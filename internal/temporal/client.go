package temporal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/observability"
)

// Default timeouts for pipeline runs and health checks.
const (
	// DefaultRunTimeout bounds one pipeline workflow execution.
	DefaultRunTimeout = 24 * time.Hour

	// DefaultHealthCheckTimeout is the timeout for Temporal server health checks.
	DefaultHealthCheckTimeout = 5 * time.Second
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrWorkflowNotFound indicates the workflow execution was not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowAlreadyStarted indicates a workflow with the same ID is already running.
	ErrWorkflowAlreadyStarted = errors.New("workflow already started")

	// ErrWorkflowAlreadyCompleted indicates the workflow has already completed.
	ErrWorkflowAlreadyCompleted = errors.New("workflow already completed")

	// ErrQueryFailed indicates the workflow query failed.
	ErrQueryFailed = errors.New("query failed")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("client closed")

	// ErrConnectionFailed indicates a connection failure to the Temporal server.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNamespaceNotFound indicates the namespace does not exist.
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrPermissionDenied indicates insufficient permissions.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidArgument indicates an invalid argument was provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrResourceExhausted indicates resource limits have been reached.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrDeadlineExceeded indicates the operation deadline was exceeded.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// =============================================================================
// Error Helpers
// =============================================================================

// TemporalError wraps a Temporal error with additional context.
type TemporalError struct {
	Op         string // Operation that failed
	Kind       error  // Category of error (sentinel)
	WorkflowID string // Workflow ID (if applicable)
	RunID      string // Run ID (if applicable)
	Err        error  // Underlying error
}

// Error returns the error message.
func (e *TemporalError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.WorkflowID != "" {
		msg += fmt.Sprintf(" [workflowID=%s", e.WorkflowID)
		if e.RunID != "" {
			msg += fmt.Sprintf(", runID=%s", e.RunID)
		}
		msg += "]"
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TemporalError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error's Kind.
func (e *TemporalError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// wrapTemporalError converts a Temporal SDK error to a TemporalError.
func wrapTemporalError(op string, err error, workflowID, runID string) error {
	if err == nil {
		return nil
	}

	te := &TemporalError{
		Op:         op,
		WorkflowID: workflowID,
		RunID:      runID,
		Err:        err,
	}

	// Map Temporal service errors to sentinel errors
	var notFoundErr *serviceerror.NotFound
	var alreadyStartedErr *serviceerror.WorkflowExecutionAlreadyStarted
	var namespaceNotFoundErr *serviceerror.NamespaceNotFound
	var permissionDeniedErr *serviceerror.PermissionDenied
	var invalidArgumentErr *serviceerror.InvalidArgument
	var resourceExhaustedErr *serviceerror.ResourceExhausted
	var deadlineExceededErr *serviceerror.DeadlineExceeded
	var queryFailedErr *serviceerror.QueryFailed
	var unavailableErr *serviceerror.Unavailable

	switch {
	case errors.As(err, &notFoundErr):
		te.Kind = ErrWorkflowNotFound
	case errors.As(err, &alreadyStartedErr):
		te.Kind = ErrWorkflowAlreadyStarted
	case errors.As(err, &namespaceNotFoundErr):
		te.Kind = ErrNamespaceNotFound
	case errors.As(err, &permissionDeniedErr):
		te.Kind = ErrPermissionDenied
	case errors.As(err, &invalidArgumentErr):
		te.Kind = ErrInvalidArgument
	case errors.As(err, &resourceExhaustedErr):
		te.Kind = ErrResourceExhausted
	case errors.As(err, &deadlineExceededErr):
		te.Kind = ErrDeadlineExceeded
	case errors.As(err, &queryFailedErr):
		te.Kind = ErrQueryFailed
	case errors.As(err, &unavailableErr):
		te.Kind = ErrConnectionFailed
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			te.Kind = ErrDeadlineExceeded
		} else if errors.Is(err, context.Canceled) {
			te.Kind = ErrClientClosed
		} else {
			te.Kind = ErrConnectionFailed
		}
	}

	return te
}

// IsWorkflowNotFound checks if the error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsWorkflowAlreadyStarted checks if the error indicates a workflow already started.
func IsWorkflowAlreadyStarted(err error) bool {
	return errors.Is(err, ErrWorkflowAlreadyStarted)
}

// IsQueryFailed checks if the error indicates a query failure.
func IsQueryFailed(err error) bool {
	return errors.Is(err, ErrQueryFailed)
}

// IsConnectionFailed checks if the error indicates a connection failure.
func IsConnectionFailed(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// =============================================================================
// TLS Configuration
// =============================================================================

// TLSConfig contains TLS configuration for the Temporal client.
type TLSConfig struct {
	// Enabled enables TLS for the connection.
	Enabled bool

	// CertPath is the path to the client certificate file (PEM format).
	CertPath string

	// KeyPath is the path to the client private key file (PEM format).
	KeyPath string

	// CACertPath is the path to the CA certificate file (PEM format).
	CACertPath string

	// ServerName is the expected server name for certificate verification.
	ServerName string

	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
}

// buildTLSConfig creates a *tls.Config from TLSConfig.
func (t *TLSConfig) buildTLSConfig() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: t.InsecureSkipVerify,
		ServerName:         t.ServerName,
		MinVersion:         tls.VersionTLS12,
	}

	// Load client certificate if provided
	if t.CertPath != "" && t.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(t.CertPath, t.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	// Load CA certificate if provided
	if t.CACertPath != "" {
		caCert, err := os.ReadFile(t.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}

// =============================================================================
// Client
// =============================================================================

// ClientConfig contains configuration for the Temporal client.
type ClientConfig struct {
	// HostPort is the Temporal server address (e.g., "localhost:7233").
	HostPort string

	// Namespace is the Temporal namespace to use.
	Namespace string

	// TaskQueue is the queue pipeline workflows are started on.
	TaskQueue string

	// TLS contains optional TLS configuration.
	TLS *TLSConfig

	// RunTimeout bounds a pipeline workflow execution. Defaults to DefaultRunTimeout.
	RunTimeout time.Duration

	// HealthCheckTimeout defaults to DefaultHealthCheckTimeout.
	HealthCheckTimeout time.Duration

	Logger zerolog.Logger
}

// NewClient dials the Temporal server.
func NewClient(cfg ClientConfig) (client.Client, error) {
	options := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    observability.NewTemporalLogger(observability.WithComponent(cfg.Logger, "temporal")),
	}

	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := cfg.TLS.buildTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("configure TLS: %w", err)
		}
		options.ConnectionOptions = client.ConnectionOptions{
			TLS: tlsConfig,
		}
	}

	c, err := client.Dial(options)
	if err != nil {
		return nil, fmt.Errorf("create Temporal client: %w", err)
	}
	return c, nil
}

// WorkflowID returns the Temporal workflow ID for a review. One ID per
// review means Temporal itself rejects a second concurrent run.
func WorkflowID(id uuid.UUID) string {
	return "review-" + id.String()
}

// ReviewClient starts and manages pipeline runs on Temporal.
type ReviewClient struct {
	mu                 sync.RWMutex
	client             client.Client
	taskQueue          string
	runTimeout         time.Duration
	healthCheckTimeout time.Duration
	closed             bool
}

// NewReviewClient wraps c.
func NewReviewClient(c client.Client, cfg ClientConfig) *ReviewClient {
	rc := &ReviewClient{
		client:             c,
		taskQueue:          cfg.TaskQueue,
		runTimeout:         cfg.RunTimeout,
		healthCheckTimeout: cfg.HealthCheckTimeout,
	}
	if rc.runTimeout <= 0 {
		rc.runTimeout = DefaultRunTimeout
	}
	if rc.healthCheckTimeout <= 0 {
		rc.healthCheckTimeout = DefaultHealthCheckTimeout
	}
	return rc
}

// Close closes the underlying Temporal client connection.
func (c *ReviewClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && !c.closed {
		c.client.Close()
		c.closed = true
	}
}

func (c *ReviewClient) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Health checks the connection to the Temporal server.
func (c *ReviewClient) Health(ctx context.Context) error {
	if c.isClosed() {
		return &TemporalError{Op: "Health", Kind: ErrClientClosed}
	}
	checkCtx, cancel := context.WithTimeout(ctx, c.healthCheckTimeout)
	defer cancel()

	if _, err := c.client.CheckHealth(checkCtx, &client.CheckHealthRequest{}); err != nil {
		return wrapTemporalError("Health", err, "", "")
	}
	return nil
}

// RunInfo identifies a started pipeline run.
type RunInfo struct {
	WorkflowID string `json:"temporal_workflow_id"`
	RunID      string `json:"temporal_run_id"`
}

// StartRun starts a pipeline workflow for input. A run already in progress
// for the same review is reported as ErrWorkflowAlreadyStarted.
func (c *ReviewClient) StartRun(ctx context.Context, input PipelineInput) (*RunInfo, error) {
	if c.isClosed() {
		return nil, &TemporalError{Op: "StartRun", Kind: ErrClientClosed}
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}

	workflowID := WorkflowID(input.WorkflowID)
	options := client.StartWorkflowOptions{
		ID:                                       workflowID,
		TaskQueue:                                c.taskQueue,
		WorkflowExecutionTimeout:                 c.runTimeout,
		WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy:                 enums.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}

	run, err := c.client.ExecuteWorkflow(ctx, options, PipelineWorkflowName, input)
	if err != nil {
		return nil, wrapTemporalError("StartRun", err, workflowID, "")
	}
	return &RunInfo{WorkflowID: workflowID, RunID: run.GetRunID()}, nil
}

// Execute starts a full run from startFrom, skipping the given stages.
func (c *ReviewClient) Execute(ctx context.Context, id uuid.UUID, startFrom domain.Stage, skip []domain.Stage) (*RunInfo, error) {
	return c.StartRun(ctx, PipelineInput{WorkflowID: id, Operation: OperationExecute, StartFrom: startFrom, Skip: skip})
}

// Resume starts a run that continues from the first incomplete stage.
func (c *ReviewClient) Resume(ctx context.Context, id uuid.UUID) (*RunInfo, error) {
	return c.StartRun(ctx, PipelineInput{WorkflowID: id, Operation: OperationResume})
}

// Rerun starts a run that re-executes a single stage.
func (c *ReviewClient) Rerun(ctx context.Context, id uuid.UUID, stage domain.Stage, override map[string]any) (*RunInfo, error) {
	return c.StartRun(ctx, PipelineInput{WorkflowID: id, Operation: OperationRerun, Stage: stage, InputOverride: override})
}

// Cancel requests cancellation of the review's current run. The orchestrator
// then leaves the workflow in needs_review so it can be resumed.
func (c *ReviewClient) Cancel(ctx context.Context, id uuid.UUID) error {
	workflowID := WorkflowID(id)
	if c.isClosed() {
		return &TemporalError{Op: "Cancel", Kind: ErrClientClosed, WorkflowID: workflowID}
	}
	if err := c.client.CancelWorkflow(ctx, workflowID, ""); err != nil {
		return wrapTemporalError("Cancel", err, workflowID, "")
	}
	return nil
}

// Result waits for the review's latest run to finish.
func (c *ReviewClient) Result(ctx context.Context, id uuid.UUID) (*PipelineOutput, error) {
	workflowID := WorkflowID(id)
	if c.isClosed() {
		return nil, &TemporalError{Op: "Result", Kind: ErrClientClosed, WorkflowID: workflowID}
	}
	var out PipelineOutput
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &out); err != nil {
		return nil, wrapTemporalError("Result", err, workflowID, "")
	}
	return &out, nil
}

// RunDescription describes the review's latest run.
type RunDescription struct {
	WorkflowID string     `json:"temporal_workflow_id"`
	RunID      string     `json:"temporal_run_id"`
	Status     string     `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	CloseTime  *time.Time `json:"close_time,omitempty"`
}

// Running reports whether the run has not closed.
func (d *RunDescription) Running() bool {
	return d.Status == enums.WORKFLOW_EXECUTION_STATUS_RUNNING.String()
}

// Describe returns the state of the review's latest run.
func (c *ReviewClient) Describe(ctx context.Context, id uuid.UUID) (*RunDescription, error) {
	workflowID := WorkflowID(id)
	if c.isClosed() {
		return nil, &TemporalError{Op: "Describe", Kind: ErrClientClosed, WorkflowID: workflowID}
	}
	resp, err := c.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, wrapTemporalError("Describe", err, workflowID, "")
	}

	info := resp.GetWorkflowExecutionInfo()
	desc := &RunDescription{
		WorkflowID: workflowID,
		RunID:      info.GetExecution().GetRunId(),
		Status:     info.GetStatus().String(),
		StartTime:  info.GetStartTime().AsTime(),
	}
	if info.GetCloseTime() != nil {
		t := info.GetCloseTime().AsTime()
		desc.CloseTime = &t
	}
	return desc, nil
}

// Query reads the run's current stage through the status query.
func (c *ReviewClient) Query(ctx context.Context, id uuid.UUID) (*RunStatus, error) {
	workflowID := WorkflowID(id)
	if c.isClosed() {
		return nil, &TemporalError{Op: "Query", Kind: ErrClientClosed, WorkflowID: workflowID}
	}
	resp, err := c.client.QueryWorkflow(ctx, workflowID, "", QueryStatus)
	if err != nil {
		return nil, wrapTemporalError("Query", err, workflowID, "")
	}
	var st RunStatus
	if err := resp.Get(&st); err != nil {
		return nil, &TemporalError{
			Op:         "Query",
			Kind:       ErrQueryFailed,
			WorkflowID: workflowID,
			Err:        fmt.Errorf("decode query result: %w", err),
		}
	}
	return &st, nil
}

// TaskQueue returns the configured task queue name.
func (c *ReviewClient) TaskQueue() string {
	return c.taskQueue
}

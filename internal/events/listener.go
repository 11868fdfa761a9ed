package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/review-orchestrator/internal/domain"
	litemporal "github.com/helixir/review-orchestrator/internal/temporal"
)

// messageReader is the subset of *kafka.Reader the listener uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// CommandHandler carries out operator commands. *temporal.ReviewClient
// satisfies it.
type CommandHandler interface {
	Resume(ctx context.Context, id uuid.UUID) (*litemporal.RunInfo, error)
	Rerun(ctx context.Context, id uuid.UUID, stage domain.Stage, override map[string]any) (*litemporal.RunInfo, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

var _ CommandHandler = (*litemporal.ReviewClient)(nil)

// ListenerConfig configures a CommandListener.
type ListenerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// CommandListener consumes WorkflowCommand messages and dispatches them.
type CommandListener struct {
	reader  messageReader
	handler CommandHandler
	logger  zerolog.Logger
}

// NewCommandListener creates a listener in consumer group cfg.GroupID.
func NewCommandListener(cfg ListenerConfig, handler CommandHandler, logger zerolog.Logger) *CommandListener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})
	return newCommandListener(reader, handler, logger)
}

func newCommandListener(r messageReader, handler CommandHandler, logger zerolog.Logger) *CommandListener {
	return &CommandListener{
		reader:  r,
		handler: handler,
		logger:  logger.With().Str("component", "command_listener").Logger(),
	}
}

// Run reads commands until ctx is cancelled. Malformed or failing commands
// are logged and skipped.
func (l *CommandListener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting command listener")

	for {
		msg, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("command listener stopped")
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("failed to read command from Kafka")
			continue
		}

		l.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received command")

		if err := l.handle(ctx, msg.Value); err != nil {
			l.logger.Error().Err(err).
				Int64("offset", msg.Offset).
				Msg("command not applied")
		}
	}
}

func (l *CommandListener) handle(ctx context.Context, value []byte) error {
	var cmd domain.WorkflowCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	logger := l.logger.With().
		Str("command", cmd.Command).
		Str("workflow_id", cmd.WorkflowID.String()).
		Logger()

	var (
		info *litemporal.RunInfo
		err  error
	)
	switch cmd.Command {
	case domain.CommandResume:
		info, err = l.handler.Resume(ctx, cmd.WorkflowID)
	case domain.CommandRerun:
		info, err = l.handler.Rerun(ctx, cmd.WorkflowID, cmd.Stage, cmd.InputOverride)
	case domain.CommandCancel:
		err = l.handler.Cancel(ctx, cmd.WorkflowID)
	}

	switch {
	case err == nil:
	case litemporal.IsWorkflowAlreadyStarted(err):
		logger.Warn().Msg("a run is already in progress, command ignored")
		return nil
	case cmd.Command == domain.CommandCancel && litemporal.IsWorkflowNotFound(err):
		logger.Warn().Msg("no run to cancel")
		return nil
	default:
		return fmt.Errorf("%s %s: %w", cmd.Command, cmd.WorkflowID, err)
	}

	event := logger.Info()
	if info != nil {
		event = event.Str("run_id", info.RunID)
	}
	event.Msg("command applied")
	return nil
}

// Close closes the Kafka reader.
func (l *CommandListener) Close() error {
	l.logger.Info().Msg("closing command listener")
	return l.reader.Close()
}

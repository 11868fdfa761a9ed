package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

var runCommand = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Run the review pipeline",
	Long: `Runs the pipeline from the first stage, or from --start-from, to the end.
The run stops at the first stage that fails or needs review.`,
	Args: cobra.ExactArgs(1),
	RunE: runCmd,
}

var (
	runStartFrom string
	runSkip      []string
)

var resumeCommand = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Continue a workflow at its first unfinished stage",
	Args:  cobra.ExactArgs(1),
	RunE:  resumeCmd,
}

var rerunCommand = &cobra.Command{
	Use:   "rerun <workflow-id> <stage>",
	Short: "Run a single stage again",
	Long: `Runs one stage again against the stored outputs of earlier stages.
Every stage the rerun stage depends on must be completed. --override merges a
JSON object into the stage input.`,
	Args: cobra.ExactArgs(2),
	RunE: rerunCmd,
}

var rerunOverride string

var cancelCommand = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel the remote run of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  cancelCmd,
}

func init() {
	runCommand.Flags().StringVar(&runStartFrom, "start-from", "", "First stage to run")
	runCommand.Flags().StringSliceVar(&runSkip, "skip", nil, "Stages to skip (comma separated)")
	rerunCommand.Flags().StringVar(&rerunOverride, "override", "", "JSON object merged into the stage input")

	rootCmd.AddCommand(runCommand, resumeCommand, rerunCommand, cancelCommand)
}

func runCmd(cmd *cobra.Command, args []string) error {
	id, err := parseWorkflowID(args[0])
	if err != nil {
		return err
	}
	var startFrom domain.Stage
	if runStartFrom != "" {
		if startFrom, err = domain.ParseStage(runStartFrom); err != nil {
			return err
		}
	}
	skip, err := parseStages(runSkip)
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer s.Close()
	return execute(cmd, s, id, startFrom, skip)
}

// execute runs the pipeline in-process, or starts it remotely with --remote.
func execute(cmd *cobra.Command, s *session, id uuid.UUID, startFrom domain.Stage, skip []domain.Stage) error {
	ctx := cmd.Context()
	if s.runs != nil {
		info, err := s.runs.Execute(ctx, id, startFrom, skip)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	}

	result, err := s.Orchestrator.ExecuteWorkflow(ctx, id, nil, pipeline.ExecuteOptions{
		StartFrom: startFrom,
		Skip:      skip,
		Trigger:   "cli",
	})
	if err != nil {
		return err
	}
	return printResult(cmd, result)
}

func resumeCmd(cmd *cobra.Command, args []string) error {
	id, err := parseWorkflowID(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.runs != nil {
		info, err := s.runs.Resume(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	}
	result, err := s.Orchestrator.ResumeWorkflow(ctx, id)
	if err != nil {
		return err
	}
	return printResult(cmd, result)
}

func rerunCmd(cmd *cobra.Command, args []string) error {
	id, err := parseWorkflowID(args[0])
	if err != nil {
		return err
	}
	stage, err := domain.ParseStage(args[1])
	if err != nil {
		return err
	}
	override, err := parseOverride(rerunOverride)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.runs != nil {
		info, err := s.runs.Rerun(ctx, id, stage, override)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	}
	res, err := s.Orchestrator.RerunStage(ctx, id, stage, override)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("stage %s did not complete", stage)
	}
	return nil
}

func cancelCmd(cmd *cobra.Command, args []string) error {
	if !remote {
		return fmt.Errorf("cancel needs --remote; stop an in-process run with Ctrl-C")
	}
	id, err := parseWorkflowID(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.runs.Cancel(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", id)
	return nil
}

// parseOverride decodes a JSON object. Empty input yields nil.
func parseOverride(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, domain.NewValidationError("override", "must be a JSON object")
	}
	return out, nil
}

func printResult(cmd *cobra.Command, result *pipeline.Result) error {
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if result.Status == pipeline.RunFailed {
		return fmt.Errorf("run failed at %s: %s", result.FailedStage, result.Error)
	}
	return nil
}

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/helixir/review-orchestrator/internal/domain"
)

var createCommand = &cobra.Command{
	Use:   "create",
	Short: "Create a review workflow",
	Long: `Creates a pending workflow from a research question and screening criteria.
With --run the pipeline starts immediately.`,
	Args: cobra.NoArgs,
	RunE: createWorkflowCmd,
}

var (
	createQuestion  string
	createInclude   []string
	createExclude   []string
	createDatabases []string
	createMode      string
	createRun       bool
)

var listCommand = &cobra.Command{
	Use:   "list",
	Short: "List workflows, newest first",
	Args:  cobra.NoArgs,
	RunE:  listWorkflowsCmd,
}

var (
	listStatus []string
	listMode   string
	listLimit  int
	listOffset int
)

var statusCommand = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow and the status of each stage",
	Args:  cobra.ExactArgs(1),
	RunE:  statusCmd,
}

var progressCommand = &cobra.Command{
	Use:   "progress <workflow-id> <stage>",
	Short: "Show the latest progress snapshot of a stage",
	Args:  cobra.ExactArgs(2),
	RunE:  progressCmd,
}

var modesCommand = &cobra.Command{
	Use:   "modes",
	Short: "List the execution modes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd.OutOrStdout(), domain.Modes())
	},
}

func init() {
	createCommand.Flags().StringVarP(&createQuestion, "question", "q", "", "Research question (required)")
	createCommand.Flags().StringArrayVar(&createInclude, "include", nil, "Inclusion criterion (repeatable)")
	createCommand.Flags().StringArrayVar(&createExclude, "exclude", nil, "Exclusion criterion (repeatable)")
	createCommand.Flags().StringSliceVar(&createDatabases, "db", nil, "Databases to search: openalex, semantic_scholar, pubmed (default all)")
	createCommand.Flags().StringVarP(&createMode, "mode", "m", "", "Execution mode (default balanced)")
	createCommand.Flags().BoolVar(&createRun, "run", false, "Start the pipeline after creating the workflow")
	_ = createCommand.MarkFlagRequired("question")

	listCommand.Flags().StringSliceVar(&listStatus, "status", nil, "Filter by status (comma separated)")
	listCommand.Flags().StringVar(&listMode, "mode", "", "Filter by mode")
	listCommand.Flags().IntVar(&listLimit, "limit", 20, "Maximum workflows to list")
	listCommand.Flags().IntVar(&listOffset, "offset", 0, "Workflows to skip")

	rootCmd.AddCommand(createCommand, listCommand, statusCommand, progressCommand, modesCommand)
}

// newWorkflowFromFlags validates the create flags and builds the workflow.
func newWorkflowFromFlags() (*domain.Workflow, error) {
	question := strings.TrimSpace(createQuestion)
	if question == "" {
		return nil, domain.NewValidationError("question", "is required")
	}
	if _, err := domain.LookupMode(createMode); err != nil {
		return nil, err
	}
	dbs := make([]domain.SourceType, 0, len(createDatabases))
	for _, raw := range createDatabases {
		st := domain.SourceType(strings.TrimSpace(raw))
		if !st.Valid() {
			return nil, domain.NewValidationError("db", fmt.Sprintf("unknown database %q", raw))
		}
		dbs = append(dbs, st)
	}
	return domain.NewWorkflow(question, createInclude, createExclude, dbs, createMode), nil
}

func createWorkflowCmd(cmd *cobra.Command, _ []string) error {
	wf, err := newWorkflowFromFlags()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, createRun)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Workflows.Create(ctx, wf); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	if !createRun {
		return printJSON(cmd.OutOrStdout(), wf)
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "created workflow %s\n", wf.ID)
	return execute(cmd, s, wf.ID, "", nil)
}

func listWorkflowsCmd(cmd *cobra.Command, _ []string) error {
	filter := domain.WorkflowFilter{Mode: listMode, Limit: listLimit, Offset: listOffset}
	for _, st := range listStatus {
		filter.Status = append(filter.Status, domain.WorkflowStatus(strings.TrimSpace(st)))
	}
	if err := filter.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	wfs, total, err := s.Workflows.List(ctx, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMODE\tINCLUDED\tCOST\tQUESTION")
	for _, wf := range wfs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.4f\t%s\n",
			wf.ID, wf.Status, wf.Mode, wf.PapersIncluded, wf.TotalCost, truncate(wf.ResearchQuestion, 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d workflows\n", len(wfs), total)
	return nil
}

func statusCmd(cmd *cobra.Command, args []string) error {
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

	wf, err := s.Workflows.Get(ctx, id)
	if err != nil {
		return err
	}
	stages, err := s.StageReader().GetStageStatus(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workflow %s\n  status: %s\n  mode:   %s\n  cost:   %.4f\n", wf.ID, wf.Status, wf.Mode, wf.TotalCost)
	if wf.NeedsUserAction {
		fmt.Fprintf(out, "  action required: %s\n", wf.ActionRequired)
	}
	if wf.ErrorMessage != "" {
		fmt.Fprintf(out, "  error: %s\n", wf.ErrorMessage)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tRETRIES\tCOST\tERROR")
	for _, st := range stages {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.4f\t%s\n", st.Stage, st.Status, st.RetryCount, st.Cost, st.ErrorMessage)
	}
	return tw.Flush()
}

func progressCmd(cmd *cobra.Command, args []string) error {
	id, err := parseWorkflowID(args[0])
	if err != nil {
		return err
	}
	stage, err := domain.ParseStage(args[1])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	snap, err := s.StageReader().GetStageProgress(ctx, id, stage)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/stepflow/internal/workflow"
)

// newStepsCmd creates the steps command with subcommands.
func newStepsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Manage workflow steps",
	}
	cmd.AddCommand(newStepsListCmd(a))
	cmd.AddCommand(newStepsAddCmd(a))
	return cmd
}

func newStepsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List a workflow's steps in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkflowID(args[0])
			if err != nil {
				return err
			}
			client, err := a.catalogClient()
			if err != nil {
				return err
			}
			steps, err := client.Steps(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, steps)
			}
			wf := &workflow.Workflow{Steps: steps}
			for _, s := range wf.SortedSteps() {
				fmt.Fprintf(out, "%d. %s\n", s.StepNumber, s.Prompt)
			}
			return nil
		},
	}
}

func newStepsAddCmd(a *app) *cobra.Command {
	var (
		prompt     string
		stepNumber int
	)

	cmd := &cobra.Command{
		Use:   "add <workflow-id>",
		Short: "Add a step to a workflow",
		Long: `Add a step to a workflow. Without --number the step is appended; an explicit
number must be the next free position.

Example:
  stepflow steps add 7 --prompt "Summarize it in one sentence"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkflowID(args[0])
			if err != nil {
				return err
			}
			client, err := a.catalogClient()
			if err != nil {
				return err
			}
			step, err := client.AddStep(cmd.Context(), id, workflow.NewStep{StepNumber: stepNumber, Prompt: prompt})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, step)
			}
			if !a.quiet {
				fmt.Fprintf(out, "Added step %d to workflow %d\n", step.StepNumber, id)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "step prompt (required)")
	cmd.Flags().IntVar(&stepNumber, "number", 0, "step number (default: next)")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}

func printWorkflow(out io.Writer, wf *workflow.Workflow) {
	fmt.Fprintf(out, "Workflow %d: %s\n", wf.ID, wf.Name)
	if wf.Description != "" {
		fmt.Fprintf(out, "%s\n", wf.Description)
	}
	fmt.Fprintln(out)
	if len(wf.Steps) == 0 {
		fmt.Fprintln(out, "No steps.")
		return
	}
	for _, s := range wf.SortedSteps() {
		fmt.Fprintf(out, "%d. %s\n", s.StepNumber, s.Prompt)
	}
}

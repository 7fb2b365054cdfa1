package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/stepflow/internal/workflow"
)

// maxParallelLoads bounds concurrent definition parsing in `workflows import`.
const maxParallelLoads = 8

// newWorkflowsCmd creates the workflows command with subcommands.
func newWorkflowsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflows",
		Aliases: []string{"wf"},
		Short:   "List and manage catalog workflows",
		Long: `List and manage the workflows in the catalog.

Subcommands:
  show      Show a workflow and its steps
  create    Create a workflow
  import    Import workflows from YAML definitions

Examples:
  stepflow workflows                         # List workflows
  stepflow workflows show 7                  # Show workflow 7
  stepflow workflows import 'flows/**/*.yaml'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.catalogClient()
			if err != nil {
				return err
			}
			wfs, err := client.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, wfs)
			}
			if len(wfs) == 0 {
				fmt.Fprintln(out, "No workflows. Create one with: stepflow workflows create --name <name>")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTEPS\tDESCRIPTION")
			for _, wf := range wfs {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", wf.ID, wf.Name, len(wf.Steps), truncate(wf.Description, 50))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(newWorkflowsShowCmd(a))
	cmd.AddCommand(newWorkflowsCreateCmd(a))
	cmd.AddCommand(newWorkflowsImportCmd(a))

	return cmd
}

func newWorkflowsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow and its steps",
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
			wf, err := client.Get(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, wf)
			}
			printWorkflow(out, wf)
			return nil
		},
	}
}

func newWorkflowsCreateCmd(a *app) *cobra.Command {
	var (
		name        string
		description string
		steps       []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow",
		Long: `Create a workflow, optionally with steps. Steps are numbered in the order
the --step flags are given.

Example:
  stepflow workflows create --name "Blog post" \
    --step "Write a blog post about cats" \
    --step "Write a title for it"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.catalogClient()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			wf, err := client.Create(ctx, workflow.NewWorkflow{Name: name, Description: description})
			if err != nil {
				return err
			}
			for i, prompt := range steps {
				step, err := client.AddStep(ctx, wf.ID, workflow.NewStep{StepNumber: i + 1, Prompt: prompt})
				if err != nil {
					return fmt.Errorf("workflow %d created but adding step %d failed: %w", wf.ID, i+1, err)
				}
				wf.Steps = append(wf.Steps, *step)
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, wf)
			}
			if !a.quiet {
				fmt.Fprintf(out, "Created workflow %d: %s (%s)\n", wf.ID, wf.Name, stepCount(len(wf.Steps)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "workflow name (required)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "workflow description")
	cmd.Flags().StringArrayVarP(&steps, "step", "s", nil, "step prompt (repeatable)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newWorkflowsImportCmd(a *app) *cobra.Command {
	var (
		dir    string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "import <pattern>...",
		Short: "Import workflows from YAML definitions",
		Long: `Import workflows from YAML files matched by doublestar patterns.

Definition format:
  name: Blog post
  description: Body, then title
  steps:
    - prompt: Write a blog post about cats
    - prompt: Write a title for it

Examples:
  stepflow workflows import flows/blog.yaml
  stepflow workflows import 'flows/**/*.yaml' --dry-run`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := workflow.Discover(dir, args...)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no files match %s", strings.Join(args, ", "))
			}

			defs, err := loadDefinitions(cmd, paths)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				for _, def := range defs {
					fmt.Fprintf(out, "Would import %s from %s (%s)\n", def.Name, def.Path, stepCount(len(def.Steps)))
				}
				return nil
			}

			client, err := a.catalogClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			for _, def := range defs {
				wf, err := client.Create(ctx, workflow.NewWorkflow{Name: def.Name, Description: def.Description})
				if err != nil {
					return fmt.Errorf("import %s: %w", def.Path, err)
				}
				for _, s := range def.Steps {
					if _, err := client.AddStep(ctx, wf.ID, s); err != nil {
						return fmt.Errorf("import %s: step %d: %w", def.Path, s.StepNumber, err)
					}
				}
				if !a.quiet {
					fmt.Fprintf(out, "Imported %s as workflow %d (%s)\n", def.Name, wf.ID, stepCount(len(def.Steps)))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory patterns are relative to")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse definitions without importing")

	return cmd
}

// loadDefinitions parses every path concurrently and returns the definitions
// in path order. Any invalid file fails the whole import.
func loadDefinitions(cmd *cobra.Command, paths []string) ([]*workflow.Definition, error) {
	defs := make([]*workflow.Definition, len(paths))

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(maxParallelLoads)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			def, err := workflow.LoadDefinition(path)
			if err != nil {
				return err
			}
			defs[i] = def
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return defs, nil
}

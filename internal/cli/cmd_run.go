package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/stepflow/internal/channel"
	sferrors "github.com/randalmurphal/stepflow/internal/errors"
	"github.com/randalmurphal/stepflow/internal/events"
	"github.com/randalmurphal/stepflow/internal/progress"
	"github.com/randalmurphal/stepflow/internal/run"
)

// renderDrain bounds how long a finished run waits for its renderer to catch up.
const renderDrain = 2 * time.Second

var errRunInterrupted = errors.New("run interrupted")

// newRunCmd creates the run command.
func newRunCmd(a *app) *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Run a workflow and show its progress",
		Long: `Run a catalog workflow on the engine.

The engine executes the steps in order; after each result it asks for the next
step's input and stepflow sends the previous step's output. On a terminal the
run is shown live; otherwise progress is printed line by line. Ctrl+C ends the
run and closes the connection.

Examples:
  stepflow run 7
  stepflow run 7 --json       # print the final run snapshot as JSON
  stepflow run 7 --plain      # line output even on a terminal`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkflowID(args[0])
			if err != nil {
				return err
			}
			return a.runWorkflow(cmd, id, plain)
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "plain line output even on a terminal")

	return cmd
}

func (a *app) runWorkflow(cmd *cobra.Command, id int64, plain bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	client, err := a.catalogClient()
	if err != nil {
		return err
	}
	wf, err := client.Get(ctx, id)
	if err != nil {
		return err
	}

	dialer, err := channel.NewDialer(a.cfg.Engine.BaseURL,
		channel.WithPathPrefix(a.cfg.Engine.PathPrefix),
		channel.WithLogger(a.logger),
	)
	if err != nil {
		return sferrors.ErrEngineUnavailable(err.Error())
	}

	pub := events.NewMemoryPublisher(events.WithBufferSize(256))
	defer pub.Close()
	ch := pub.Subscribe(events.GlobalSessionID)

	o := run.New(dialer,
		run.WithPublisher(pub),
		run.WithLogger(a.logger),
		run.WithIdleTimeout(a.cfg.Run.IdleTimeout),
		run.WithStrictChaining(a.cfg.Run.StrictChaining),
	)
	defer func() { _ = o.Close() }()

	renderCtx, cancelRender := context.WithCancel(ctx)
	defer cancelRender()
	renderDone := make(chan struct{})

	live := !a.jsonOut && !a.quiet && !plain && isTerminal(out)
	var display *progress.Display
	switch {
	case a.jsonOut:
		close(renderDone)
	case live:
		go func() {
			defer close(renderDone)
			err := progress.RunLive(renderCtx, progress.LiveOptions{
				Workflow: wf.Name,
				Events:   ch,
				OnQuit:   func() { _ = o.Close() },
				Input:    cmd.InOrStdin(),
				Output:   out,
			})
			if err != nil {
				a.logger.Warn("live view failed", "error", err)
			}
		}()
	default:
		display = progress.New(out, wf.Name, a.quiet)
		display.RunStart(id)
		go func() {
			defer close(renderDone)
			display.Run(renderCtx, ch)
		}()
	}

	if _, err := o.Start(ctx, run.Ref{ID: wf.ID, Name: wf.Name}); err != nil {
		return err
	}

	// Ctrl+C cancels ctx; closing the orchestrator ends the session and Wait.
	stop := context.AfterFunc(ctx, func() { _ = o.Close() })
	defer stop()

	snap, _ := o.Wait(context.Background())

	select {
	case <-renderDone:
	case <-time.After(renderDrain):
		cancelRender()
		<-renderDone
	}

	if a.jsonOut {
		if err := printJSON(out, snap); err != nil {
			return err
		}
	} else if !a.quiet {
		if display == nil {
			display = progress.New(out, wf.Name, a.quiet)
		}
		display.Summary(snap)
	}

	switch snap.Status {
	case run.StatusCompleted:
		return nil
	case run.StatusErrored:
		return sferrors.ErrRunFailed(id, snap.StatusMessage)
	default:
		fmt.Fprintln(cmd.ErrOrStderr(), "Run cancelled")
		return errRunInterrupted
	}
}

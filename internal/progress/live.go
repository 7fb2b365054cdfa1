package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/randalmurphal/stepflow/internal/events"
	"github.com/randalmurphal/stepflow/internal/run"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

type eventMsg events.Event

type streamClosedMsg struct{}

// Model is the live run view.
type Model struct {
	workflow string
	events   <-chan events.Event
	onQuit   func()

	spinner  spinner.Model
	width    int
	status   string
	results  []events.ResultData
	warnings []string
	errMsg   string

	done        bool
	succeeded   bool
	interrupted bool
}

// NewModel creates a live view fed by ch. onQuit runs when the user quits
// before the run has finished.
func NewModel(workflow string, ch <-chan events.Event, onQuit func()) Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = titleStyle

	return Model{
		workflow: workflow,
		events:   ch,
		onQuit:   onQuit,
		spinner:  sp,
		width:    80,
		status:   run.MessageConnecting,
	}
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Init starts the spinner and the event pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Update handles keys, resizes and run events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.done {
				m.interrupted = true
				if m.onQuit != nil {
					m.onQuit()
				}
			}
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case streamClosedMsg:
		m.done = true
		return m, tea.Quit

	case eventMsg:
		m.apply(events.Event(msg))
		if m.done {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m *Model) apply(ev events.Event) {
	switch data := ev.Data.(type) {
	case events.StatusData:
		m.status = data.Message
	case events.ResultData:
		m.results = append(m.results, data)
	case events.WarningData:
		m.warnings = append(m.warnings, data.Message)
	case events.CommandData:
		if data.Error != "" {
			m.warnings = append(m.warnings, "could not forward output: "+data.Error)
		}
	case events.ErrorData:
		m.errMsg = data.Message
	case events.CompleteData:
		m.done = true
		m.succeeded = data.Status == run.StatusCompleted.String()
	}
}

// View renders the run.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("stepflow · "+m.workflow) + "\n\n")

	for _, r := range m.results {
		line := fmt.Sprintf("✓ Step %d  %s", r.Step, Preview(r.Result, m.previewWidth()))
		b.WriteString(stepStyle.Render(line) + "\n")
	}
	if len(m.results) > 0 {
		b.WriteString("\n")
	}

	for _, w := range m.warnings {
		b.WriteString(warningStyle.Render("⚠ "+w) + "\n")
	}

	switch {
	case m.errMsg != "":
		b.WriteString(errorStyle.Render(m.errMsg) + "\n")
	case m.done && m.succeeded:
		b.WriteString(stepStyle.Render(fmt.Sprintf("Finished · %d %s", len(m.results), pluralize(len(m.results), "result", "results"))) + "\n")
	case m.interrupted:
		b.WriteString(warningStyle.Render("Interrupted") + "\n")
	case !m.done:
		b.WriteString(m.spinner.View() + " " + m.status + "\n")
		b.WriteString(mutedStyle.Render("q to quit") + "\n")
	}
	return b.String()
}

func (m Model) previewWidth() int {
	// "✓ Step NN  " prefix
	w := m.width - 12
	if w < 20 {
		return 20
	}
	return w
}

// Interrupted reports whether the user quit before the run finished.
func (m Model) Interrupted() bool {
	return m.interrupted
}

// LiveOptions configures RunLive.
type LiveOptions struct {
	Workflow string
	Events   <-chan events.Event
	// OnQuit runs when the user quits early.
	OnQuit func()
	Input  io.Reader
	Output io.Writer
}

// RunLive shows the live view until the run ends, the user quits or ctx is
// done.
func RunLive(ctx context.Context, opts LiveOptions) error {
	m := NewModel(opts.Workflow, opts.Events, opts.OnQuit)
	if f, ok := opts.Output.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			m.width = w
		}
	}

	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if opts.Input != nil {
		progOpts = append(progOpts, tea.WithInput(opts.Input))
	}
	if opts.Output != nil {
		progOpts = append(progOpts, tea.WithOutput(opts.Output))
	}

	_, err := tea.NewProgram(m, progOpts...).Run()
	if err != nil && (ctx.Err() != nil || errors.Is(err, tea.ErrProgramKilled)) {
		return nil
	}
	return err
}

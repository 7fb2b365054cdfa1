// Package progress renders a workflow run for the terminal, either as plain
// lines or as a live bubbletea view, from the orchestrator's event stream.
package progress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/stepflow/internal/events"
	"github.com/randalmurphal/stepflow/internal/run"
)

// previewWidth bounds the one-line result preview.
const previewWidth = 72

// Display prints run progress as plain lines.
type Display struct {
	out       io.Writer
	workflow  string
	quiet     bool
	startTime time.Time
	mu        sync.Mutex
}

// New creates a new progress display for the named workflow.
func New(out io.Writer, workflow string, quiet bool) *Display {
	return &Display{
		out:       out,
		workflow:  workflow,
		startTime: time.Now(),
		quiet:     quiet,
	}
}

// RunStart announces the run.
func (d *Display) RunStart(id int64) {
	d.mu.Lock()
	d.startTime = time.Now()
	d.mu.Unlock()

	if d.quiet {
		return
	}
	d.printf("🚀 Running workflow %s (#%d)\n", d.workflow, id)
}

// Run renders events from ch until the run completes, ch is closed or ctx
// is done.
func (d *Display) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok || d.Handle(ev) {
				return
			}
		}
	}
}

// Handle renders one event and reports whether it ended the run.
func (d *Display) Handle(ev events.Event) bool {
	switch data := ev.Data.(type) {
	case events.StatusData:
		if !d.quiet {
			d.printf("⏳ %s\n", data.Message)
		}
	case events.ResultData:
		if !d.quiet {
			d.printf("✅ Step %d: %s\n", data.Step, Preview(data.Result, previewWidth))
		}
	case events.CommandData:
		if data.Error != "" {
			d.printf("⚠️  Could not forward output to the next step: %s\n", data.Error)
		}
	case events.WarningData:
		if !d.quiet {
			d.printf("⚠️  %s\n", data.Message)
		}
	case events.ErrorData:
		// Errors are always shown even in quiet mode
		d.printf("❌ %s\n", data.Message)
	case events.CompleteData:
		d.complete(data)
		return true
	}
	return false
}

func (d *Display) complete(data events.CompleteData) {
	d.mu.Lock()
	elapsed := time.Since(d.startTime)
	d.mu.Unlock()

	if data.Status != run.StatusCompleted.String() {
		d.printf("\n💥 Workflow %s failed after %s\n", d.workflow, formatDuration(elapsed))
		return
	}
	if d.quiet {
		return
	}
	d.printf("\n🎉 Workflow %s completed!\n", d.workflow)
	d.printf("   Results: %d %s\n", data.Results, pluralize(data.Results, "step", "steps"))
	d.printf("   Total time: %s\n", formatDuration(elapsed))
}

// Summary prints every collected result in full.
func (d *Display) Summary(snap run.Snapshot) {
	if len(snap.Results) == 0 {
		return
	}
	d.printf("\n")
	for i, r := range snap.Results {
		d.printf("── Step %d ── %s\n", r.Step, Preview(r.Prompt, previewWidth))
		d.printf("%s\n", strings.TrimRight(r.Result, "\n"))
		if i < len(snap.Results)-1 {
			d.printf("\n")
		}
	}
}

func (d *Display) printf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = fmt.Fprintf(d.out, format, args...)
}

// Preview returns the first line of s cut to width runes.
func Preview(s string, width int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i]) + " …"
	}
	r := []rune(s)
	if width > 1 && len(r) > width {
		return string(r[:width-1]) + "…"
	}
	return s
}

// pluralize returns singular or plural form based on count.
func pluralize(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

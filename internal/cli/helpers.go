package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"

	"github.com/randalmurphal/stepflow/internal/catalog"
	"github.com/randalmurphal/stepflow/internal/util"
)

// catalogClient returns a REST client for the configured engine.
func (a *app) catalogClient() (*catalog.Client, error) {
	return catalog.New(a.cfg.Engine.BaseURL,
		catalog.WithTimeout(a.cfg.Catalog.Timeout),
		catalog.WithRetry(util.RetryConfig{
			MaxAttempts: a.cfg.Catalog.Retry.MaxAttempts,
			BaseBackoff: a.cfg.Catalog.Retry.BaseBackoff,
			MaxBackoff:  a.cfg.Catalog.Retry.MaxBackoff,
		}),
		catalog.WithLogger(a.logger),
	)
}

func parseWorkflowID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid workflow id %q: must be a positive integer", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func stepCount(n int) string {
	if n == 1 {
		return "1 step"
	}
	return fmt.Sprintf("%d steps", n)
}

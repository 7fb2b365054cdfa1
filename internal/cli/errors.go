package cli

import (
	"fmt"
	"io"

	sferrors "github.com/randalmurphal/stepflow/internal/errors"
)

// PrintError prints an error with appropriate formatting.
// If the error is a structured error, it uses the user-friendly format.
// Otherwise, it prints a simple error message.
func PrintError(w io.Writer, err error, verbose bool) {
	if sfErr := sferrors.AsError(err); sfErr != nil {
		fmt.Fprintln(w, sfErr.UserMessage())
		if verbose {
			// In verbose mode, also print the error code and cause
			fmt.Fprintf(w, "\nCode: %s\n", sfErr.Code)
			if sfErr.Cause != nil {
				fmt.Fprintf(w, "Cause: %v\n", sfErr.Cause)
			}
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

// Package main provides the entry point for the stepflow CLI.
package main

import (
	"os"

	"github.com/randalmurphal/stepflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package workflow defines catalog records: a workflow is a named, ordered
// list of prompt steps.
package workflow

import (
	"fmt"
	"slices"
	"strings"

	sferrors "github.com/randalmurphal/stepflow/internal/errors"
)

// Workflow is a named sequence of prompt steps.
type Workflow struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       []Step `json:"steps"`
}

// Step is one unit of work with a fixed position in its workflow.
type Step struct {
	ID         int64  `json:"id"`
	StepNumber int    `json:"step_number"`
	Prompt     string `json:"prompt"`
}

// NewWorkflow is the request body for creating a workflow.
type NewWorkflow struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// NewStep is the request body for adding a step. A StepNumber of 0 means
// "append after the last step".
type NewStep struct {
	StepNumber int    `json:"step_number" yaml:"step_number"`
	Prompt     string `json:"prompt" yaml:"prompt"`
}

// SortedSteps returns a copy of the steps ordered by step number. Display
// only: run order comes from the engine's result stream.
func (w *Workflow) SortedSteps() []Step {
	out := slices.Clone(w.Steps)
	slices.SortStableFunc(out, func(a, b Step) int {
		return a.StepNumber - b.StepNumber
	})
	return out
}

// NextStepNumber returns the number the next appended step receives.
func (w *Workflow) NextStepNumber() int {
	return len(w.Steps) + 1
}

// Validate checks a new workflow request.
func (n NewWorkflow) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return sferrors.ErrWorkflowInvalid("name is required")
	}
	return nil
}

// ResolveNewStep validates req against the step numbers dense from 1 and
// returns the step number it will occupy.
func ResolveNewStep(existing int, req NewStep) (int, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return 0, sferrors.ErrStepInvalid("prompt is required")
	}
	next := existing + 1
	switch {
	case req.StepNumber == 0:
		return next, nil
	case req.StepNumber < 0:
		return 0, sferrors.ErrStepInvalid("step_number must be positive")
	case req.StepNumber != next:
		return 0, sferrors.ErrStepInvalid(fmt.Sprintf("step_number must be %d, got %d", next, req.StepNumber))
	}
	return next, nil
}

// CheckDense reports an error unless the step numbers are exactly 1..n.
func CheckDense(steps []Step) error {
	numbers := make([]int, len(steps))
	for i, s := range steps {
		numbers[i] = s.StepNumber
	}
	slices.Sort(numbers)
	for i, n := range numbers {
		if n != i+1 {
			return sferrors.ErrStepInvalid(fmt.Sprintf("step numbers must run 1..%d without gaps or duplicates", len(steps)))
		}
	}
	return nil
}

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Definition is a workflow described in a YAML file, used by `workflows import`.
//
//	name: Blog post
//	description: Title, then body
//	steps:
//	  - prompt: Write a title
//	  - prompt: Write a body for the title
type Definition struct {
	Path        string    `yaml:"-"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Steps       []NewStep `yaml:"steps"`
}

// ParseDefinition parses one YAML definition. Steps without a step_number are
// numbered by position; explicit numbers must still be dense from 1.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow YAML: %w", err)
	}

	if err := (NewWorkflow{Name: def.Name}).Validate(); err != nil {
		return nil, err
	}
	steps := make([]Step, len(def.Steps))
	for i := range def.Steps {
		if def.Steps[i].StepNumber == 0 {
			def.Steps[i].StepNumber = i + 1
		}
		if _, err := ResolveNewStep(0, NewStep{Prompt: def.Steps[i].Prompt}); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		steps[i] = Step{StepNumber: def.Steps[i].StepNumber, Prompt: def.Steps[i].Prompt}
	}
	if err := CheckDense(steps); err != nil {
		return nil, err
	}

	slices.SortStableFunc(def.Steps, func(a, b NewStep) int {
		return a.StepNumber - b.StepNumber
	})
	return &def, nil
}

// LoadDefinition reads and parses the definition at path.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.Path = path
	return def, nil
}

// Discover expands doublestar patterns (e.g. "workflows/**/*.yaml") relative to
// root and returns the matching files sorted and without duplicates.
func Discover(root string, patterns ...string) ([]string, error) {
	fsys := os.DirFS(root)
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		pattern = filepath.ToSlash(pattern)
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			full := filepath.Join(root, filepath.FromSlash(m))
			if !seen[full] {
				seen[full] = true
				paths = append(paths, full)
			}
		}
	}
	slices.Sort(paths)
	return paths, nil
}

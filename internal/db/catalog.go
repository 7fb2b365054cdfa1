package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/randalmurphal/stepflow/internal/db/driver"
	sferrors "github.com/randalmurphal/stepflow/internal/errors"
	"github.com/randalmurphal/stepflow/internal/workflow"
)

// ListWorkflows returns every workflow with its steps, ordered by id.
func (d *DB) ListWorkflows(ctx context.Context) ([]workflow.Workflow, error) {
	rows, err := d.driver.Query(ctx, `SELECT id, name, description FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	workflows := []workflow.Workflow{}
	index := make(map[int64]int)
	for rows.Next() {
		w := workflow.Workflow{Steps: []workflow.Step{}}
		if err := rows.Scan(&w.ID, &w.Name, &w.Description); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		index[w.ID] = len(workflows)
		workflows = append(workflows, w)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}

	// Rows are drained before the second query: an in-memory database has a
	// single connection.
	rows, err = d.driver.Query(ctx, `
		SELECT workflow_id, id, step_number, prompt
		FROM workflow_steps ORDER BY workflow_id, step_number
	`)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var workflowID int64
		var s workflow.Step
		if err := rows.Scan(&workflowID, &s.ID, &s.StepNumber, &s.Prompt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if i, ok := index[workflowID]; ok {
			workflows[i].Steps = append(workflows[i].Steps, s)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return workflows, nil
}

// GetWorkflow returns one workflow with its ordered steps, or a
// WORKFLOW_NOT_FOUND error.
func (d *DB) GetWorkflow(ctx context.Context, id int64) (*workflow.Workflow, error) {
	w := &workflow.Workflow{ID: id}
	err := d.driver.QueryRow(ctx, `SELECT name, description FROM workflows WHERE id = ?`, id).
		Scan(&w.Name, &w.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sferrors.ErrWorkflowNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %d: %w", id, err)
	}

	steps, err := listSteps(ctx, d.driver, id)
	if err != nil {
		return nil, err
	}
	w.Steps = steps
	return w, nil
}

// CreateWorkflow validates and stores a new workflow with no steps.
func (d *DB) CreateWorkflow(ctx context.Context, req workflow.NewWorkflow) (*workflow.Workflow, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id, err := d.driver.InsertID(ctx, d.driver,
		`INSERT INTO workflows (name, description) VALUES (?, ?)`, req.Name, req.Description)
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	return &workflow.Workflow{ID: id, Name: req.Name, Description: req.Description, Steps: []workflow.Step{}}, nil
}

// AddStep appends a step to workflowID. The requested step number must be the
// next dense number; 0 assigns it.
func (d *DB) AddStep(ctx context.Context, workflowID int64, req workflow.NewStep) (*workflow.Step, error) {
	tx, err := d.driver.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireWorkflow(ctx, tx, workflowID); err != nil {
		return nil, err
	}

	var existing int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM workflow_steps WHERE workflow_id = ?`, workflowID).Scan(&existing); err != nil {
		return nil, fmt.Errorf("count steps: %w", err)
	}

	number, err := workflow.ResolveNewStep(existing, req)
	if err != nil {
		return nil, err
	}

	id, err := d.driver.InsertID(ctx, tx,
		`INSERT INTO workflow_steps (workflow_id, step_number, prompt) VALUES (?, ?, ?)`,
		workflowID, number, req.Prompt)
	if driver.IsUniqueViolation(err) {
		// A concurrent AddStep took the number between COUNT and INSERT.
		return nil, sferrors.ErrStepInvalid(fmt.Sprintf("step_number %d already exists", number))
	}
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit step: %w", err)
	}
	return &workflow.Step{ID: id, StepNumber: number, Prompt: req.Prompt}, nil
}

// ListSteps returns the steps of workflowID ordered by step number.
func (d *DB) ListSteps(ctx context.Context, workflowID int64) ([]workflow.Step, error) {
	if err := requireWorkflow(ctx, d.driver, workflowID); err != nil {
		return nil, err
	}
	return listSteps(ctx, d.driver, workflowID)
}

func requireWorkflow(ctx context.Context, q driver.Querier, id int64) error {
	var found int64
	err := q.QueryRow(ctx, `SELECT id FROM workflows WHERE id = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return sferrors.ErrWorkflowNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("get workflow %d: %w", id, err)
	}
	return nil
}

func listSteps(ctx context.Context, q driver.Querier, workflowID int64) ([]workflow.Step, error) {
	rows, err := q.Query(ctx, `
		SELECT id, step_number, prompt
		FROM workflow_steps WHERE workflow_id = ? ORDER BY step_number
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list steps for workflow %d: %w", workflowID, err)
	}
	defer func() { _ = rows.Close() }()

	steps := []workflow.Step{}
	for rows.Next() {
		var s workflow.Step
		if err := rows.Scan(&s.ID, &s.StepNumber, &s.Prompt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/randalmurphal/stepflow/internal/workflow"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		s.logger.Error("list workflows", "error", err)
		HandleError(w, err)
		return
	}
	JSONResponse(w, workflows)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.NewWorkflow
	if !decodeBody(w, r, &req) {
		return
	}

	created, err := s.store.CreateWorkflow(r.Context(), req)
	if err != nil {
		HandleError(w, err)
		return
	}
	s.logger.Info("workflow created", "workflow_id", created.ID, "name", created.Name)
	JSONResponseStatus(w, created, http.StatusCreated)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, wf)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	steps, err := s.store.ListSteps(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, steps)
}

func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	var req workflow.NewStep
	if !decodeBody(w, r, &req) {
		return
	}

	step, err := s.store.AddStep(r.Context(), id, req)
	if err != nil {
		HandleError(w, err)
		return
	}
	s.logger.Info("step added", "workflow_id", id, "step", step.StepNumber)
	JSONResponseStatus(w, step, http.StatusCreated)
}

// handleRun hands the connection to the engine for the rest of the run.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	s.engine.Serve(w, r, id)
}

func workflowID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		JSONError(w, "invalid workflow id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		JSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

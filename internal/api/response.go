// Package api provides the workflow catalog REST API and the run endpoint of
// the reference engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	sferrors "github.com/randalmurphal/stepflow/internal/errors"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	JSONResponseStatus(w, data, http.StatusOK)
}

// JSONResponseStatus writes a JSON response with a specific status code.
func JSONResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes a simple error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	JSONResponseStatus(w, APIError{Error: message}, status)
}

// HandleError writes err as {"error","code"}. Structured errors choose their
// own status; anything else is a 500.
func HandleError(w http.ResponseWriter, err error) {
	var sfErr *sferrors.Error
	if errors.As(err, &sfErr) {
		JSONResponseStatus(w, APIError{
			Error: sfErr.What,
			Code:  string(sfErr.Code),
		}, sfErr.HTTPStatus())
		return
	}
	JSONError(w, err.Error(), http.StatusInternalServerError)
}

// Package httputil holds the JSON response helpers shared by the API handlers
// and the middleware.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code    errors.ErrorCode       `json:"code"`
	Kind    errors.Kind            `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError maps err to its HTTP status and writes the error body. Errors
// outside the service taxonomy are reported as internal without their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("internal error", err)
	}
	status := se.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	resp := ErrorResponse{
		Code:    se.Code,
		Kind:    se.Kind,
		Message: se.Message,
		Details: se.Details,
	}
	if r != nil {
		resp.TraceID = logger.GetTraceID(r.Context())
	}
	WriteJSON(w, status, resp)
}

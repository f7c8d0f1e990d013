package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

func TestWriteErrorUsesServiceErrorStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/domains/9", nil)
	req = req.WithContext(logger.WithTraceID(req.Context(), "trace-1"))
	rec := httptest.NewRecorder()

	WriteError(rec, req, errors.ErrDomainNotFound.WithDetails("domain_id", 9))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != errors.CodeDomainNotFound || body.Kind != errors.KindConfiguration {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.TraceID != "trace-1" || body.Details["domain_id"] != float64(9) {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestWriteErrorHidesForeignErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, nil, fmt.Errorf("pq: connection refused"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message != "internal error" || body.Kind != errors.KindInternal {
		t.Fatalf("unexpected body %+v", body)
	}
}

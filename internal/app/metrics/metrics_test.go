package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentHandlerUsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(InstrumentHandler)
	router.HandleFunc("/v1/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/messages/{id}", "418"))
	for _, id := range []string{"0x01", "0x02"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/"+id, nil))
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/messages/{id}", "418"))

	if after-before != 2 {
		t.Fatalf("expected 2 requests under the template label, got %v", after-before)
	}
}

func TestRecordersDoNotPanic(t *testing.T) {
	RecordMessageCreated(42161, "inline")
	RecordTransition("", "pending")
	RecordTransition("pending", "confirmed")
	RecordRejection("")
	RecordCompression("binary", 1000, 400, 4000)
	RecordDispatch(false)
	RecordCompacted(3)

	if got := testutil.ToFloat64(messageTransitions.WithLabelValues("none", "pending")); got < 1 {
		t.Fatalf("expected transition from none to be recorded, got %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	RecordDispatch(true)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "relay_dispatch_messages_total") {
		t.Fatalf("metrics output missing dispatch counter")
	}
}

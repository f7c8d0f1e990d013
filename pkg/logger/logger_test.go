package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func TestNewParsesLevelAndFormat(t *testing.T) {
	log := New(LoggingConfig{Level: "debug", Format: "json"})
	if log.GetLevel().String() != "debug" {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}

	fallback := New(LoggingConfig{Level: "loud"})
	if fallback.GetLevel().String() != "info" {
		t.Fatalf("expected info fallback, got %s", fallback.GetLevel())
	}
}

func TestWithContextCarriesTraceAndUser(t *testing.T) {
	var buf bytes.Buffer
	log := New(LoggingConfig{Format: "json"}).Named("lifecycle")
	log.SetOutput(&buf)

	ctx := WithUserID(WithTraceID(context.Background(), "trace-1"), "alice")
	log.WithContext(ctx).Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["trace_id"] != "trace-1" || line["user_id"] != "alice" {
		t.Fatalf("missing context fields: %v", line)
	}
	if line["component"] != "lifecycle" {
		t.Fatalf("expected component lifecycle, got %v", line["component"])
	}
}

func TestLogRequestLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(LoggingConfig{Format: "json"})
	log.SetOutput(&buf)

	log.LogRequest(context.Background(), http.MethodGet, "/v1/domains", http.StatusInternalServerError, time.Millisecond)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["level"] != "error" {
		t.Fatalf("expected error level for 5xx, got %v", line["level"])
	}
}

func TestTraceIDsAreUnique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatalf("expected distinct trace ids")
	}
	if GetTraceID(context.Background()) != "" {
		t.Fatalf("expected empty trace id")
	}
}

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestMiddlewareLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("rebuildd", &buf)

	handler := Middleware("rebuildd", logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/builds", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["service"] != "rebuildd" {
		t.Fatalf("service = %v", entry["service"])
	}
	if entry["path"] != "/v1/builds" {
		t.Fatalf("path = %v", entry["path"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status = %v", entry["status"])
	}
}

func TestWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("rebuildd", &buf)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	l := WithTrace(ctx, logger)
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["trace_id"] != traceID.String() {
		t.Fatalf("trace_id = %v, want %s", entry["trace_id"], traceID)
	}

	buf.Reset()
	plain := WithTrace(context.Background(), logger)
	plain.Info().Msg("no span")
	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Fatalf("unexpected trace_id in %s", buf.String())
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, _, _, err := Init(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for empty service name")
	}
}

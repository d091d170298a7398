package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRequestMetricsRecordsSpanAndLog(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	e := echo.New()
	e.Use(RequestMetrics(logger))
	e.GET("/api/tasks/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/42", nil))

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Message != requestMetricsName {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if entry.Data["route"] != "/api/tasks/:id" {
		t.Fatalf("unexpected route: %v", entry.Data["route"])
	}
	if entry.Data["status"] != http.StatusOK {
		t.Fatalf("unexpected status: %v", entry.Data["status"])
	}
	if entry.Data["severity_text"] != "INFO" || entry.Data["severity_number"] != 9 {
		t.Fatalf("unexpected severity: %v %v", entry.Data["severity_text"], entry.Data["severity_number"])
	}
	if traceID, ok := entry.Data["trace_id"].(string); !ok || traceID == "" {
		t.Fatalf("expected trace_id to be recorded, got %#v", entry.Data["trace_id"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != requestSpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	attrs := attributesToMap(span.Attributes)
	if attrs["http.route"] != "/api/tasks/:id" {
		t.Fatalf("span route attribute mismatch: %#v", attrs["http.route"])
	}
	if code, ok := attrs["http.status_code"].(int64); !ok || code != int64(http.StatusOK) {
		t.Fatalf("unexpected http.status_code on span: %#v", attrs["http.status_code"])
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", span.Status.Code)
	}

	var event sdktrace.Event
	for _, ev := range span.Events {
		if ev.Name == observabilityEvent {
			event = ev
			break
		}
	}
	if event.Name == "" {
		t.Fatalf("expected %s span event, got %#v", observabilityEvent, span.Events)
	}
	if eventAttrs := attributesToMap(event.Attributes); eventAttrs["severity_text"] != "INFO" {
		t.Fatalf("unexpected span event severity: %#v", eventAttrs["severity_text"])
	}
}

func TestRequestMetricsErrorSetsSpanStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	boom := errors.New("storage failure")
	e := echo.New()
	e.Use(RequestMetrics(logger))
	e.GET("/api/board", func(c echo.Context) error { return boom })
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/board", nil))

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != boom.Error() {
		t.Fatalf("unexpected span status: %+v", spans[0].Status)
	}
	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Level != log.ErrorLevel || entry.Data["status"] != http.StatusInternalServerError {
		t.Fatalf("unexpected log entry: %v %v", entry.Level, entry.Data)
	}
	if entry.Data["error"] != boom.Error() {
		t.Fatalf("expected error field, got %v", entry.Data["error"])
	}
}

func TestRequestMetricsClientErrorLogsWarn(t *testing.T) {
	logger, hook := test.NewNullLogger()
	_, _, restore := setupTestTracer(t)
	defer restore()

	e := echo.New()
	e.Use(RequestMetrics(logger))
	e.GET("/api/tasks/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	})
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tasks/x", nil))

	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Level != log.WarnLevel || entry.Data["status"] != http.StatusNotFound {
		t.Fatalf("unexpected log entry: %v %v", entry.Level, entry.Data)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "assert" }

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{name: "ok", status: http.StatusOK, wantText: "INFO", wantNumber: 9},
		{name: "warn", status: http.StatusBadRequest, wantText: "WARN", wantNumber: 13},
		{name: "error", status: http.StatusInternalServerError, wantText: "ERROR", wantNumber: 17},
		{name: "errorFromErr", status: 0, err: assertErr{}, wantText: "ERROR", wantNumber: 17},
		{name: "clientErrorWithErr", status: http.StatusNotFound, err: assertErr{}, wantText: "WARN", wantNumber: 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, number := severityForStatus(tt.status, tt.err)
			if text != tt.wantText || number != tt.wantNumber {
				t.Fatalf("severityForStatus(%d, %v) = %s/%d, want %s/%d", tt.status, tt.err, text, number, tt.wantText, tt.wantNumber)
			}
		})
	}
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func waitForLogEntry(t *testing.T, hook *test.Hook, timeout time.Duration) *log.Entry {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if entry := hook.LastEntry(); entry != nil {
			return entry
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected log entry within %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

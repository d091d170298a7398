package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestSpanName    = "http.request"
	requestMetricsName = "http.request.metrics"
	observabilityEvent = "observability.event"
)

// RequestMetrics opens a server span per request and logs its outcome with
// a severity derived from the response status.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	tracer := otel.Tracer("taskboard/api")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx, span := tracer.Start(req.Context(), requestSpanName, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			start := time.Now()
			err := next(c)
			status := responseStatus(c, err)
			recordRequest(logger, span, c.Path(), req.Method, status, time.Since(start), err)
			return err
		}
	}
}

func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func recordRequest(logger *log.Logger, span trace.Span, route, method string, status int, elapsed time.Duration, err error) {
	severityText, severityNumber := severityForStatus(status, err)
	totalMs := durationToMillis(elapsed)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", route),
		attribute.String("http.method", method),
		attribute.Int("http.status_code", status),
		attribute.Float64("http.total_ms", totalMs),
	}
	span.SetAttributes(attrs...)

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}
	span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))

	if err != nil || status >= http.StatusInternalServerError {
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
		}
		span.SetStatus(codes.Error, desc)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if logger == nil {
		return
	}
	fields := log.Fields{
		"route":           route,
		"method":          method,
		"status":          status,
		"total_ms":        totalMs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	entry := logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(requestMetricsName)
	case "WARN":
		entry.Warn(requestMetricsName)
	default:
		entry.Info(requestMetricsName)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil && status < http.StatusBadRequest:
		return "ERROR", 17
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

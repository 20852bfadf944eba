package api

import (
	"context"
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
	tracerName         = "ameno-api/api"
	requestSpanName    = "ameno.api.request"
	requestEventName   = "ameno.api.request.completed"
	requestEventDomain = "ameno.api"
	attrPrefix         = "ameno.request."
	metricsContextKey  = "ameno.request.metrics"
)

// requestMetrics collects the timings of one API request and reports them
// as a single observability event, both as a log entry and on the span.
type requestMetrics struct {
	logger          *log.Logger
	span            trace.Span
	method          string
	route           string
	start           time.Time
	authDuration    time.Duration
	storeDuration   time.Duration
	encodeDuration  time.Duration
	itemsReturned   int
	itemsSet        bool
	reminderWarning string
	errorStage      string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		span:   span,
		method: method,
		route:  route,
		start:  time.Now(),
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.authDuration = d
}

// ObserveStore accumulates time spent in the task service and stores.
func (m *requestMetrics) ObserveStore(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.storeDuration += d
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.encodeDuration = d
}

func (m *requestMetrics) SetItemsReturned(n int) {
	if m == nil {
		return
	}
	m.itemsReturned = max(n, 0)
	m.itemsSet = true
}

func (m *requestMetrics) SetReminderWarning(w string) {
	if m == nil {
		return
	}
	m.reminderWarning = w
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

// Log emits the event and ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := map[string]any{
		"http.route":            m.route,
		"http.method":           m.method,
		attrPrefix + "total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		attrs[attrPrefix+"auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.storeDuration > 0 {
		attrs[attrPrefix+"store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.encodeDuration > 0 {
		attrs[attrPrefix+"encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.itemsSet {
		attrs[attrPrefix+"items_returned"] = m.itemsReturned
	}
	if m.reminderWarning != "" {
		attrs[attrPrefix+"reminder_warning"] = m.reminderWarning
	}
	if m.errorStage != "" {
		attrs[attrPrefix+"error_stage"] = m.errorStage
	}
	severityText, severityNumber := severityForStatus(status, err)

	if m.logger != nil {
		fields := log.Fields{
			"event.name":      requestEventName,
			"event.domain":    requestEventDomain,
			"attributes":      attrs,
			"http.status":     status,
			"severity_text":   severityText,
			"severity_number": severityNumber,
		}
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
		entry := m.logger.WithFields(fields)
		if err != nil {
			entry = entry.WithError(err)
		}
		switch severityText {
		case "ERROR":
			entry.Error("observability.event")
		case "WARN":
			entry.Warn("observability.event")
		default:
			entry.Info("observability.event")
		}
	}

	kvs := toKeyValues(attrs)
	m.span.SetAttributes(append(kvs, attribute.Int("http.status_code", status))...)
	eventAttrs := append(kvs,
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		m.span.RecordError(err)
	}
	m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
	if severityText == "ERROR" {
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
		}
		if desc == "" {
			desc = "request failed"
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()
}

func toKeyValues(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	}
	return "INFO", 9
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// ObservabilityMiddleware opens a span per request and reports the request
// once the handler returns.
func ObservabilityMiddleware(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsContextKey, m)

			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}
			m.Log(status, err)
			return err
		}
	}
}

// metricsFrom returns the request's metrics, or nil outside the middleware.
func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsContextKey).(*requestMetrics)
	return m
}

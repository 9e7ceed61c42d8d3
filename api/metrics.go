package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "taskboard/api"
	requestEventName   = "taskboard.request"
	requestEventDomain = "taskboard.api"
	observabilityEvent = "observability.event"
)

// requestMetrics collects timings and attributes of one API request and
// emits them as a structured log line and an OpenTelemetry span.
type requestMetrics struct {
	logger *log.Logger
	route  string
	start  time.Time
	span   trace.Span

	authDuration    time.Duration
	serviceDuration time.Duration
	userID          string
	taskID          string
	projectID       string
	column          string
	index           int
	hasIndex        bool
	tasksReturned   int
	errorStage      string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
		span:   span,
		index:  -1,
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveService(d time.Duration) {
	if d > 0 {
		m.serviceDuration = d
	}
}

func (m *requestMetrics) SetUser(id string) {
	m.userID = id
}

func (m *requestMetrics) SetTask(id string) {
	m.taskID = id
}

func (m *requestMetrics) SetProject(id string) {
	m.projectID = id
}

func (m *requestMetrics) SetMove(column string, index int) {
	m.column = column
	m.index = index
	m.hasIndex = true
}

func (m *requestMetrics) SetTasksReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.tasksReturned = n
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *requestMetrics) attributes(status int) map[string]any {
	attrs := map[string]any{
		"http.route":               m.route,
		"http.status_code":         status,
		"taskboard.total_ms":       durationToMillis(time.Since(m.start)),
		"taskboard.tasks_returned": m.tasksReturned,
		"taskboard.auth_ms":        durationToMillis(m.authDuration),
		"taskboard.service_ms":     durationToMillis(m.serviceDuration),
	}
	if m.taskID != "" {
		attrs["taskboard.task_id"] = m.taskID
	}
	if m.projectID != "" {
		attrs["taskboard.project_id"] = m.projectID
	}
	if m.userID != "" {
		attrs["enduser.id"] = m.userID
	}
	if m.hasIndex {
		attrs["taskboard.move.column"] = m.column
		attrs["taskboard.move.index"] = m.index
	}
	if m.errorStage != "" {
		attrs["taskboard.error_stage"] = m.errorStage
	}
	return attrs
}

// Log emits the request summary and ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := m.attributes(status)
	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		kvs := toKeyValues(attrs)
		m.span.SetAttributes(kvs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", requestEventName),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", severityText),
		}, kvs...)
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

// severityForStatus follows the OpenTelemetry log severity numbers.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError || (status == 0 && err != nil):
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
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

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	statusRoute       = "/api/tasks/:id/status"
	statusSpanName    = "proman.tasks.status"
	statusEventName   = "task.status.changed"
	statusEventDomain = "tasks"
)

// statusRequestMetrics instruments the task status route: one span per
// request plus a structured observability event mirrored to the log stream.
// The status route is the hot path of the goal cascade, so it carries the
// per-stage timings the dashboards break requests down by.
type statusRequestMetrics struct {
	logger *log.Logger
	start  time.Time
	span   trace.Span

	authDuration    time.Duration
	storeDuration   time.Duration
	cascadeDuration time.Duration
	oldStatus       string
	newStatus       string
	errorStage      string
}

func newStatusRequestMetrics(ctx context.Context, logger *log.Logger) (*statusRequestMetrics, context.Context) {
	tracer := otel.Tracer("proman-api/api")
	spanCtx, span := tracer.Start(ctx, statusSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &statusRequestMetrics{logger: logger, start: time.Now(), span: span}, spanCtx
}

func (m *statusRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *statusRequestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration = d
	}
}

func (m *statusRequestMetrics) ObserveCascade(d time.Duration) {
	if d > 0 {
		m.cascadeDuration = d
	}
}

func (m *statusRequestMetrics) SetStatusChange(oldStatus, newStatus string) {
	m.oldStatus = oldStatus
	m.newStatus = newStatus
}

func (m *statusRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log closes the span and emits the observability event, once per request.
func (m *statusRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", statusRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64("proman.tasks.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("proman.tasks.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("proman.tasks.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.cascadeDuration > 0 {
		attrs = append(attrs, attribute.Float64("proman.tasks.cascade_ms", durationToMillis(m.cascadeDuration)))
	}
	if m.oldStatus != "" {
		attrs = append(attrs, attribute.String("proman.tasks.old_status", m.oldStatus))
	}
	if m.newStatus != "" {
		attrs = append(attrs, attribute.String("proman.tasks.new_status", m.newStatus))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("proman.tasks.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", statusEventName),
			attribute.String("event.domain", statusEventDomain),
			attribute.String("severity_text", severityText),
		}, attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		} else if status >= 500 {
			m.span.SetStatus(codes.Error, "server error")
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      statusEventName,
		"event.domain":    statusEventDomain,
		"attributes":      attrMap,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	m.logger.WithFields(fields).Info("observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= 500:
		return "ERROR", 17
	case status >= 400:
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

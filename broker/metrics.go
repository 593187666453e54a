package broker

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
	tracerName        = "taskboard/broker"
	commandSpanPrefix = "board.command "
	metricsMessage    = "board.command.metrics"
)

type commandMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	command       string
	userID        string
	storeDuration time.Duration
	tasks         int
	errorStage    string
}

func newCommandMetrics(ctx context.Context, logger *log.Logger, command, userID string) (*commandMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, commandSpanPrefix+command, trace.WithSpanKind(trace.SpanKindServer))
	return &commandMetrics{
		logger:  logger,
		span:    span,
		start:   time.Now(),
		command: command,
		userID:  userID,
		tasks:   -1,
	}, ctx
}

func (m *commandMetrics) ObserveStore(d time.Duration) {
	if d <= 0 {
		return
	}
	m.storeDuration += d
}

func (m *commandMetrics) SetTasksReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.tasks = n
}

func (m *commandMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// End closes the span and writes the metrics log entry.
func (m *commandMetrics) End(err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)

	attrs := []attribute.KeyValue{
		attribute.String("board.command", m.command),
		attribute.String("enduser.id", m.userID),
		attribute.Float64("board.total_ms", durationToMillis(total)),
	}
	fields := log.Fields{
		"command":  m.command,
		"user":     m.userID,
		"total_ms": durationToMillis(total),
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("board.store_ms", durationToMillis(m.storeDuration)))
		fields["store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.tasks >= 0 {
		attrs = append(attrs, attribute.Int("board.tasks_returned", m.tasks))
		fields["tasks_returned"] = m.tasks
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("board.error_stage", m.errorStage))
		fields["error_stage"] = m.errorStage
	}
	m.span.SetAttributes(attrs...)
	if err != nil {
		fields["error"] = err.Error()
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry.Warn(metricsMessage)
		return
	}
	entry.Info(metricsMessage)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

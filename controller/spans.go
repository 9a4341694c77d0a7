package controller

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CheckpointEventType enumerates the named intervals recorded against
// one checkpoint for observability. Spans are unique by
// event within a checkpoint.
type CheckpointEventType int

const (
	EventCheckpointing CheckpointEventType = iota
	EventCheckpointingOperators
	EventWritingMetadata
	EventCommitting
	EventCompacting
)

func (e CheckpointEventType) String() string {
	switch e {
	case EventCheckpointing:
		return "Checkpointing"
	case EventCheckpointingOperators:
		return "CheckpointingOperators"
	case EventWritingMetadata:
		return "WritingMetadata"
	case EventCommitting:
		return "Committing"
	case EventCompacting:
		return "Compacting"
	default:
		return "Unknown"
	}
}

// CheckpointEventSpan is one recorded interval on a checkpoint: start
// is set when the span is first created, end is set exactly once when
// Finish is called.
type CheckpointEventSpan struct {
	Event CheckpointEventType
	Start time.Time
	End   *time.Time

	otelSpan trace.Span
}

// Finish closes the span if it is not already closed. Calling Finish
// twice is a no-op, matching start_or_get_span's "only the first call
// sets start" symmetry on the closing side.
func (s *CheckpointEventSpan) Finish() {
	if s.End != nil {
		return
	}
	now := time.Now()
	s.End = &now
	if s.otelSpan != nil {
		s.otelSpan.End()
	}
}

var tracer = otel.Tracer("jobcontrol/controller")

// startOrGetSpan returns the existing span for event within spans if
// present; otherwise it appends a new one, opening an OpenTelemetry
// span alongside it so checkpoint timing shows up in distributed
// traces without the model owning a tracing dependency of its own.
func startOrGetSpan(ctx context.Context, spans []*CheckpointEventSpan, jobID string, event CheckpointEventType) ([]*CheckpointEventSpan, *CheckpointEventSpan) {
	for _, s := range spans {
		if s.Event == event {
			return spans, s
		}
	}

	_, otelSpan := tracer.Start(ctx, event.String())
	otelSpan.SetAttributes(attribute.String("jobcontrol.job_id", jobID))

	s := &CheckpointEventSpan{Event: event, Start: time.Now(), otelSpan: otelSpan}
	return append(spans, s), s
}

// recordSpanError marks an OpenTelemetry span as failed without
// closing it; used when a checkpoint step fails mid-span so the trace
// reflects the error before the caller decides whether to retry.
func recordSpanError(s *CheckpointEventSpan, err error) {
	if s == nil || s.otelSpan == nil || err == nil {
		return
	}
	s.otelSpan.RecordError(err)
	s.otelSpan.SetStatus(codes.Error, err.Error())
}

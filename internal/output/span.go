package output

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tlstap/tlstap/internal/reassembly"
	"github.com/tlstap/tlstap/internal/timesync"
)

// SpanSink exports one span per segment, timed from the capture clock.
type SpanSink struct {
	tracer    trace.Tracer
	converter *timesync.Converter
}

// NewSpanSink creates a sink emitting spans on the given tracer.
func NewSpanSink(tracer trace.Tracer, converter *timesync.Converter) *SpanSink {
	return &SpanSink{tracer: tracer, converter: converter}
}

// Accept implements reassembly.Sink.
func (s *SpanSink) Accept(seg *reassembly.Segment) error {
	start := s.converter.ToWallClock(seg.FirstTimestampNs)
	end := s.converter.ToWallClock(seg.LastTimestampNs)

	_, span := s.tracer.Start(context.Background(), "tls.segment",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.Int64("capture.pid", int64(seg.Key.Raw.PID)),
			attribute.Int64("capture.tid", int64(seg.Key.Raw.TID)),
			attribute.String("capture.direction", seg.Direction().String()),
			attribute.Int64("stream.epoch", int64(seg.Key.Epoch)), //nolint:gosec // epochs stay far below int64 range
			attribute.Int("segment.bytes", len(seg.Bytes)),
			attribute.Bool("segment.gap_before", seg.GapBefore),
			attribute.Bool("segment.closed", seg.Closed),
		),
	)
	span.End(trace.WithTimestamp(end))
	return nil
}

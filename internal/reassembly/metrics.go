package reassembly

import "sync/atomic"

// Metrics counts engine activity and degradation. All counters are atomics;
// none of the conditions they track is fatal.
type Metrics struct {
	EventsIngested   atomic.Uint64
	MalformedDropped atomic.Uint64
	DuplicateDropped atomic.Uint64
	LateDropped      atomic.Uint64
	DeferredDropped  atomic.Uint64
	OverflowDropped  atomic.Uint64
	SegmentsEmitted  atomic.Uint64
	BytesEmitted     atomic.Uint64
	GapsEmitted      atomic.Uint64
	ForcedFlushes    atomic.Uint64
	StreamsOpened    atomic.Uint64
	StreamsEvicted   atomic.Uint64
	SinkErrors       atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	EventsIngested   uint64
	MalformedDropped uint64
	DuplicateDropped uint64
	LateDropped      uint64
	DeferredDropped  uint64
	OverflowDropped  uint64
	SegmentsEmitted  uint64
	BytesEmitted     uint64
	GapsEmitted      uint64
	ForcedFlushes    uint64
	StreamsOpened    uint64
	StreamsEvicted   uint64
	SinkErrors       uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		EventsIngested:   m.EventsIngested.Load(),
		MalformedDropped: m.MalformedDropped.Load(),
		DuplicateDropped: m.DuplicateDropped.Load(),
		LateDropped:      m.LateDropped.Load(),
		DeferredDropped:  m.DeferredDropped.Load(),
		OverflowDropped:  m.OverflowDropped.Load(),
		SegmentsEmitted:  m.SegmentsEmitted.Load(),
		BytesEmitted:     m.BytesEmitted.Load(),
		GapsEmitted:      m.GapsEmitted.Load(),
		ForcedFlushes:    m.ForcedFlushes.Load(),
		StreamsOpened:    m.StreamsOpened.Load(),
		StreamsEvicted:   m.StreamsEvicted.Load(),
		SinkErrors:       m.SinkErrors.Load(),
	}
}

package reassembly

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tlstap/tlstap/internal/capture"
	"github.com/tlstap/tlstap/internal/streamkey"
)

// collectSink records every accepted segment.
type collectSink struct {
	mu   sync.Mutex
	segs []*Segment
}

func (s *collectSink) Accept(seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segs = append(s.segs, seg)
	return nil
}

func (s *collectSink) snapshot() []*Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Segment, len(s.segs))
	copy(out, s.segs)
	return out
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segs)
}

func engineConfig() Config {
	cfg := DefaultConfig()
	cfg.GapTimeout = 20 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.IdleEvictionTimeout = 10 * time.Second
	cfg.ContiguityDeltaNs = 1
	cfg.Workers = 2
	return cfg
}

func startEngine(t *testing.T, cfg Config, sink Sink) *Engine {
	t.Helper()
	e, err := New(cfg, sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func writeEvent(pid uint32, tid int32, ts uint64, payload string) *capture.Event {
	return &capture.Event{
		PID: pid, TID: tid, Direction: capture.DirectionWrite,
		TimestampNs: ts,
		Payload:     []byte(payload),
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0

	_, err := New(cfg, &collectSink{}, nil)
	require.Error(t, err)
}

func TestNew_RequiresSink(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	require.Error(t, err)
}

func TestEngine_ReordersDeliveryIntoOneSegment(t *testing.T) {
	sink := &collectSink{}
	e := startEngine(t, engineConfig(), sink)

	e.Ingest(writeEvent(1, 1, 2, " HTTP/1.1"))
	e.Ingest(writeEvent(1, 1, 1, "GET /"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 2*time.Millisecond)
	seg := sink.snapshot()[0]
	assert.Equal(t, []byte("GET / HTTP/1.1"), seg.Bytes)
	assert.False(t, seg.GapBefore)
	assert.Equal(t, capture.DirectionWrite, seg.Direction())
}

func TestEngine_SurfacesGapAfterTimeout(t *testing.T) {
	sink := &collectSink{}
	e := startEngine(t, engineConfig(), sink)

	e.Ingest(writeEvent(1, 1, 1, "before"))
	e.Ingest(writeEvent(1, 1, 3, "after"))

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 2*time.Millisecond)
	segs := sink.snapshot()
	assert.Equal(t, []byte("before"), segs[0].Bytes)
	assert.False(t, segs[0].GapBefore)
	assert.Equal(t, []byte("after"), segs[1].Bytes)
	assert.True(t, segs[1].GapBefore)
	assert.Equal(t, uint64(1), e.Metrics().GapsEmitted)
}

func TestEngine_OversizedPayloadCountedNotFatal(t *testing.T) {
	sink := &collectSink{}
	e := startEngine(t, engineConfig(), sink)

	e.Ingest(&capture.Event{
		PID: 1, TID: 1,
		TimestampNs: 1,
		Payload:     make([]byte, capture.MaxChunk+1),
	})

	assert.Equal(t, uint64(1), e.Metrics().MalformedDropped)
	assert.Equal(t, uint64(0), e.Metrics().EventsIngested)
}

func TestEngine_DuplicateEventCounted(t *testing.T) {
	sink := &collectSink{}
	e := startEngine(t, engineConfig(), sink)

	e.Ingest(writeEvent(1, 1, 1, "same"))
	e.Ingest(writeEvent(1, 1, 1, "same"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []byte("same"), sink.snapshot()[0].Bytes)
	assert.Equal(t, uint64(1), e.Metrics().DuplicateDropped)
}

func TestEngine_DirectionsAreIndependentStreams(t *testing.T) {
	sink := &collectSink{}
	e := startEngine(t, engineConfig(), sink)

	e.Ingest(writeEvent(1, 1, 1, "request"))
	e.Ingest(&capture.Event{
		PID: 1, TID: 1, Direction: capture.DirectionRead,
		TimestampNs: 1,
		Payload:     []byte("response"),
	})

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, uint64(2), e.Metrics().StreamsOpened)
}

func TestEngine_IdleStreamEvictedAndFlushed(t *testing.T) {
	cfg := engineConfig()
	cfg.IdleEvictionTimeout = 30 * time.Millisecond
	cfg.GapTimeout = 10 * time.Second // only eviction may flush
	sink := &collectSink{}
	e := startEngine(t, cfg, sink)

	e.Ingest(writeEvent(1, 1, 1, "orphan"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 2*time.Millisecond)
	seg := sink.snapshot()[0]
	assert.Equal(t, []byte("orphan"), seg.Bytes)
	assert.True(t, seg.Closed)
	assert.Equal(t, uint64(1), e.Metrics().StreamsEvicted)
}

func TestEngine_CloseStreamFlushesAndBumpsEpoch(t *testing.T) {
	sink := &collectSink{}
	e := startEngine(t, engineConfig(), sink)
	raw := streamkey.RawKey{PID: 1, TID: 1, Direction: capture.DirectionWrite}

	e.Ingest(writeEvent(1, 1, 1, "first conn"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 2*time.Millisecond)

	e.CloseStream(raw)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 2*time.Millisecond)
	assert.True(t, sink.snapshot()[1].Closed)

	// A later event on the reused raw key opens a fresh logical stream.
	e.Ingest(writeEvent(1, 1, 2, "second conn"))
	require.Eventually(t, func() bool { return e.Metrics().StreamsOpened == 2 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 2*time.Millisecond)
	second := sink.snapshot()[2]
	assert.Equal(t, []byte("second conn"), second.Bytes)
	assert.NotEqual(t, sink.snapshot()[0].Key.Epoch, second.Key.Epoch)
}

func TestEngine_CloseStreamIsIdempotent(t *testing.T) {
	sink := &collectSink{}
	e := startEngine(t, engineConfig(), sink)
	raw := streamkey.RawKey{PID: 1, TID: 1, Direction: capture.DirectionWrite}

	e.Ingest(writeEvent(1, 1, 1, "data"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 2*time.Millisecond)

	e.CloseStream(raw)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 2*time.Millisecond)

	e.CloseStream(raw)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, sink.count(), "closing an already-closed stream must not emit again")
	assert.Equal(t, uint64(1), e.Metrics().StreamsEvicted)
}

func TestEngine_PerStreamCeilingForcesFlush(t *testing.T) {
	cfg := engineConfig()
	cfg.GapTimeout = 10 * time.Second // nothing ages out during the test
	cfg.MaxBufferedBytesPerStream = 100
	sink := &collectSink{}
	e := startEngine(t, cfg, sink)

	// Two non-adjacent chunks exceed the ceiling together; neither would be
	// emitted before the gap timeout without the forced flush.
	e.Ingest(writeEvent(1, 1, 1, string(bytes.Repeat([]byte("a"), 60))))
	e.Ingest(writeEvent(1, 1, 1000, string(bytes.Repeat([]byte("b"), 60))))

	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 2*time.Millisecond)
	assert.GreaterOrEqual(t, e.Metrics().ForcedFlushes, uint64(1))
	segs := sink.snapshot()
	assert.True(t, segs[1].GapBefore)
}

func TestEngine_GlobalCeilingEvictsLRU(t *testing.T) {
	cfg := engineConfig()
	cfg.GapTimeout = 10 * time.Second
	cfg.MaxBufferedBytesGlobal = 150
	sink := &collectSink{}
	e := startEngine(t, cfg, sink)

	for i := 0; i < 4; i++ {
		e.Ingest(&capture.Event{
			PID: uint32(i + 1), TID: 1, Direction: capture.DirectionWrite,
			TimestampNs: 10, // held: stream start is not aged yet
			Payload:     bytes.Repeat([]byte("x"), 60),
		})
	}

	require.Eventually(t, func() bool { return e.Metrics().StreamsEvicted >= 1 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 2*time.Millisecond)
}

func TestEngine_CloseFlushesAllOpenStreams(t *testing.T) {
	cfg := engineConfig()
	cfg.GapTimeout = 10 * time.Second
	sink := &collectSink{}
	e, err := New(cfg, sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	e.Start()

	for i := 0; i < 3; i++ {
		e.Ingest(writeEvent(uint32(i+1), 1, 1, "pending"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	segs := sink.snapshot()
	require.Len(t, segs, 3)
	closed := 0
	for _, seg := range segs {
		assert.Equal(t, []byte("pending"), seg.Bytes)
		if seg.Closed {
			closed++
		}
	}
	assert.Equal(t, 3, closed, "every stream gets a final closed segment on shutdown")

	// Ingest after close is a no-op.
	e.Ingest(writeEvent(9, 9, 1, "ignored"))
	assert.Equal(t, uint64(3), e.Metrics().EventsIngested)
}

func TestEngine_CloseTwiceIsSafe(t *testing.T) {
	sink := &collectSink{}
	e, err := New(engineConfig(), sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	e.Start()

	ctx := context.Background()
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx))
}

func TestEngine_CloseDuringConcurrentIngest(t *testing.T) {
	sink := &collectSink{}
	e, err := New(engineConfig(), sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	e.Start()

	// Hammer Ingest from several goroutines while Close runs. Events racing
	// the cutover must be dropped, never sent to a closed worker.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(pid uint32) {
			defer wg.Done()
			for ts := uint64(1); ; ts++ {
				select {
				case <-stop:
					return
				default:
					e.Ingest(writeEvent(pid, 1, ts, "x"))
				}
			}
		}(uint32(g + 1))
	}

	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
	close(stop)
	wg.Wait()

	// Anything ingested before the cutover was flushed or dropped; the
	// engine itself survived the race.
	assert.Equal(t, uint64(0), e.Metrics().SinkErrors)
}

// blockingSink holds every Accept until the gate opens.
type blockingSink struct {
	collectSink
	gate chan struct{}
}

func (s *blockingSink) Accept(seg *Segment) error {
	<-s.gate
	return s.collectSink.Accept(seg)
}

func TestEngine_SlowSinkPausesStreamAndDefersEvents(t *testing.T) {
	cfg := engineConfig()
	cfg.MaxQueuedSegmentsPerStream = 2
	sink := &blockingSink{gate: make(chan struct{})}
	e := startEngine(t, cfg, sink)

	// First chunk ages out into a segment; the second continues the emitted
	// position and emits immediately. Both sit undelivered behind the gate,
	// putting the stream at its segment bound.
	e.Ingest(writeEvent(1, 1, 1, "a"))
	require.Eventually(t, func() bool { return e.Metrics().SegmentsEmitted == 1 }, time.Second, 2*time.Millisecond)
	e.Ingest(writeEvent(1, 1, 2, "b"))
	require.Eventually(t, func() bool { return e.Metrics().SegmentsEmitted == 2 }, time.Second, 2*time.Millisecond)

	// Ten more events on the paused stream: the deferred queue holds the
	// last four (twice the bound), the oldest six are dropped and counted.
	for ts := uint64(3); ts <= 12; ts++ {
		e.Ingest(writeEvent(1, 1, ts, "x"))
	}
	require.Eventually(t, func() bool { return e.Metrics().DeferredDropped == 6 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, uint64(2), e.Metrics().SegmentsEmitted, "a paused stream must not emit")

	// Free the sink: the surviving deferred events replay and come out as
	// one segment behind a gap flag.
	close(sink.gate)
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 2*time.Millisecond)
	segs := sink.snapshot()
	assert.Equal(t, []byte("xxxx"), segs[2].Bytes)
	assert.True(t, segs[2].GapBefore)
}

func TestEngine_EvictedKeyEpochStateReclaimed(t *testing.T) {
	cfg := engineConfig()
	cfg.IdleEvictionTimeout = 20 * time.Millisecond
	cfg.GapTimeout = 10 * time.Second // only eviction may flush
	sink := &collectSink{}
	e := startEngine(t, cfg, sink)

	e.Ingest(writeEvent(1, 1, 1, "first"))
	require.Eventually(t, func() bool { return e.Metrics().StreamsEvicted == 1 }, time.Second, 2*time.Millisecond)

	// Once the eviction tombstone is pruned the raw key's epoch state is
	// forgotten, so a much later reuse of the ids starts over at epoch zero.
	time.Sleep(3 * cfg.IdleEvictionTimeout)
	e.Ingest(writeEvent(1, 1, 2, "second"))
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 2*time.Millisecond)

	segs := sink.snapshot()
	assert.Equal(t, uint64(0), segs[0].Key.Epoch)
	assert.Equal(t, uint64(0), segs[1].Key.Epoch)
}

package reassembly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tlstap/tlstap/internal/capture"
	"github.com/tlstap/tlstap/internal/streamkey"
)

// ingestQueueDepth is the per-worker event queue capacity. Ingest never
// blocks; events beyond this depth are dropped and counted.
const ingestQueueDepth = 1024

type streamState int

const (
	stateOpen streamState = iota
	stateDraining
	stateIdle
	stateEvicted
)

// stream is one logical stream owned by a worker. It holds no reference back
// to the engine or worker; ownership runs one way.
type stream struct {
	key          streamkey.StreamKey
	buf          *Buffer
	state        streamState
	lastActivity time.Time

	// queued counts undelivered segments; decremented by the delivery
	// goroutine, hence atomic.
	queued atomic.Int32
	// deferred holds events that arrived while the stream was paused on a
	// full segment queue.
	deferred []*capture.Event
}

// workItem is either an event for a stream, a sweep tick, or a close signal.
type workItem struct {
	ev       *capture.Event
	key      streamkey.StreamKey
	sweep    bool
	closeRaw *streamkey.RawKey
	now      time.Time
}

// delivery pairs a segment with the owning stream's queued counter.
type delivery struct {
	seg    *Segment
	queued *atomic.Int32
}

type worker struct {
	id        int
	e         *Engine
	ch        chan workItem
	deliverCh chan delivery
	streams   map[streamkey.StreamKey]*stream
	// evicted keeps tombstones so in-flight events for a just-evicted key
	// cannot resurrect it. Pruned by the sweep.
	evicted map[streamkey.StreamKey]time.Time
}

// Engine routes capture events to per-stream reassembly buffers and emits
// ordered segments to the sink.
//
// Events for one stream are always handled by the same worker, so buffers
// need no locks. The only cross-worker state is the global buffered-byte
// counter and the resolver's epoch table, both atomic.
//
// Ingest may race Close: events arriving after the shutdown cutover are
// dropped, never sent to a closed worker.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	sink     Sink
	resolver *streamkey.Resolver
	metrics  Metrics

	workers     []*worker
	globalBytes atomic.Int64

	// mu fences the worker channels: Ingest and CloseStream send under the
	// read lock, Close flips closed under the write lock so no sender can
	// still be inside a send when the channels close.
	mu     sync.RWMutex
	closed bool

	wg         sync.WaitGroup
	deliveryWG sync.WaitGroup
	sweepStop  chan struct{}
	sweepDone  chan struct{}

	now func() time.Time
}

// New validates the configuration and builds an engine. The sink is required.
func New(cfg Config, sink Sink, log *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		cfg:       cfg,
		log:       log,
		sink:      sink,
		resolver:  streamkey.NewResolver(cfg.IdleEvictionTimeout),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
		now:       time.Now,
	}
	for i := 0; i < cfg.Workers; i++ {
		e.workers = append(e.workers, &worker{
			id:        i,
			e:         e,
			ch:        make(chan workItem, ingestQueueDepth),
			deliverCh: make(chan delivery, cfg.MaxQueuedSegmentsPerStream*8),
			streams:   make(map[streamkey.StreamKey]*stream),
			evicted:   make(map[streamkey.StreamKey]time.Time),
		})
	}
	return e, nil
}

// Start launches the workers, their delivery goroutines, and the sweep loop.
func (e *Engine) Start() {
	for _, w := range e.workers {
		e.wg.Add(1)
		go w.run()
		e.deliveryWG.Add(1)
		go w.deliverLoop()
	}
	go e.sweepLoop()
}

// Ingest routes one capture event to its stream. It never blocks: if the
// owning worker's queue is full the event is dropped and counted.
func (e *Engine) Ingest(ev *capture.Event) {
	if ev == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	if len(ev.Payload) > capture.MaxChunk {
		e.metrics.MalformedDropped.Add(1)
		return
	}
	e.metrics.EventsIngested.Add(1)

	key := e.resolver.Resolve(ev)
	w := e.workers[key.Hash()%uint64(len(e.workers))]
	select {
	case w.ch <- workItem{ev: ev, key: key, now: e.now()}:
	default:
		e.metrics.OverflowDropped.Add(1)
	}
}

// CloseStream handles a collaborator-supplied close signal (connection close,
// process exit): every epoch of the raw key is flushed and evicted.
func (e *Engine) CloseStream(raw streamkey.RawKey) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	key := streamkey.StreamKey{Raw: raw}
	w := e.workers[key.Hash()%uint64(len(e.workers))]
	r := raw
	select {
	case w.ch <- workItem{closeRaw: &r, now: e.now()}:
	default:
		e.metrics.OverflowDropped.Add(1)
	}
}

// NoteMalformed records a capture record that failed decoding upstream.
func (e *Engine) NoteMalformed() {
	e.metrics.MalformedDropped.Add(1)
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() Snapshot {
	return e.metrics.Snapshot()
}

// Close stops the sweep, drains the workers, and flushes every open stream's
// remaining data with final gap and close markers. No buffered data is
// silently discarded.
func (e *Engine) Close(ctx context.Context) error {
	// The write lock waits out any Ingest still inside a send, so the worker
	// channels below close with no sender left.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.sweepStop)
	<-e.sweepDone
	for _, w := range e.workers {
		close(w.ch)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.deliveryWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

func (e *Engine) sweepLoop() {
	defer close(e.sweepDone)
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case <-t.C:
			now := e.now()
			for _, w := range e.workers {
				select {
				case w.ch <- workItem{sweep: true, now: now}:
				default:
					// Worker is saturated; it will catch up next tick.
				}
			}
		}
	}
}

func (w *worker) run() {
	defer w.e.wg.Done()
	for item := range w.ch {
		switch {
		case item.sweep:
			w.sweep(item.now)
		case item.closeRaw != nil:
			w.closeRawKey(*item.closeRaw, item.now)
		default:
			w.handleEvent(item.key, item.ev, item.now)
		}
	}

	// Shutdown: flush everything still open.
	now := w.e.now()
	for _, st := range w.streams {
		w.replay(st, now)
		w.evict(st, now)
	}
	close(w.deliverCh)
}

func (w *worker) deliverLoop() {
	defer w.e.deliveryWG.Done()
	for d := range w.deliverCh {
		if err := w.e.sink.Accept(d.seg); err != nil {
			w.e.metrics.SinkErrors.Add(1)
			w.e.log.Warn("sink rejected segment",
				zap.Stringer("stream", d.seg.Key),
				zap.Error(err))
		}
		d.queued.Add(-1)
	}
}

func (w *worker) handleEvent(key streamkey.StreamKey, ev *capture.Event, now time.Time) {
	if _, gone := w.evicted[key]; gone {
		w.e.metrics.LateDropped.Add(1)
		return
	}

	st := w.streams[key]
	if st == nil {
		st = &stream{key: key, buf: NewBuffer(key, &w.e.cfg), state: stateOpen}
		w.streams[key] = st
		w.e.metrics.StreamsOpened.Add(1)
	}
	st.lastActivity = now

	w.replay(st, now)
	if w.paused(st) {
		w.deferEvent(st, ev)
		return
	}
	w.apply(st, ev, now)
}

func (w *worker) paused(st *stream) bool {
	return int(st.queued.Load()) >= w.e.cfg.MaxQueuedSegmentsPerStream
}

// deferEvent queues an event for a paused stream, dropping the oldest deferred
// event once the hard cap is reached.
func (w *worker) deferEvent(st *stream, ev *capture.Event) {
	hardCap := 2 * w.e.cfg.MaxQueuedSegmentsPerStream
	if len(st.deferred) >= hardCap {
		st.deferred = st.deferred[1:]
		w.e.metrics.DeferredDropped.Add(1)
	}
	st.deferred = append(st.deferred, ev)
}

// replay applies deferred events while the stream has segment queue headroom.
func (w *worker) replay(st *stream, now time.Time) {
	for len(st.deferred) > 0 && !w.paused(st) {
		ev := st.deferred[0]
		st.deferred = st.deferred[1:]
		w.apply(st, ev, now)
	}
}

func (w *worker) apply(st *stream, ev *capture.Event, now time.Time) {
	before := st.buf.PendingBytes()
	switch st.buf.Insert(ev, now) {
	case Duplicate:
		w.e.metrics.DuplicateDropped.Add(1)
	case Late:
		w.e.metrics.LateDropped.Add(1)
	case Inserted:
	}
	w.e.globalBytes.Add(int64(st.buf.PendingBytes() - before))

	w.drain(st, now, false)

	if st.buf.PendingBytes() > w.e.cfg.MaxBufferedBytesPerStream {
		w.e.metrics.ForcedFlushes.Add(1)
		w.drain(st, now, true)
	}
	if w.e.globalBytes.Load() > w.e.cfg.MaxBufferedBytesGlobal {
		w.evictLRU(now)
	}
}

func (w *worker) drain(st *stream, now time.Time, force bool) {
	st.state = stateDraining
	before := st.buf.PendingBytes()
	segs := st.buf.DrainReady(now, force)
	w.e.globalBytes.Add(int64(st.buf.PendingBytes() - before))
	for _, seg := range segs {
		w.deliver(st, seg)
	}
	if len(segs) == 0 {
		st.state = stateIdle
	} else {
		st.state = stateOpen
	}
}

func (w *worker) deliver(st *stream, seg *Segment) {
	if seg.GapBefore {
		w.e.metrics.GapsEmitted.Add(1)
	}
	w.e.metrics.SegmentsEmitted.Add(1)
	w.e.metrics.BytesEmitted.Add(uint64(len(seg.Bytes)))

	st.queued.Add(1)
	select {
	case w.deliverCh <- delivery{seg: seg, queued: &st.queued}:
	default:
		st.queued.Add(-1)
		w.e.metrics.OverflowDropped.Add(1)
		w.e.log.Warn("delivery queue full, dropping segment",
			zap.Stringer("stream", seg.Key),
			zap.Int("bytes", len(seg.Bytes)))
	}
}

func (w *worker) sweep(now time.Time) {
	for _, st := range w.streams {
		w.replay(st, now)
		w.drain(st, now, false)
		if now.Sub(st.lastActivity) >= w.e.cfg.IdleEvictionTimeout {
			w.evict(st, now)
		}
	}
	for w.e.globalBytes.Load() > w.e.cfg.MaxBufferedBytesGlobal {
		if !w.evictLRU(now) {
			break
		}
	}
	for key, at := range w.evicted {
		if now.Sub(at) >= w.e.cfg.IdleEvictionTimeout {
			delete(w.evicted, key)
			w.reclaim(key.Raw)
		}
	}
}

// reclaim drops the resolver's epoch state for a raw key once this worker
// holds no stream or tombstone for it, so the epoch table does not grow with
// dead thread ids. The next event on the key starts over at epoch zero.
func (w *worker) reclaim(raw streamkey.RawKey) {
	for key := range w.streams {
		if key.Raw == raw {
			return
		}
	}
	for key := range w.evicted {
		if key.Raw == raw {
			return
		}
	}
	w.e.resolver.Forget(raw)
}

// evict flushes and releases a stream. Idempotent: an already-evicted stream
// is left alone.
func (w *worker) evict(st *stream, now time.Time) {
	if st.state == stateEvicted {
		return
	}
	st.state = stateEvicted

	before := st.buf.PendingBytes()
	segs := st.buf.FinalFlush(now)
	w.e.globalBytes.Add(int64(st.buf.PendingBytes() - before))
	for _, seg := range segs {
		w.deliver(st, seg)
	}

	delete(w.streams, st.key)
	w.evicted[st.key] = now
	w.e.resolver.Bump(st.key.Raw)
	w.e.metrics.StreamsEvicted.Add(1)
}

// evictLRU reclaims space by evicting the least-recently-active stream that
// still holds bytes. Reported, non-fatal degradation.
func (w *worker) evictLRU(now time.Time) bool {
	var victim *stream
	for _, st := range w.streams {
		if st.buf.PendingBytes() == 0 {
			continue
		}
		if victim == nil || st.lastActivity.Before(victim.lastActivity) {
			victim = st
		}
	}
	if victim == nil {
		return false
	}
	w.e.log.Warn("buffer ceiling reached, evicting least-recently-active stream",
		zap.Stringer("stream", victim.key),
		zap.Int("pending_bytes", victim.buf.PendingBytes()))
	w.evict(victim, now)
	return true
}

func (w *worker) closeRawKey(raw streamkey.RawKey, now time.Time) {
	for _, st := range w.streams {
		if st.key.Raw == raw {
			w.replay(st, now)
			w.evict(st, now)
		}
	}
}

// Package eventstream pulls capture records off the ring buffer and feeds
// them to the reassembly engine.
package eventstream

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/tlstap/tlstap/internal/capture"
	"github.com/tlstap/tlstap/internal/filter"
	"github.com/tlstap/tlstap/internal/reassembly"
)

// Stream is the single consumer of the capture transport. It decodes raw
// records, applies the admission filter, and hands events to the engine in
// their natural delivery order.
type Stream struct {
	reader   *ringbuf.Reader
	engine   *reassembly.Engine
	filter   *filter.Filter
	log      *zap.Logger
	filtered atomic.Uint64
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a stream. filter may be nil to admit all events.
func New(reader *ringbuf.Reader, engine *reassembly.Engine, f *filter.Filter, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		reader: reader,
		engine: engine,
		filter: f,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins reading records in a goroutine. It returns immediately and
// processes events until the context is cancelled, Stop is called, or the
// ring buffer is closed.
func (s *Stream) Start(ctx context.Context) error {
	go func() {
		defer close(s.doneCh)
		s.processRecords(ctx)
	}()
	return nil
}

// Stop signals the processing goroutine and waits for it to return, so no
// event can reach the engine after Stop. Close the ring buffer reader first:
// the goroutine may be parked in a blocking read that only a closed reader
// interrupts.
func (s *Stream) Stop() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Filtered is the number of events rejected by the admission filter.
func (s *Stream) Filtered() uint64 {
	return s.filtered.Load()
}

func (s *Stream) processRecords(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
			record, err := s.reader.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					return
				}
				s.log.Warn("reading from ring buffer", zap.Error(err))
				continue
			}

			ev, err := capture.Decode(record.RawSample)
			if err != nil {
				s.engine.NoteMalformed()
				s.log.Debug("dropping malformed capture record", zap.Error(err))
				continue
			}

			if !s.filter.Admit(ev) {
				s.filtered.Add(1)
				continue
			}

			s.engine.Ingest(ev)
		}
	}
}

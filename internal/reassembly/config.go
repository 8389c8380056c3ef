package reassembly

import (
	"fmt"
	"time"
)

// Config holds the engine tuning knobs. All values must be positive; Validate
// rejects anything else before the engine starts ingesting.
type Config struct {
	// IdleEvictionTimeout is how long a stream may go without events before
	// the sweep evicts it and flushes whatever it still buffers.
	IdleEvictionTimeout time.Duration

	// GapTimeout bounds how long a buffered chunk may wait for an earlier,
	// still-missing chunk. Once the oldest pending chunk ages past it, the
	// buffer advances and surfaces the hole as a gap flag.
	GapTimeout time.Duration

	// MaxReassemblySpanChunks caps how many chunks one truncated write may
	// span before the run is cut into a segment anyway.
	MaxReassemblySpanChunks int

	// MaxBufferedBytesPerStream caps pending bytes in one stream buffer.
	// Exceeding it forces a flush rather than growing further.
	MaxBufferedBytesPerStream int

	// MaxBufferedBytesGlobal caps pending bytes across all streams. Under
	// pressure the least-recently-active stream is evicted to reclaim space.
	MaxBufferedBytesGlobal int64

	// MaxQueuedSegmentsPerStream bounds undelivered segments per stream.
	// At the bound the stream pauses: incoming events are deferred up to a
	// hard cap, beyond which the oldest deferred event is dropped.
	MaxQueuedSegmentsPerStream int

	// Workers is the number of stream shards processed in parallel.
	Workers int

	// ContiguityDeltaNs is the largest timestamp delta (ns) between two
	// chunks still considered adjacent. The transport exposes no sequence
	// counter, so adjacency is a policy, not a guarantee.
	ContiguityDeltaNs uint64

	// SweepInterval is the period of the background drain/evict sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		IdleEvictionTimeout:        60 * time.Second,
		GapTimeout:                 500 * time.Millisecond,
		MaxReassemblySpanChunks:    16,
		MaxBufferedBytesPerStream:  1 << 20,
		MaxBufferedBytesGlobal:     64 << 20,
		MaxQueuedSegmentsPerStream: 32,
		Workers:                    4,
		ContiguityDeltaNs:          1000,
		SweepInterval:              100 * time.Millisecond,
	}
}

// Validate reports the first invalid knob. Configuration errors are the only
// fatal condition in the engine, and they surface before ingestion begins.
func (c Config) Validate() error {
	switch {
	case c.IdleEvictionTimeout <= 0:
		return fmt.Errorf("idle eviction timeout must be positive, got %v", c.IdleEvictionTimeout)
	case c.GapTimeout <= 0:
		return fmt.Errorf("gap timeout must be positive, got %v", c.GapTimeout)
	case c.MaxReassemblySpanChunks <= 0:
		return fmt.Errorf("max reassembly span must be positive, got %d", c.MaxReassemblySpanChunks)
	case c.MaxBufferedBytesPerStream <= 0:
		return fmt.Errorf("per-stream byte ceiling must be positive, got %d", c.MaxBufferedBytesPerStream)
	case c.MaxBufferedBytesGlobal <= 0:
		return fmt.Errorf("global byte ceiling must be positive, got %d", c.MaxBufferedBytesGlobal)
	case c.MaxQueuedSegmentsPerStream <= 0:
		return fmt.Errorf("queued segment bound must be positive, got %d", c.MaxQueuedSegmentsPerStream)
	case c.Workers <= 0:
		return fmt.Errorf("worker count must be positive, got %d", c.Workers)
	case c.ContiguityDeltaNs == 0:
		return fmt.Errorf("contiguity delta must be positive")
	case c.SweepInterval <= 0:
		return fmt.Errorf("sweep interval must be positive, got %v", c.SweepInterval)
	}
	return nil
}

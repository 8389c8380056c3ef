// Package reassembly reconstructs ordered byte streams from the unordered,
// chunked capture event feed.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│   Capture events (decoded, filtered)     │
//	└──────────────────┬───────────────────────┘
//	                   │ Engine.Ingest
//	                   ▼
//	┌──────────────────────────────────────────┐
//	│   Engine                                 │  hash(stream key) → worker
//	│   - routes events to worker shards       │
//	│   - global buffered-byte accounting      │
//	│   - periodic sweep (drain/evict)         │
//	└──────┬──────────────┬──────────────┬─────┘
//	       ▼              ▼              ▼
//	┌──────────┐   ┌──────────┐   ┌──────────┐
//	│ worker 0 │   │ worker 1 │   │ worker N │   single-writer stream shards
//	└────┬─────┘   └────┬─────┘   └────┬─────┘
//	     │ per-stream Buffer: order, dedupe,
//	     │ gap detection, truncated-run joins
//	     ▼
//	┌──────────────────────────────────────────┐
//	│   Sink.Accept(segment)                   │  ordered segments, gap flags
//	└──────────────────────────────────────────┘
//
// Each logical stream is owned by exactly one worker, so per-stream state
// needs no locks. Sweeps and close signals travel as control messages on the
// owning worker's queue, which preserves the single-writer discipline.
//
// Stream lifecycle: Open → Draining ⇄ Idle → Evicted. Eviction flushes any
// remaining data (with a gap flag when non-contiguous) and is idempotent.
package reassembly

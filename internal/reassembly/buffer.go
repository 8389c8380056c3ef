package reassembly

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/tlstap/tlstap/internal/capture"
	"github.com/tlstap/tlstap/internal/streamkey"
)

// InsertResult classifies what happened to an inserted chunk.
type InsertResult int

const (
	// Inserted means the chunk was accepted into the pending window.
	Inserted InsertResult = iota
	// Duplicate means an identical (timestamp, payload hash) chunk was
	// already seen; the copy is discarded without corrupting output.
	Duplicate
	// Late means the chunk's timestamp is strictly behind the emitted
	// position; emitting it would reorder output, so it is discarded.
	Late
)

// chunk is one pending capture payload plus its inferred position.
// Position is (timestamp, arrival order); arrival breaks timestamp ties.
type chunk struct {
	ts         uint64
	arrival    uint64
	hash       uint64
	truncated  bool
	payload    []byte
	insertedAt time.Time
}

// Buffer is the reassembly window for one logical stream.
//
// It holds out-of-order chunks, orders them by (timestamp, arrival), and
// yields contiguous runs as segments. It is forward-only: once a segment is
// drained the bytes are gone and the emitted position only advances.
//
// A Buffer is not safe for concurrent use; the engine guarantees each buffer
// is touched by exactly one worker.
type Buffer struct {
	key streamkey.StreamKey
	cfg *Config

	pending      []*chunk
	pendingBytes int
	arrival      uint64

	emittedAny    bool
	lastEmittedTs uint64
	// emittedHashes remembers payload hashes emitted at lastEmittedTs so a
	// retransmitted copy of an already-emitted chunk is still recognized.
	emittedHashes map[uint64]struct{}
}

// NewBuffer creates an empty reassembly window for the given stream.
func NewBuffer(key streamkey.StreamKey, cfg *Config) *Buffer {
	return &Buffer{
		key:           key,
		cfg:           cfg,
		emittedHashes: make(map[uint64]struct{}),
	}
}

// PendingBytes is the number of buffered-but-unemitted payload bytes.
func (b *Buffer) PendingBytes() int { return b.pendingBytes }

// PendingChunks is the number of buffered-but-unemitted chunks.
func (b *Buffer) PendingChunks() int { return len(b.pending) }

func payloadHash(p []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(p)
	return h.Sum64()
}

// adjacent reports whether a chunk at ts `next` directly continues one at
// `prev`. Equal or regressed timestamps are same-position ties (clock skew);
// small forward deltas up to the configured contiguity delta are adjacent.
func (b *Buffer) adjacent(prev, next uint64) bool {
	if next <= prev {
		return true
	}
	return next-prev <= b.cfg.ContiguityDeltaNs
}

// Insert stores a chunk at its inferred position. The buffer takes ownership
// of ev.Payload. now is the wall-clock insertion time used for gap aging.
func (b *Buffer) Insert(ev *capture.Event, now time.Time) InsertResult {
	ts := ev.TimestampNs
	h := payloadHash(ev.Payload)

	if b.emittedAny && ts < b.lastEmittedTs {
		return Late
	}
	if b.emittedAny && ts == b.lastEmittedTs {
		if _, ok := b.emittedHashes[h]; ok {
			return Duplicate
		}
	}

	// Duplicate check against pending chunks sharing the timestamp.
	i := sort.Search(len(b.pending), func(i int) bool { return b.pending[i].ts >= ts })
	for ; i < len(b.pending) && b.pending[i].ts == ts; i++ {
		if b.pending[i].hash == h {
			return Duplicate
		}
	}

	c := &chunk{
		ts:         ts,
		arrival:    b.arrival,
		hash:       h,
		truncated:  ev.Truncated,
		payload:    ev.Payload,
		insertedAt: now,
	}
	b.arrival++

	// Arrival only grows, so among equal timestamps the new chunk sorts last.
	pos := sort.Search(len(b.pending), func(i int) bool { return b.pending[i].ts > ts })
	b.pending = append(b.pending, nil)
	copy(b.pending[pos+1:], b.pending[pos:])
	b.pending[pos] = c
	b.pendingBytes += len(c.payload)

	return Inserted
}

// chainEnd measures the leading run of pairwise-adjacent pending chunks.
// terminated is false when the run's last chunk is a truncated write still
// waiting for its continuation. A truncated write spanning the configured
// maximum is cut and reported terminated to bound memory.
func (b *Buffer) chainEnd() (n int, terminated bool) {
	n = 1
	truncRun := 0
	if b.pending[0].truncated {
		truncRun = 1
	}
	for n < len(b.pending) {
		if truncRun >= b.cfg.MaxReassemblySpanChunks {
			return n, true
		}
		if !b.adjacent(b.pending[n-1].ts, b.pending[n].ts) {
			break
		}
		if b.pending[n].truncated {
			truncRun++
		} else {
			truncRun = 0
		}
		n++
	}
	return n, !b.pending[n-1].truncated || truncRun >= b.cfg.MaxReassemblySpanChunks
}

// DrainReady yields the segments that can be emitted now.
//
// A leading chain is released when it continues the emitted position, when
// its oldest chunk has aged past the gap timeout, or when force is set
// (ceiling hit, eviction, shutdown). A release that does not continue the
// emitted position carries GapBefore. A chain ending in an unterminated
// truncated write is held back until it ages out, so one logical write stays
// in one segment whenever the transport cooperates.
func (b *Buffer) DrainReady(now time.Time, force bool) []*Segment {
	var segs []*Segment
	for len(b.pending) > 0 {
		head := b.pending[0]
		n, terminated := b.chainEnd()
		contig := b.emittedAny && b.adjacent(b.lastEmittedTs, head.ts)
		aged := now.Sub(head.insertedAt) >= b.cfg.GapTimeout

		if !force {
			if !contig && !aged {
				break
			}
			if !terminated && !aged {
				break
			}
		}

		gap := b.emittedAny && !contig
		segs = append(segs, b.consume(n, gap))
	}
	return segs
}

// consume turns the first n pending chunks into one segment and advances the
// emitted position past them.
func (b *Buffer) consume(n int, gap bool) *Segment {
	total := 0
	for _, c := range b.pending[:n] {
		total += len(c.payload)
	}

	seg := &Segment{
		Key:              b.key,
		Bytes:            make([]byte, 0, total),
		GapBefore:        gap,
		FirstTimestampNs: b.pending[0].ts,
		LastTimestampNs:  b.pending[n-1].ts,
	}
	for _, c := range b.pending[:n] {
		seg.Bytes = append(seg.Bytes, c.payload...)
	}

	newTs := b.pending[n-1].ts
	if !b.emittedAny || newTs != b.lastEmittedTs {
		b.emittedHashes = make(map[uint64]struct{})
	}
	for _, c := range b.pending[:n] {
		if c.ts == newTs {
			b.emittedHashes[c.hash] = struct{}{}
		}
	}
	b.emittedAny = true
	b.lastEmittedTs = newTs
	b.pendingBytes -= total
	b.pending = append(b.pending[:0], b.pending[n:]...)

	return seg
}

// FinalFlush force-drains everything left and marks the stream closed. When
// nothing is pending it still produces one empty Closed segment so the sink
// learns the stream ended. Safe to call on an already-empty buffer.
func (b *Buffer) FinalFlush(now time.Time) []*Segment {
	segs := b.DrainReady(now, true)
	if len(segs) == 0 {
		segs = append(segs, &Segment{
			Key:              b.key,
			Closed:           true,
			FirstTimestampNs: b.lastEmittedTs,
			LastTimestampNs:  b.lastEmittedTs,
		})
		return segs
	}
	segs[len(segs)-1].Closed = true
	return segs
}

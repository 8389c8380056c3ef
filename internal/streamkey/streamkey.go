// Package streamkey derives stable logical stream identities from capture
// events.
//
// A raw key (pid, tid, direction) is not stable over time: thread pools and
// connection churn reuse the same ids for unrelated traffic. The resolver
// folds in a per-raw-key epoch counter that advances whenever a raw key has
// been silent past a configurable gap, so the next event opens a fresh
// logical stream instead of appending to a dead one.
package streamkey

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tlstap/tlstap/internal/capture"
)

// RawKey is the identity carried by every capture event.
type RawKey struct {
	PID       uint32
	TID       int32
	Direction capture.Direction
}

func (k RawKey) String() string {
	return fmt.Sprintf("%d:%d:%s", k.PID, k.TID, k.Direction)
}

// StreamKey identifies one logical stream: a raw key plus the epoch that was
// current when the stream opened.
type StreamKey struct {
	Raw   RawKey
	Epoch uint64
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s#%d", k.Raw, k.Epoch)
}

// Hash returns a stable hash of the raw key only. All epochs of a raw key
// hash to the same value, which keeps successive streams of a reused thread
// on the same engine worker and therefore serialized.
func (k StreamKey) Hash() uint64 {
	h := fnv.New64a()
	var b [9]byte
	b[0] = byte(k.Raw.PID)
	b[1] = byte(k.Raw.PID >> 8)
	b[2] = byte(k.Raw.PID >> 16)
	b[3] = byte(k.Raw.PID >> 24)
	tid := uint32(k.Raw.TID)
	b[4] = byte(tid)
	b[5] = byte(tid >> 8)
	b[6] = byte(tid >> 16)
	b[7] = byte(tid >> 24)
	b[8] = byte(k.Raw.Direction)
	_, _ = h.Write(b[:])
	return h.Sum64()
}

// entry is the per-raw-key epoch state. Fields are atomics because Resolve
// runs on the transport consumer while Bump may run on engine workers.
type entry struct {
	epoch      atomic.Uint64
	lastSeenNs atomic.Uint64
}

// Resolver maps capture events to stream keys.
//
// Resolve is deterministic given the epoch table state. The table is shared
// across goroutines and updated with atomics only; there is no coarse lock.
type Resolver struct {
	epochGapNs uint64
	entries    sync.Map // RawKey -> *entry
}

// NewResolver creates a resolver. epochGap is the inactivity gap after which
// a raw key is considered reused and its epoch advances.
func NewResolver(epochGap time.Duration) *Resolver {
	return &Resolver{epochGapNs: uint64(epochGap.Nanoseconds())}
}

// Resolve returns the stream key for an event, advancing the epoch first if
// the raw key has been silent longer than the configured gap. Inactivity is
// measured on event timestamps, which are monotonic per thread.
func (r *Resolver) Resolve(ev *capture.Event) StreamKey {
	raw := RawKey{PID: ev.PID, TID: ev.TID, Direction: ev.Direction}

	v, ok := r.entries.Load(raw)
	if !ok {
		v, _ = r.entries.LoadOrStore(raw, &entry{})
	}
	e := v.(*entry)

	last := e.lastSeenNs.Load()
	if last != 0 && ev.TimestampNs > last && ev.TimestampNs-last > r.epochGapNs {
		e.epoch.Add(1)
	}
	// Keep the high-water mark; a reordered older event must not rewind it.
	for {
		cur := e.lastSeenNs.Load()
		if ev.TimestampNs <= cur {
			break
		}
		if e.lastSeenNs.CompareAndSwap(cur, ev.TimestampNs) {
			break
		}
	}

	return StreamKey{Raw: raw, Epoch: e.epoch.Load()}
}

// Bump forces the next event for the raw key onto a fresh epoch. Called when
// the engine evicts or closes a stream so the key cannot be appended to.
func (r *Resolver) Bump(raw RawKey) {
	v, ok := r.entries.Load(raw)
	if !ok {
		v, _ = r.entries.LoadOrStore(raw, &entry{})
	}
	v.(*entry).epoch.Add(1)
}

// Forget drops the epoch state for a raw key. Called once the engine no
// longer tracks any stream of the key, so the table does not accumulate
// entries for dead thread ids.
func (r *Resolver) Forget(raw RawKey) {
	r.entries.Delete(raw)
}

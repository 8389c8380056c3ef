// Package bpfloader connects to the capture collaborator's pinned ring
// buffer map.
//
// Probe attachment, symbol resolution, and CO-RE relocation all happen in
// the kernel-side capture component, which pins its events map under bpffs
// (typically /sys/fs/bpf/tlstap/events). This loader only opens that pin and
// exposes a reader; it never loads or attaches programs itself.
package bpfloader

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

// Loader holds the pinned events map handed over by the capture component.
type Loader struct {
	events *ebpf.Map
	log    *zap.Logger
}

// New lifts the memlock rlimit and opens the pinned events map. Fails when
// the pin is missing or is not a ring buffer.
func New(pinPath string, log *zap.Logger) (*Loader, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	m, err := ebpf.LoadPinnedMap(pinPath, nil)
	if err != nil {
		return nil, fmt.Errorf("opening pinned events map %q: %w", pinPath, err)
	}
	if m.Type() != ebpf.RingBuf {
		typ := m.Type()
		_ = m.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("pinned map %q is %s, want ring buffer", pinPath, typ)
	}

	log.Info("attached to capture events map",
		zap.String("pin", pinPath),
		zap.Uint32("max_entries", m.MaxEntries()))

	return &Loader{events: m, log: log}, nil
}

// OpenRingBuffer creates a reader over the events map.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.events)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer reader: %w", err)
	}
	return rd, nil
}

// Close releases the map handle.
func (l *Loader) Close() error {
	if err := l.events.Close(); err != nil {
		return fmt.Errorf("closing events map: %w", err)
	}
	return nil
}

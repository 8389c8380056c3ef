// Package capture defines the capture event model and the wire decoding of
// records produced by the kernel-side TLS probes.
//
// The probes emit one record per intercepted library read/write. Payloads
// larger than MaxChunk are split across several records with the truncated
// flag set on all but the last one.
package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxChunk is the largest payload a single capture record can carry.
// Writes beyond this size arrive as multiple records.
const MaxChunk = 8192

// Direction identifies which side of the traced library call produced the bytes.
type Direction uint8

const (
	// DirectionRead marks bytes returned by the traced read entry point.
	DirectionRead Direction = 0
	// DirectionWrite marks bytes passed to the traced write entry point.
	DirectionWrite Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ErrMalformed is returned when a wire record fails validation.
var ErrMalformed = errors.New("malformed capture record")

// wireEvent matches the C struct emitted into the ring buffer by the probes.
// Layout is fixed; only the first PayloadLen bytes of Payload are valid.
type wireEvent struct {
	PID         uint32
	TID         int32
	Direction   uint32
	Truncated   uint32
	TimestampNs uint64
	PayloadLen  int32
	_           [4]byte
	Payload     [MaxChunk]byte
}

// WireSize is the exact size in bytes of one ring buffer record.
const WireSize = 4 + 4 + 4 + 4 + 8 + 4 + 4 + MaxChunk

// Event is one decoded capture record. Immutable once decoded; Payload is a
// copy of the valid prefix of the wire buffer and is owned by the receiver.
type Event struct {
	PID         uint32
	TID         int32
	Direction   Direction
	TimestampNs uint64
	Truncated   bool
	Payload     []byte
}

// Decode parses a raw ring buffer sample into an Event.
// Records with an out-of-range payload length or an unknown direction are
// rejected with ErrMalformed.
func Decode(raw []byte) (*Event, error) {
	if len(raw) < WireSize {
		return nil, fmt.Errorf("%w: sample is %d bytes, want %d", ErrMalformed, len(raw), WireSize)
	}

	var w wireEvent
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if w.PayloadLen < 0 || w.PayloadLen > MaxChunk {
		return nil, fmt.Errorf("%w: payload length %d outside [0, %d]", ErrMalformed, w.PayloadLen, MaxChunk)
	}
	if w.Direction != uint32(DirectionRead) && w.Direction != uint32(DirectionWrite) {
		return nil, fmt.Errorf("%w: unknown direction %d", ErrMalformed, w.Direction)
	}

	payload := make([]byte, w.PayloadLen)
	copy(payload, w.Payload[:w.PayloadLen])

	return &Event{
		PID:         w.PID,
		TID:         w.TID,
		Direction:   Direction(w.Direction),
		TimestampNs: w.TimestampNs,
		Truncated:   w.Truncated != 0,
		Payload:     payload,
	}, nil
}

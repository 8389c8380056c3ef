package reassembly

import (
	"github.com/tlstap/tlstap/internal/capture"
	"github.com/tlstap/tlstap/internal/streamkey"
)

// Segment is one ordered run of reconstructed bytes handed to the sink.
//
// Within a logical stream, segments arrive in non-decreasing timestamp order
// and never repeat a byte range. GapBefore means bytes were lost between the
// previous segment and this one and cannot be recovered. Closed marks the
// stream's final segment; a Closed segment may carry zero bytes when the
// stream ended with nothing buffered.
type Segment struct {
	Key       streamkey.StreamKey
	Bytes     []byte
	GapBefore bool
	Closed    bool

	// FirstTimestampNs and LastTimestampNs span the chunks that produced
	// this segment, in the capture clock domain.
	FirstTimestampNs uint64
	LastTimestampNs  uint64
}

// Direction is the side of the traced call this segment belongs to.
func (s *Segment) Direction() capture.Direction {
	return s.Key.Raw.Direction
}

// Sink consumes reconstructed segments. Implementations must return within a
// bounded time; a persistently slow sink triggers the engine's back-pressure
// policy and eventually segment drops.
type Sink interface {
	Accept(seg *Segment) error
}

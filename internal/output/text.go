// Package output provides sinks that consume reconstructed segments.
//
// TextSink prints human-readable segment lines. SpanSink exports one
// OpenTelemetry span per segment. Both are pure consumers: ordering, gap
// detection, and buffering all happen upstream in the engine.
package output

import (
	"fmt"
	"io"
	"sync"

	"github.com/tlstap/tlstap/internal/reassembly"
)

// previewLen bounds how much payload a text line shows.
const previewLen = 64

// TextSink writes one line per segment to w.
type TextSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextSink creates a sink writing to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

// Accept implements reassembly.Sink.
func (s *TextSink) Accept(seg *reassembly.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := fmt.Fprintf(s.w, "%s dir=%s bytes=%d gap=%t closed=%t | %s\n",
		seg.Key, seg.Direction(), len(seg.Bytes), seg.GapBefore, seg.Closed,
		preview(seg.Bytes))
	if err != nil {
		return fmt.Errorf("writing segment line: %w", err)
	}
	return nil
}

// preview renders the leading payload bytes with non-printable characters
// replaced, so binary traffic doesn't mangle the terminal.
func preview(b []byte) string {
	n := len(b)
	if n > previewLen {
		n = previewLen
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		c := b[i]
		if c >= 0x20 && c < 0x7f {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	if len(b) > previewLen {
		return string(out) + "..."
	}
	return string(out)
}

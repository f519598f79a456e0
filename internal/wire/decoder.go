// Package wire splits a streamed chat response into frames and maps
// frame payloads onto typed deltas. The backend emits server-sent
// events: newline-separated lines, the interesting ones carrying a
// "data: " prefix and a JSON payload. Transport chunk boundaries are
// arbitrary, so the decoder keeps the unterminated tail of each chunk
// and completes it with the next one.
package wire

import (
	"bytes"

	"ragline/internal/domain"
)

const dataPrefix = "data: "

// Decoder turns raw body chunks into complete frames. It is stateful
// and single-stream: one decoder per response body, not safe for
// concurrent use.
type Decoder struct {
	residual []byte
}

// Push appends one transport chunk and returns every frame completed
// by it, in arrival order. Bytes after the last newline stay buffered
// until a later Push or Flush completes them. An empty chunk yields
// nothing and leaves the buffered tail untouched.
func (d *Decoder) Push(chunk []byte) []domain.Frame {
	if len(chunk) == 0 {
		return nil
	}
	buf := append(d.residual, chunk...)

	var frames []domain.Frame
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		if f, ok := frameFromLine(buf[:i]); ok {
			frames = append(frames, f)
		}
		buf = buf[i+1:]
	}

	// Copy the tail out of the scratch buffer so the next Push cannot
	// grow over bytes a returned frame might still reference.
	d.residual = append([]byte(nil), buf...)
	return frames
}

// Flush drains the buffered tail as a final frame. Streams that end
// without a trailing newline would otherwise lose their last line.
// The decoder is empty afterwards and can be reused for a new body.
func (d *Decoder) Flush() (domain.Frame, bool) {
	line := d.residual
	d.residual = nil
	return frameFromLine(line)
}

// Pending reports how many bytes are buffered waiting for a newline.
func (d *Decoder) Pending() int { return len(d.residual) }

// frameFromLine keeps data lines and drops everything else: blank
// separators, comment keep-alives, unknown fields. A bare "data:"
// without the trailing space is not a frame either.
func frameFromLine(line []byte) (domain.Frame, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return domain.Frame{}, false
	}
	return domain.Frame{Payload: string(line[len(dataPrefix):])}, true
}

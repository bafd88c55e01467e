// Package frame implements the stream framing used on the daemon socket:
// a 4-byte big-endian length header followed by exactly that many bytes of
// envelope body. The parser is a pure state machine fed with arbitrary byte
// chunks; it emits complete bodies as soon as header plus body are present
// and keeps partial remainders for the next push.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFrameSize is the largest accepted body. A frame of exactly this size is
// legal; one byte more fails the connection.
const MaxFrameSize = 1 << 20 // 1 MiB

// headerSize is the length prefix width.
const headerSize = 4

// ErrFrameTooLarge reports an oversize frame. It is fatal to the connection.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Encode prepends the length header to body.
func Encode(body []byte) ([]byte, error) {
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), MaxFrameSize)
	}
	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// Parser accumulates streamed chunks and yields complete frame bodies.
// Not safe for concurrent use; each connection owns one parser.
type Parser struct {
	buf []byte
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Push appends data and returns every complete frame body now available.
// After ErrFrameTooLarge the parser is poisoned and the connection must be
// closed; Reset clears it for a new connection.
func (p *Parser) Push(data []byte) ([][]byte, error) {
	p.buf = append(p.buf, data...)

	var frames [][]byte
	for {
		if len(p.buf) < headerSize {
			return frames, nil
		}
		n := binary.BigEndian.Uint32(p.buf)
		if n > MaxFrameSize {
			return frames, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, MaxFrameSize)
		}
		total := headerSize + int(n)
		if len(p.buf) < total {
			return frames, nil
		}
		body := make([]byte, n)
		copy(body, p.buf[headerSize:total])
		frames = append(frames, body)
		p.buf = p.buf[total:]
	}
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (p *Parser) Pending() int {
	return len(p.buf)
}

// Reset drops all buffered state. Called on connection drop.
func (p *Parser) Reset() {
	p.buf = nil
}

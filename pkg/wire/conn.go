package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameSize bounds a single message on the read side. Tool
// results larger than this indicate a tool that should stream to disk
// instead of returning blobs inline.
const DefaultMaxFrameSize = 8 << 20

var (
	// ErrFrameTooLarge is returned when an inbound line exceeds the
	// configured frame limit
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

	// ErrMalformedFrame is returned when an inbound line is not a valid
	// message envelope
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Conn frames messages over a reader/writer pair, one JSON document per
// line. Writes are serialized internally; reads must come from a single
// goroutine.
type Conn struct {
	scanner *bufio.Scanner
	writeMu sync.Mutex
	w       io.Writer
	closer  io.Closer
}

// NewConn wraps the given pipe endpoints. maxFrame <= 0 selects
// DefaultMaxFrameSize.
func NewConn(r io.Reader, w io.Writer, maxFrame int) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	scanner := bufio.NewScanner(r)
	// The effective limit is the larger of the initial capacity and
	// maxFrame, so the initial buffer stays small.
	scanner.Buffer(make([]byte, 0, 1024), maxFrame)

	c := &Conn{scanner: scanner, w: w}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// Write frames and sends one message
func (c *Conn) Write(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}
	raw = append(raw, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(raw); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// Read blocks for the next message. It returns io.EOF when the peer
// closed its end, ErrFrameTooLarge when a frame exceeds the limit, and
// ErrMalformedFrame when a line is not a message envelope.
func (c *Conn) Read() (Message, error) {
	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					return Message{}, ErrFrameTooLarge
				}
				return Message{}, err
			}
			return Message{}, io.EOF
		}

		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if msg.Kind == "" {
			return Message{}, fmt.Errorf("%w: missing kind", ErrMalformedFrame)
		}
		return msg, nil
	}
}

// Close closes the write side, signalling EOF to the peer
func (c *Conn) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

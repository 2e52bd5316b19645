// Package stream implements the node's duplex stream framing, the
// unauthenticated protocol stream, and the AEAD-authenticated upgrade
// (spec §4.1). The framing layer is a small interface over any
// io.Reader/io.Writer so it can be driven over libp2p's
// network.Stream in production and an in-memory pipe in tests (spec
// §9 "async over generic stream").
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameLen bounds a single frame's payload size absent an
// explicit override.
const DefaultMaxFrameLen = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned when an incoming frame declares a
// length beyond the configured maximum (spec §4.1 "frame-too-large").
var ErrFrameTooLarge = errors.New("stream: frame too large")

const lengthPrefixSize = 4

// framer reads and writes length-prefixed frames: a 4-byte
// big-endian length followed by that many opaque bytes (spec §4.1
// "prepends each frame with a 4-byte big-endian length").
type framer struct {
	conn        io.ReadWriter
	maxFrameLen uint32
}

func newFramer(conn io.ReadWriter, maxFrameLen uint32) *framer {
	if maxFrameLen == 0 {
		maxFrameLen = DefaultMaxFrameLen
	}
	return &framer{conn: conn, maxFrameLen: maxFrameLen}
}

func (f *framer) writeFrame(payload []byte) error {
	if uint32(len(payload)) > f.maxFrameLen {
		return ErrFrameTooLarge
	}
	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := f.conn.Write(header[:]); err != nil {
		return fmt.Errorf("stream: write frame header: %w", err)
	}
	if _, err := f.conn.Write(payload); err != nil {
		return fmt.Errorf("stream: write frame body: %w", err)
	}
	return nil
}

func (f *framer) readFrame() ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(f.conn, header[:]); err != nil {
		return nil, fmt.Errorf("stream: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > f.maxFrameLen {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(f.conn, body); err != nil {
		return nil, fmt.Errorf("stream: read frame body: %w", err)
	}
	return body, nil
}

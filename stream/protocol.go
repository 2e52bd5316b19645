package stream

import (
	"errors"
	"fmt"
	"io"

	"github.com/calimero-network/core/wire"
)

// ErrOutOfOrder is returned when a received Message's sequence id is
// not the next expected one for its direction (spec §4.1).
var ErrOutOfOrder = errors.New("stream: out-of-order sequence id")

// ErrUnexpectedPayloadKind is returned by Expect when a frame arrives
// with a payload kind other than the one the caller required (spec
// §4.1 "message-type mismatch").
var ErrUnexpectedPayloadKind = errors.New("stream: unexpected payload kind")

// Protocol is an unencrypted stream used for public, non-sensitive
// exchanges: DAG-heads queries, delta bodies, snapshot transfer (spec
// §4.1 "Protocol stream"). It tracks one sequence counter per
// direction so out-of-order frames are detectable.
type Protocol struct {
	framer  *framer
	sendSeq uint64
	recvSeq uint64
}

// NewProtocol wraps conn as a protocol stream with the given maximum
// frame size (0 selects DefaultMaxFrameLen).
func NewProtocol(conn io.ReadWriter, maxFrameLen uint32) *Protocol {
	return &Protocol{framer: newFramer(conn, maxFrameLen)}
}

// SendInit writes the stream's opening Init frame.
func (p *Protocol) SendInit(init *wire.Init) error {
	encoded, err := wire.Marshal(init)
	if err != nil {
		return fmt.Errorf("stream: encode init: %w", err)
	}
	return p.framer.writeFrame(encoded)
}

// ReadInit reads the stream's opening Init frame.
func (p *Protocol) ReadInit() (*wire.Init, error) {
	body, err := p.framer.readFrame()
	if err != nil {
		return nil, err
	}
	var init wire.Init
	if err := wire.Unmarshal(body, &init); err != nil {
		return nil, fmt.Errorf("stream: decode init: %w", err)
	}
	return &init, nil
}

// Send writes a Message frame with the next outgoing sequence id.
func (p *Protocol) Send(kind wire.PayloadKind, payload []byte) error {
	msg := wire.Message{
		SequenceID:  p.sendSeq,
		PayloadKind: kind,
		Payload:     payload,
	}
	encoded, err := wire.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("stream: encode message: %w", err)
	}
	if err := p.framer.writeFrame(encoded); err != nil {
		return err
	}
	p.sendSeq++
	return nil
}

// Receive reads the next Message frame, enforcing strictly increasing
// sequence ids for this direction.
func (p *Protocol) Receive() (*wire.Message, error) {
	body, err := p.framer.readFrame()
	if err != nil {
		return nil, err
	}
	var msg wire.Message
	if err := wire.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("stream: decode message: %w", err)
	}
	if msg.SequenceID != p.recvSeq {
		return nil, ErrOutOfOrder
	}
	p.recvSeq++
	return &msg, nil
}

// Expect reads the next Message and requires it carry kind, returning
// ErrUnexpectedPayloadKind otherwise.
func (p *Protocol) Expect(kind wire.PayloadKind) (*wire.Message, error) {
	msg, err := p.Receive()
	if err != nil {
		return nil, err
	}
	if msg.PayloadKind != kind {
		return nil, ErrUnexpectedPayloadKind
	}
	return msg, nil
}

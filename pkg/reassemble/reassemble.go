// Package reassemble turns raw byte chunks arriving on a UDP socket or a
// TCP stream into whole SOME/IP messages.
package reassemble

import (
	"fmt"

	"github.com/samsamfire/gosomeip/pkg/wire"
)

// Message is one fully reassembled SOME/IP message.
type Message struct {
	Header  wire.Header
	Payload []byte
}

// Datagram reassembles UDP datagrams: each datagram MUST contain exactly
// one whole message. There is no cross-call state; a malformed datagram is
// simply rejected.
type Datagram struct{}

// NewDatagram returns a stateless datagram-mode reassembler.
func NewDatagram() *Datagram { return &Datagram{} }

// Process decodes one datagram. It fails if the datagram's length disagrees
// with the header's declared length — no partial state is retained either
// way.
func (d *Datagram) Process(data []byte) (Message, error) {
	h, err := wire.DecodeHeader(data)
	if err != nil {
		return Message{}, err
	}
	want := h.TotalLength()
	if len(data) != want {
		return Message{}, fmt.Errorf("reassemble: datagram length %d does not match header-declared length %d", len(data), want)
	}
	return Message{Header: h, Payload: data[wire.HeaderLength:want]}, nil
}

// Stream reassembles a byte stream (TCP) into whole messages. It is
// stateful: bytes that don't yet complete a message are buffered until a
// later call provides the rest.
type Stream struct {
	buffer   []byte
	expected int // bytes still needed to complete the message in buffer; 0 when the buffer is empty or holds less than a header
}

// NewStream returns an empty stream-mode reassembler.
func NewStream() *Stream {
	return &Stream{}
}

// Feed appends newData to the stream and returns every whole message it
// now completes, in order, with no trailing state lost between calls.
func (s *Stream) Feed(newData []byte) ([]Message, error) {
	var out []Message
	data := newData

	for {
		if len(s.buffer) == 0 {
			if len(data) < wire.HeaderLength {
				// Not enough for a header yet; accumulate and wait for more.
				if len(data) > 0 {
					s.buffer = append(s.buffer, data...)
				}
				return out, nil
			}

			h, err := wire.DecodeHeader(data)
			if err != nil {
				return out, err
			}
			expectedTotal := h.TotalLength()

			switch {
			case len(data) == expectedTotal:
				out = append(out, Message{Header: h, Payload: data[wire.HeaderLength:expectedTotal]})
				return out, nil
			case len(data) < expectedTotal:
				s.buffer = append([]byte{}, data...)
				s.expected = expectedTotal - len(data)
				return out, nil
			default: // len(data) > expectedTotal
				out = append(out, Message{Header: h, Payload: data[wire.HeaderLength:expectedTotal]})
				data = data[expectedTotal:]
				continue
			}
		}

		// Non-empty buffer: append and check whether the deficit is met.
		s.buffer = append(s.buffer, data...)
		if len(s.buffer) < wire.HeaderLength {
			return out, nil
		}
		h, err := wire.DecodeHeader(s.buffer)
		if err != nil {
			return out, err
		}
		expectedTotal := h.TotalLength()
		if len(s.buffer) < expectedTotal {
			s.expected = expectedTotal - len(s.buffer)
			return out, nil
		}
		// Deficit met (possibly overshot): emit and process any remainder.
		out = append(out, Message{Header: h, Payload: s.buffer[wire.HeaderLength:expectedTotal]})
		remainder := append([]byte{}, s.buffer[expectedTotal:]...)
		s.buffer = nil
		s.expected = 0
		data = remainder
		if len(data) == 0 {
			return out, nil
		}
	}
}

// Pending returns the number of buffered bytes awaiting completion of the
// in-flight message (0 if the reassembler is idle).
func (s *Stream) Pending() int {
	return len(s.buffer)
}

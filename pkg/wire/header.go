// Package wire implements the SOME/IP and SOME/IP-SD codec: pure functions
// that turn header/entry/option structs into bytes and back. No I/O lives
// here.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLength is the fixed size of a SOME/IP header in bytes.
const HeaderLength = 16

// MinLength is the smallest legal value of the header's length field: it
// must at least cover client_id, session_id, protocol_version,
// interface_version, message_type and return_code.
const MinLength = 8

// Message types, see AUTOSAR SOME/IP §6.
const (
	MsgTypeRequest            uint8 = 0x00
	MsgTypeRequestNoReturn    uint8 = 0x01
	MsgTypeNotification       uint8 = 0x02
	MsgTypeRequestAck         uint8 = 0x40
	MsgTypeRequestNoReturnAck uint8 = 0x41
	MsgTypeNotificationAck    uint8 = 0x42
	MsgTypeResponse           uint8 = 0x80
	MsgTypeError              uint8 = 0x81
	MsgTypeTpRequest          uint8 = 0x20
	MsgTypeTpRequestNoReturn  uint8 = 0x21
	MsgTypeTpNotification     uint8 = 0x22
	MsgTypeTpResponse         uint8 = 0xA0
	MsgTypeTpError            uint8 = 0xA1
)

// Return codes, see AUTOSAR SOME/IP §6.
const (
	ReturnOK                     uint8 = 0x00
	ReturnNotOK                  uint8 = 0x01
	ReturnUnknownService         uint8 = 0x02
	ReturnUnknownMethod          uint8 = 0x03
	ReturnNotReady               uint8 = 0x04
	ReturnNotReachable           uint8 = 0x05
	ReturnTimeout                uint8 = 0x06
	ReturnWrongProtocolVersion   uint8 = 0x07
	ReturnWrongInterfaceVersion  uint8 = 0x08
	ReturnMalformedMessage       uint8 = 0x09
	ReturnWrongMessageType       uint8 = 0x0A
)

var (
	ErrHeaderTooShort = errors.New("wire: buffer shorter than a someip header")
	ErrLengthTooShort = errors.New("wire: header length field below minimum of 8")
)

// Header is the fixed 16-byte SOME/IP header.
type Header struct {
	ServiceID         uint16
	MethodID          uint16
	Length            uint32 // bytes from ClientID through end of payload, >= 8
	ClientID          uint16
	SessionID         uint16
	ProtocolVersion   uint8
	InterfaceVersion  uint8
	MessageType       uint8
	ReturnCode        uint8
}

// PayloadLength returns how many payload bytes this header declares.
func (h Header) PayloadLength() int {
	return int(h.Length) - MinLength
}

// TotalLength is the full wire size of header+payload this header declares.
func (h Header) TotalLength() int {
	return HeaderLength + h.PayloadLength()
}

// EncodeHeader writes h to a freshly allocated 16-byte buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLength)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint16(buf[0:2], h.ServiceID)
	binary.BigEndian.PutUint16(buf[2:4], h.MethodID)
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	binary.BigEndian.PutUint16(buf[8:10], h.ClientID)
	binary.BigEndian.PutUint16(buf[10:12], h.SessionID)
	buf[12] = h.ProtocolVersion
	buf[13] = h.InterfaceVersion
	buf[14] = h.MessageType
	buf[15] = h.ReturnCode
}

// DecodeHeader parses the first 16 bytes of buf as a SOME/IP header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLength {
		return Header{}, ErrHeaderTooShort
	}
	length := binary.BigEndian.Uint32(buf[4:8])
	if length < MinLength {
		return Header{}, fmt.Errorf("%w: got %d", ErrLengthTooShort, length)
	}
	return Header{
		ServiceID:        binary.BigEndian.Uint16(buf[0:2]),
		MethodID:         binary.BigEndian.Uint16(buf[2:4]),
		Length:           length,
		ClientID:         binary.BigEndian.Uint16(buf[8:10]),
		SessionID:        binary.BigEndian.Uint16(buf[10:12]),
		ProtocolVersion:  buf[12],
		InterfaceVersion: buf[13],
		MessageType:      buf[14],
		ReturnCode:       buf[15],
	}, nil
}

// EncodeMessage builds header||payload, setting header.Length from the
// payload size (the caller-supplied Length field, if any, is overwritten).
func EncodeMessage(h Header, payload []byte) []byte {
	h.Length = uint32(MinLength + len(payload))
	out := make([]byte, HeaderLength+len(payload))
	putHeader(out, h)
	copy(out[HeaderLength:], payload)
	return out
}

// DecodeMessage parses a full SOME/IP message (header+payload) out of buf.
// buf must hold at least h.TotalLength() bytes; any bytes past that are
// ignored.
func DecodeMessage(buf []byte) (Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	total := h.TotalLength()
	if len(buf) < total {
		return Header{}, nil, fmt.Errorf("wire: buffer (%d bytes) shorter than declared message (%d bytes)", len(buf), total)
	}
	return h, buf[HeaderLength:total], nil
}

// SD marker constants: the fixed (service,method,client,protocol,
// interface,type,return) tuple every SOME/IP-SD message carries.
const (
	SDServiceID         uint16 = 0xFFFF
	SDMethodID          uint16 = 0x8100
	SDClientID          uint16 = 0x0000
	SDProtocolVersion   uint8  = 0x01
	SDInterfaceVersion  uint8  = 0x01
	SDMessageType       uint8  = 0x02
	SDReturnCode        uint8  = 0x00
)

// IsSDHeader reports whether h matches the SOME/IP-SD marker header. The
// session id must be non-zero (a zero session id never occurs on the wire
// once a session handler has produced at least one update).
func IsSDHeader(h Header) bool {
	return h.ServiceID == SDServiceID &&
		h.MethodID == SDMethodID &&
		h.ClientID == SDClientID &&
		h.ProtocolVersion == SDProtocolVersion &&
		h.InterfaceVersion == SDInterfaceVersion &&
		h.MessageType == SDMessageType &&
		h.ReturnCode == SDReturnCode &&
		h.SessionID != 0
}

// NewSDHeader builds the fixed SD marker header for an outgoing packet of
// the given payload length and session id.
func NewSDHeader(length uint32, sessionID uint16) Header {
	return Header{
		ServiceID:        SDServiceID,
		MethodID:         SDMethodID,
		Length:           length,
		ClientID:         SDClientID,
		SessionID:        sessionID,
		ProtocolVersion:  SDProtocolVersion,
		InterfaceVersion: SDInterfaceVersion,
		MessageType:      SDMessageType,
		ReturnCode:       SDReturnCode,
	}
}

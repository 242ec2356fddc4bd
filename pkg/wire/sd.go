package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// SD entry types. Offer/StopOffer, Subscribe/StopSubscribe and
// SubscribeAck/Nack each share a type byte and are discriminated by TTL.
const (
	EntryFindService              uint8 = 0x00
	EntryOfferService             uint8 = 0x01
	EntrySubscribeEventgroup      uint8 = 0x06
	EntrySubscribeEventgroupAck   uint8 = 0x07
)

// EntryKind is the fully discriminated entry kind (type byte + ttl==0 test).
type EntryKind uint8

const (
	KindFindService EntryKind = iota
	KindOfferService
	KindStopOfferService
	KindSubscribeEventgroup
	KindStopSubscribeEventgroup
	KindSubscribeEventgroupAck
	KindSubscribeEventgroupNack
)

// SD option types. Only IPv4 endpoint options are implemented; the rest
// (IPv6, load balancing) are out of scope.
const (
	OptionConfiguration uint8 = 0x01
	OptionLoadBalancing uint8 = 0x02
	OptionIPv4Endpoint  uint8 = 0x04
	OptionIPv6Endpoint  uint8 = 0x06
)

// Transport protocol octet carried inside an IPv4 endpoint option.
const (
	ProtoTCP uint8 = 0x06
	ProtoUDP uint8 = 0x11
)

const (
	entryLengthBytes       = 16
	ipv4EndpointOptionLen  = 9  // value bytes after the 3-byte option header
	ipv4EndpointOptionSize = 12 // full option size: 3 header bytes (length + type) + 9 value bytes
)

// SDEntry is the common 16-byte SD entry shape. Type carries the raw wire
// type byte (0x00/0x01/0x06/0x07); Kind is derived from Type and TTL and is
// what callers should switch on.
type SDEntry struct {
	Type             uint8
	IndexFirstOption uint8
	IndexSecondOption uint8
	NumOptions1      uint8 // 4 bits
	NumOptions2      uint8 // 4 bits
	ServiceID        uint16
	InstanceID       uint16
	MajorVersion     uint8
	TTL              uint32 // 24-bit value

	// Service-entry trailer (valid when Type == EntryOfferService / FindService)
	MinorVersion uint32

	// Eventgroup-entry trailer (valid when Type == EntrySubscribeEventgroup/Ack)
	InitialDataRequested bool
	Counter              uint8
	EventgroupID         uint16
}

// Kind discriminates the entry: type byte plus a ttl!=0 test.
func (e SDEntry) Kind() EntryKind {
	switch e.Type {
	case EntryFindService:
		return KindFindService
	case EntryOfferService:
		if e.TTL != 0 {
			return KindOfferService
		}
		return KindStopOfferService
	case EntrySubscribeEventgroup:
		if e.TTL != 0 {
			return KindSubscribeEventgroup
		}
		return KindStopSubscribeEventgroup
	case EntrySubscribeEventgroupAck:
		if e.TTL != 0 {
			return KindSubscribeEventgroupAck
		}
		return KindSubscribeEventgroupNack
	default:
		return KindFindService
	}
}

func (e SDEntry) encodeCommon(buf []byte) {
	buf[0] = e.Type
	buf[1] = e.IndexFirstOption
	buf[2] = e.IndexSecondOption
	buf[3] = (e.NumOptions1 << 4) | (e.NumOptions2 & 0x0F)
	binary.BigEndian.PutUint16(buf[4:6], e.ServiceID)
	binary.BigEndian.PutUint16(buf[6:8], e.InstanceID)
	buf[8] = e.MajorVersion
	buf[9] = byte((e.TTL >> 16) & 0xFF)
	binary.BigEndian.PutUint16(buf[10:12], uint16(e.TTL&0xFFFF))
}

// EncodeServiceEntry encodes a Find/Offer/StopOffer entry (16 bytes).
func EncodeServiceEntry(e SDEntry) []byte {
	buf := make([]byte, entryLengthBytes)
	e.encodeCommon(buf)
	binary.BigEndian.PutUint32(buf[12:16], e.MinorVersion)
	return buf
}

// EncodeEventgroupEntry encodes a Subscribe/SubscribeAck/Nack entry (16 bytes).
func EncodeEventgroupEntry(e SDEntry) []byte {
	buf := make([]byte, entryLengthBytes)
	e.encodeCommon(buf)
	buf[12] = 0 // reserved
	flagsCounter := e.Counter & 0x0F
	if e.InitialDataRequested {
		flagsCounter |= 0x80
	}
	buf[13] = flagsCounter
	binary.BigEndian.PutUint16(buf[14:16], e.EventgroupID)
	return buf
}

// DecodeEntry parses one 16-byte entry from the front of buf.
func DecodeEntry(buf []byte) (SDEntry, error) {
	if len(buf) < entryLengthBytes {
		return SDEntry{}, errors.New("wire: sd entry shorter than 16 bytes")
	}
	numOpts := buf[3]
	ttl := uint32(buf[9])<<16 | uint32(binary.BigEndian.Uint16(buf[10:12]))
	e := SDEntry{
		Type:              buf[0],
		IndexFirstOption:  buf[1],
		IndexSecondOption: buf[2],
		NumOptions1:       (numOpts >> 4) & 0x0F,
		NumOptions2:       numOpts & 0x0F,
		ServiceID:         binary.BigEndian.Uint16(buf[4:6]),
		InstanceID:        binary.BigEndian.Uint16(buf[6:8]),
		MajorVersion:      buf[8],
		TTL:               ttl,
	}
	switch e.Type {
	case EntrySubscribeEventgroup, EntrySubscribeEventgroupAck:
		e.InitialDataRequested = buf[13]&0x80 != 0
		e.Counter = buf[13] & 0x0F
		e.EventgroupID = binary.BigEndian.Uint16(buf[14:16])
	default:
		e.MinorVersion = binary.BigEndian.Uint32(buf[12:16])
	}
	return e, nil
}

// SDOption is the common discriminated option shape; only the IPv4 endpoint
// option is populated (non-goal: other option types).
type SDOption struct {
	Type       uint8
	Discardable bool

	// Populated when Type == OptionIPv4Endpoint.
	Address  netip.Addr
	Protocol uint8
	Port     uint16
}

// EncodeIPv4EndpointOption encodes a 12-byte IPv4 endpoint option.
func EncodeIPv4EndpointOption(addr netip.Addr, protocol uint8, port uint16, discardable bool) []byte {
	buf := make([]byte, 3+ipv4EndpointOptionLen)
	binary.BigEndian.PutUint16(buf[0:2], ipv4EndpointOptionLen)
	buf[2] = OptionIPv4Endpoint
	flag := byte(0)
	if discardable {
		flag = 0x80
	}
	buf[3] = flag
	a4 := addr.As4()
	copy(buf[4:8], a4[:])
	buf[8] = 0 // reserved
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], port)
	return buf
}

// DecodeOption parses one SD option from the front of buf, returning the
// option and how many bytes it consumed (length field + 3 header bytes).
// Unknown option types are still walked correctly: the length field alone
// determines how many bytes to skip.
func DecodeOption(buf []byte) (SDOption, int, error) {
	if len(buf) < 4 {
		return SDOption{}, 0, errors.New("wire: sd option shorter than 4 bytes")
	}
	length := binary.BigEndian.Uint16(buf[0:2])
	consumed := int(length) + 3
	if len(buf) < consumed {
		return SDOption{}, 0, fmt.Errorf("wire: sd option declares %d bytes, only %d available", consumed, len(buf))
	}
	optType := buf[2]
	discardable := buf[3]&0x80 != 0
	opt := SDOption{Type: optType, Discardable: discardable}
	if optType == OptionIPv4Endpoint && length >= ipv4EndpointOptionLen {
		ip := netip.AddrFrom4([4]byte{buf[4], buf[5], buf[6], buf[7]})
		opt.Address = ip
		opt.Protocol = buf[9]
		opt.Port = binary.BigEndian.Uint16(buf[10:12])
	}
	return opt, consumed, nil
}

// Packet is a fully decoded SOME/IP-SD payload (everything after the
// 16-byte SOME/IP header): flags, entries array, options array.
type Packet struct {
	Reboot  bool
	Unicast bool
	Entries []SDEntry
	Options []SDOption
}

// EncodePacket serializes flags + entries + options into the SD body: 1
// byte flags, 3 reserved, u32 len-entries, N entries, u32 len-options, M
// options.
func EncodePacket(p Packet, entryBytes [][]byte, optionBytes [][]byte) []byte {
	flags := byte(0)
	if p.Reboot {
		flags |= 0x80
	}
	if p.Unicast {
		flags |= 0x40
	}
	var entriesBuf, optionsBuf []byte
	for _, e := range entryBytes {
		entriesBuf = append(entriesBuf, e...)
	}
	for _, o := range optionBytes {
		optionsBuf = append(optionsBuf, o...)
	}
	out := make([]byte, 0, 8+len(entriesBuf)+4+len(optionsBuf))
	out = append(out, flags, 0, 0, 0)
	lenEntries := make([]byte, 4)
	binary.BigEndian.PutUint32(lenEntries, uint32(len(entriesBuf)))
	out = append(out, lenEntries...)
	out = append(out, entriesBuf...)
	lenOptions := make([]byte, 4)
	binary.BigEndian.PutUint32(lenOptions, uint32(len(optionsBuf)))
	out = append(out, lenOptions...)
	out = append(out, optionsBuf...)
	return out
}

// DecodePacket parses an SD payload body (the bytes after the SOME/IP
// header) into entries and options. Entries are walked in fixed 16-byte
// strides; options are walked using each option's own length field, so an
// unknown option type is skipped but still consumes its declared length.
func DecodePacket(body []byte) (Packet, error) {
	if len(body) < 8 {
		return Packet{}, errors.New("wire: sd body shorter than 8 bytes")
	}
	flags := body[0]
	p := Packet{
		Reboot:  flags&0x80 != 0,
		Unicast: flags&0x40 != 0,
	}
	lenEntries := binary.BigEndian.Uint32(body[4:8])
	off := 8
	if off+int(lenEntries) > len(body) {
		return Packet{}, errors.New("wire: sd entries length exceeds body")
	}
	entriesEnd := off + int(lenEntries)
	for off+entryLengthBytes <= entriesEnd {
		e, err := DecodeEntry(body[off:])
		if err != nil {
			return Packet{}, err
		}
		p.Entries = append(p.Entries, e)
		off += entryLengthBytes
	}
	off = entriesEnd
	if off+4 > len(body) {
		return Packet{}, errors.New("wire: sd body missing options length")
	}
	lenOptions := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	optionsEnd := off + int(lenOptions)
	if optionsEnd > len(body) {
		return Packet{}, errors.New("wire: sd options length exceeds body")
	}
	for off < optionsEnd {
		opt, consumed, err := DecodeOption(body[off:optionsEnd])
		if err != nil {
			return Packet{}, err
		}
		p.Options = append(p.Options, opt)
		off += consumed
	}
	return p, nil
}

// OptionAt returns the option referenced by a service/eventgroup entry's
// IndexFirstOption, or false if out of range.
func (p Packet) OptionAt(index uint8) (SDOption, bool) {
	if int(index) >= len(p.Options) {
		return SDOption{}, false
	}
	return p.Options[int(index)], true
}

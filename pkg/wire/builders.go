package wire

import "net/netip"

// OfferedService is the aggregated (service_id, instance_id, version, ttl,
// endpoint) view produced by joining an OfferService entry with its IPv4
// endpoint option.
type OfferedService struct {
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
	MinorVersion uint32
	TTL          uint32
	Address      netip.Addr
	Port         uint16
	Protocol     uint8
}

// BuildOfferService encodes a full SOME/IP-SD "offer" message: one
// OfferService entry (TTL = svc.TTL) plus one IPv4 endpoint option at
// index 0. sessionID/reboot come from the caller's session handler.
func BuildOfferService(svc OfferedService, sessionID uint16, reboot bool) []byte {
	return buildServiceEntryMessage(svc, sessionID, reboot)
}

// BuildStopOfferService is bit-identical to BuildOfferService except the
// entry TTL is forced to zero, announcing withdrawal instead of offering.
func BuildStopOfferService(svc OfferedService, sessionID uint16, reboot bool) []byte {
	svc.TTL = 0
	return buildServiceEntryMessage(svc, sessionID, reboot)
}

func buildServiceEntryMessage(svc OfferedService, sessionID uint16, reboot bool) []byte {
	entry := SDEntry{
		Type:         EntryOfferService,
		NumOptions1:  1,
		ServiceID:    svc.ServiceID,
		InstanceID:   svc.InstanceID,
		MajorVersion: svc.MajorVersion,
		TTL:          svc.TTL,
		MinorVersion: svc.MinorVersion,
	}
	entryBytes := EncodeServiceEntry(entry)
	optionBytes := EncodeIPv4EndpointOption(svc.Address, svc.Protocol, svc.Port, false)

	body := EncodePacket(
		Packet{Reboot: reboot, Unicast: true},
		[][]byte{entryBytes},
		[][]byte{optionBytes},
	)
	h := NewSDHeader(uint32(MinLength+len(body)), sessionID)
	return EncodeMessage(h, body)
}

// SubscribeRequest describes the fields needed to build a SubscribeEventgroup
// (or, with ttl=0, StopSubscribeEventgroup) message.
type SubscribeRequest struct {
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
	TTL          uint32
	EventgroupID uint16
	Address      netip.Addr
	Port         uint16
	Protocol     uint8
}

// BuildSubscribeEventgroup encodes a full SD "subscribe" message: one
// SubscribeEventgroup entry plus one IPv4 endpoint option carrying the
// subscriber's own receiving endpoint.
func BuildSubscribeEventgroup(req SubscribeRequest, sessionID uint16, reboot bool) []byte {
	entry := SDEntry{
		Type:         EntrySubscribeEventgroup,
		NumOptions1:  1,
		ServiceID:    req.ServiceID,
		InstanceID:   req.InstanceID,
		MajorVersion: req.MajorVersion,
		TTL:          req.TTL,
		EventgroupID: req.EventgroupID,
	}
	entryBytes := EncodeEventgroupEntry(entry)
	optionBytes := EncodeIPv4EndpointOption(req.Address, req.Protocol, req.Port, false)

	body := EncodePacket(
		Packet{Reboot: reboot, Unicast: true},
		[][]byte{entryBytes},
		[][]byte{optionBytes},
	)
	h := NewSDHeader(uint32(MinLength+len(body)), sessionID)
	return EncodeMessage(h, body)
}

// EventgroupAck describes the fields needed to build a SubscribeEventgroupAck
// (or, with ttl=0, Nack) message. It carries no option.
type EventgroupAck struct {
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
	TTL          uint32
	EventgroupID uint16
}

// BuildSubscribeEventgroupAck encodes a full SD "ack" message: a single
// SubscribeEventgroupAck entry, no options.
func BuildSubscribeEventgroupAck(ack EventgroupAck, sessionID uint16, reboot bool) []byte {
	entry := SDEntry{
		Type:         EntrySubscribeEventgroupAck,
		ServiceID:    ack.ServiceID,
		InstanceID:   ack.InstanceID,
		MajorVersion: ack.MajorVersion,
		TTL:          ack.TTL,
		EventgroupID: ack.EventgroupID,
	}
	entryBytes := EncodeEventgroupEntry(entry)
	body := EncodePacket(
		Packet{Reboot: reboot, Unicast: true},
		[][]byte{entryBytes},
		nil,
	)
	h := NewSDHeader(uint32(MinLength+len(body)), sessionID)
	return EncodeMessage(h, body)
}

// BuildSubscribeEventgroupNack is BuildSubscribeEventgroupAck with TTL
// forced to zero, matching entries' ttl-based ack/nack discrimination.
func BuildSubscribeEventgroupNack(ack EventgroupAck, sessionID uint16, reboot bool) []byte {
	ack.TTL = 0
	return BuildSubscribeEventgroupAck(ack, sessionID, reboot)
}

// ExtractOfferedServices walks p's entries and returns one OfferedService
// per OfferService entry (TTL != 0), joined with the option at its
// IndexFirstOption.
func ExtractOfferedServices(p Packet) []OfferedService {
	var out []OfferedService
	for _, e := range p.Entries {
		if e.Kind() != KindOfferService {
			continue
		}
		opt, ok := p.OptionAt(e.IndexFirstOption)
		if !ok || opt.Type != OptionIPv4Endpoint {
			continue
		}
		out = append(out, OfferedService{
			ServiceID:    e.ServiceID,
			InstanceID:   e.InstanceID,
			MajorVersion: e.MajorVersion,
			MinorVersion: e.MinorVersion,
			TTL:          e.TTL,
			Address:      opt.Address,
			Port:         opt.Port,
			Protocol:     opt.Protocol,
		})
	}
	return out
}

// SubscribeEntryOption pairs a SubscribeEventgroup entry with its endpoint
// option, the unit extraction produces for dispatch to subscribe handlers.
type SubscribeEntryOption struct {
	Entry  SDEntry
	Option SDOption
}

// ExtractSubscribeEventgroups walks p's entries and returns one pair per
// SubscribeEventgroup entry (TTL != 0, NumOptions1 > 0), joined with the
// option at IndexFirstOption.
func ExtractSubscribeEventgroups(p Packet) []SubscribeEntryOption {
	var out []SubscribeEntryOption
	for _, e := range p.Entries {
		if e.Kind() != KindSubscribeEventgroup || e.NumOptions1 == 0 {
			continue
		}
		opt, ok := p.OptionAt(e.IndexFirstOption)
		if !ok {
			continue
		}
		out = append(out, SubscribeEntryOption{Entry: e, Option: opt})
	}
	return out
}

// ExtractStopSubscribeEventgroups returns every StopSubscribeEventgroup
// entry (TTL == 0): no option lookup is needed since the registry removes
// by (eventgroup id, source endpoint), not by the entry's own option.
func ExtractStopSubscribeEventgroups(p Packet) []SDEntry {
	var out []SDEntry
	for _, e := range p.Entries {
		if e.Kind() == KindStopSubscribeEventgroup {
			out = append(out, e)
		}
	}
	return out
}

// ExtractSubscribeNacks returns every SubscribeEventgroupNack entry
// (TTL == 0).
func ExtractSubscribeNacks(p Packet) []SDEntry {
	var out []SDEntry
	for _, e := range p.Entries {
		if e.Kind() == KindSubscribeEventgroupNack {
			out = append(out, e)
		}
	}
	return out
}

// ExtractSubscribeAcks returns every SubscribeEventgroupAck entry (TTL != 0).
func ExtractSubscribeAcks(p Packet) []SDEntry {
	var out []SDEntry
	for _, e := range p.Entries {
		if e.Kind() == KindSubscribeEventgroupAck {
			out = append(out, e)
		}
	}
	return out
}

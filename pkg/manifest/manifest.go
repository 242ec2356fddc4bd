// Package manifest loads declarative service definitions from an ini-format
// manifest file, the SOME/IP analogue of an EDS/object-dictionary file: one
// section per service (keyed by its 4-hex-digit service id), with nested
// "<id>.eventgroup.<n>" sections enumerating each event-group's event ids.
package manifest

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

var (
	matchServiceSection    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchEventgroupSection = regexp.MustCompile(`^([0-9A-Fa-f]{4})\.eventgroup\.([0-9A-Fa-f]+)$`)
)

// EventGroup is one event-group section: its id and the event ids it
// bundles.
type EventGroup struct {
	ID       uint16
	EventIDs []uint16
}

// Service is one fully parsed "[xxxx]" section plus its nested eventgroup
// sections.
type Service struct {
	ServiceID        uint16
	InstanceID       uint16
	MajorVersion     uint8
	MinorVersion     uint32
	UDPPort          uint16
	TCPPort          uint16
	CyclicOfferDelay time.Duration
	EventGroups      []EventGroup
}

// Load parses a manifest from a file path, []byte, or io.Reader — anything
// gopkg.in/ini.v1 accepts as a source.
func Load(source any) ([]Service, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, err
	}

	byServiceID := make(map[uint16]*Service)
	var order []uint16

	for _, section := range f.Sections() {
		name := section.Name()
		if !matchServiceSection.MatchString(name) {
			continue
		}
		id, err := strconv.ParseUint(name, 16, 16)
		if err != nil {
			return nil, err
		}
		svc, err := parseServiceSection(section, uint16(id))
		if err != nil {
			return nil, fmt.Errorf("manifest: service %s: %w", name, err)
		}
		byServiceID[uint16(id)] = svc
		order = append(order, uint16(id))
	}

	for _, section := range f.Sections() {
		m := matchEventgroupSection.FindStringSubmatch(section.Name())
		if m == nil {
			continue
		}
		serviceID, err := strconv.ParseUint(m[1], 16, 16)
		if err != nil {
			return nil, err
		}
		eventgroupID, err := strconv.ParseUint(m[2], 16, 16)
		if err != nil {
			return nil, err
		}
		svc, ok := byServiceID[uint16(serviceID)]
		if !ok {
			return nil, fmt.Errorf("manifest: eventgroup section %s has no matching service %s", section.Name(), m[1])
		}
		eg, err := parseEventgroupSection(section, uint16(eventgroupID))
		if err != nil {
			return nil, fmt.Errorf("manifest: %s: %w", section.Name(), err)
		}
		svc.EventGroups = append(svc.EventGroups, eg)
	}

	out := make([]Service, 0, len(order))
	for _, id := range order {
		out = append(out, *byServiceID[id])
	}
	return out, nil
}

func parseServiceSection(section *ini.Section, serviceID uint16) (*Service, error) {
	instanceID, err := section.Key("InstanceID").Uint()
	if err != nil {
		return nil, fmt.Errorf("InstanceID: %w", err)
	}
	majorVersion, err := section.Key("MajorVersion").Uint()
	if err != nil {
		return nil, fmt.Errorf("MajorVersion: %w", err)
	}
	minorVersion, err := section.Key("MinorVersion").Uint()
	if err != nil {
		minorVersion = 0
	}
	udpPort, _ := section.Key("UDPPort").Uint()
	tcpPort, _ := section.Key("TCPPort").Uint()
	delayMs, err := section.Key("CyclicOfferDelayMs").Uint()
	if err != nil {
		delayMs = 3000
	}

	return &Service{
		ServiceID:        serviceID,
		InstanceID:       uint16(instanceID),
		MajorVersion:     uint8(majorVersion),
		MinorVersion:     uint32(minorVersion),
		UDPPort:          uint16(udpPort),
		TCPPort:          uint16(tcpPort),
		CyclicOfferDelay: time.Duration(delayMs) * time.Millisecond,
	}, nil
}

func parseEventgroupSection(section *ini.Section, eventgroupID uint16) (EventGroup, error) {
	raw := section.Key("EventIDs").Strings(",")
	ids := make([]uint16, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseUint(trimHexPrefix(s), 16, 16)
		if err != nil {
			return EventGroup{}, fmt.Errorf("EventIDs: %w", err)
		}
		ids = append(ids, uint16(v))
	}
	return EventGroup{ID: eventgroupID, EventIDs: ids}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

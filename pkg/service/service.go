// Package service defines a SOME/IP service: its id/version, the method
// handlers it offers, and its event-groups.
package service

// MethodHandler processes a REQUEST payload and returns a response. success
// selects the reply message type: true -> RESPONSE, false -> ERROR (with
// returnCode identifying the failure, defaulting to E_NOT_OK if zero).
type MethodHandler func(payload []byte) (success bool, response []byte, returnCode uint8)

// EventGroup bundles a set of event ids that clients subscribe to as one
// unit.
type EventGroup struct {
	ID       uint16
	EventIDs map[uint16]struct{}
}

// Service is an immutable service definition: its identity, version, and
// the methods/event-groups it exposes. Build one with Builder.
type Service struct {
	ID           uint16
	MajorVersion uint8
	MinorVersion uint32
	methods      map[uint16]MethodHandler
	eventGroups  map[uint16]EventGroup
}

// Method returns the handler registered for methodID, or ok=false.
func (s *Service) Method(methodID uint16) (MethodHandler, bool) {
	h, ok := s.methods[methodID]
	return h, ok
}

// HasEventGroup reports whether eventgroupID is one of this service's
// event-groups.
func (s *Service) HasEventGroup(eventgroupID uint16) bool {
	_, ok := s.eventGroups[eventgroupID]
	return ok
}

// EventGroup returns the eventgroup definition for id, or ok=false.
func (s *Service) EventGroup(id uint16) (EventGroup, bool) {
	eg, ok := s.eventGroups[id]
	return eg, ok
}

// Builder assembles a Service. Duplicate method/event-group ids registered
// through a builder are dropped silently rather than overwriting the
// first registration or raising an error.
type Builder struct {
	svc Service
}

// NewBuilder starts building a Service with the given identity/version.
func NewBuilder(id uint16, majorVersion uint8, minorVersion uint32) *Builder {
	return &Builder{svc: Service{
		ID:           id,
		MajorVersion: majorVersion,
		MinorVersion: minorVersion,
		methods:      make(map[uint16]MethodHandler),
		eventGroups:  make(map[uint16]EventGroup),
	}}
}

// WithMethod registers handler for methodID. A second call for the same
// methodID is ignored.
func (b *Builder) WithMethod(methodID uint16, handler MethodHandler) *Builder {
	if _, exists := b.svc.methods[methodID]; exists {
		return b
	}
	b.svc.methods[methodID] = handler
	return b
}

// WithEventGroup registers an event-group with the given event ids. A
// second call for the same eventgroupID is ignored.
func (b *Builder) WithEventGroup(eventgroupID uint16, eventIDs ...uint16) *Builder {
	if _, exists := b.svc.eventGroups[eventgroupID]; exists {
		return b
	}
	ids := make(map[uint16]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = struct{}{}
	}
	b.svc.eventGroups[eventgroupID] = EventGroup{ID: eventgroupID, EventIDs: ids}
	return b
}

// Build returns the assembled Service.
func (b *Builder) Build() *Service {
	return &b.svc
}

// Package client implements a SOME/IP client service instance: it tracks
// a remote service's availability via Service Discovery, subscribes to
// its event-groups, and issues correlated method calls.
package client

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/samsamfire/gosomeip/pkg/discovery"
	"github.com/samsamfire/gosomeip/pkg/reassemble"
	"github.com/samsamfire/gosomeip/pkg/transport"
	"github.com/samsamfire/gosomeip/pkg/wire"
)

var (
	ErrTimeout      = errors.New("client: method call timed out")
	ErrNotAvailable = errors.New("client: service instance is not currently available")
)

// ServiceRef identifies the remote service/instance this Instance tracks.
type ServiceRef struct {
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
}

// MethodResult is the outcome of a CallMethod. Success is true for a
// RESPONSE and false for an ERROR or a timeout; the message type itself is
// not kept. ReturnCode and Payload are those of the reply.
type MethodResult struct {
	Success    bool
	ReturnCode uint8
	Payload    []byte
}

// EventCallback is invoked for every NOTIFICATION the instance's UDP
// socket receives. Notifications are not filtered by service id or by
// event-group subscription state.
type EventCallback func(eventID uint16, payload []byte)

type correlationKey struct {
	ClientID  uint16
	SessionID uint16
}

// Instance tracks one remote (serviceID, instanceID) pair: its current
// availability, any requested event-group subscriptions, and in-flight
// method calls.
type Instance struct {
	logger   *slog.Logger
	ref      ServiceRef
	clientID uint16
	disc     *discovery.Engine
	udp      *transport.UDPEndpoint
	recvAddr netip.Addr
	recvPort uint16

	onEvent EventCallback

	mu                 sync.Mutex
	offer              *wire.OfferedService
	pendingEventgroups map[uint16]bool // eventgroupID -> acked
	nextSessionID      uint16
	calls              map[correlationKey]chan MethodResult

	detach func()
}

// New builds a client instance and attaches it to disc for availability
// tracking. udp is the socket this instance receives RESPONSE/ERROR/
// NOTIFICATION messages on (its bound address/port become the endpoint
// advertised in Subscribe messages).
func New(ref ServiceRef, clientID uint16, disc *discovery.Engine, udp *transport.UDPEndpoint, onEvent EventCallback, logger *slog.Logger) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	local := udp.LocalAddr()
	inst := &Instance{
		logger:             logger.With("service", "[client 0x"+hex16(ref.ServiceID)+"]"),
		ref:                ref,
		clientID:           clientID,
		disc:               disc,
		udp:                udp,
		recvAddr:           local.Addr(),
		recvPort:           local.Port(),
		onEvent:            onEvent,
		pendingEventgroups: make(map[uint16]bool),
		calls:              make(map[correlationKey]chan MethodResult),
	}
	udp.SetCallback(inst.onUDPMessage)
	inst.detach = disc.Attach(inst)
	return inst
}

func hex16(v uint16) string {
	const digits = "0123456789abcdef"
	return string([]byte{
		digits[(v>>12)&0xF], digits[(v>>8)&0xF], digits[(v>>4)&0xF], digits[v&0xF],
	})
}

// Close detaches the instance from Service Discovery. It does not close
// the supplied UDP socket, which the caller owns.
func (inst *Instance) Close() {
	if inst.detach != nil {
		inst.detach()
	}
}

// IsAvailable reports whether an Offer for the tracked service has been
// observed. Once set, availability is not withdrawn: the offer's TTL is
// not tracked and StopOffer entries are not handled.
func (inst *Instance) IsAvailable() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.offer != nil
}

// SubscribeEventgroup requests eventgroupID. If the service is currently
// available the subscribe is sent immediately; otherwise it is sent as
// soon as a matching Offer arrives.
func (inst *Instance) SubscribeEventgroup(eventgroupID uint16) {
	inst.mu.Lock()
	inst.pendingEventgroups[eventgroupID] = false
	offer := inst.offer
	inst.mu.Unlock()

	if offer != nil {
		inst.sendSubscribe(*offer, eventgroupID, subscriberTTL)
	}
}

// subscriberTTL is this client's requested lifetime for its own
// subscriptions; it refreshes them well before expiry by re-subscribing on
// every cyclic Offer it observes.
const subscriberTTL uint32 = 10

// StopSubscribeEventgroup requests eventgroupID be cancelled, sending a
// StopSubscribe (TTL=0) immediately if the service is available.
func (inst *Instance) StopSubscribeEventgroup(eventgroupID uint16) {
	inst.mu.Lock()
	delete(inst.pendingEventgroups, eventgroupID)
	offer := inst.offer
	inst.mu.Unlock()

	if offer != nil {
		inst.sendSubscribe(*offer, eventgroupID, 0)
	}
}

func (inst *Instance) sendSubscribe(offer wire.OfferedService, eventgroupID uint16, ttl uint32) {
	sessionID, reboot := inst.disc.UnicastSessionHandler().Update()
	req := wire.SubscribeRequest{
		ServiceID:    inst.ref.ServiceID,
		InstanceID:   inst.ref.InstanceID,
		MajorVersion: inst.ref.MajorVersion,
		TTL:          ttl,
		EventgroupID: eventgroupID,
		Address:      inst.recvAddr,
		Port:         inst.recvPort,
		Protocol:     wire.ProtoUDP,
	}
	msg := wire.BuildSubscribeEventgroup(req, sessionID, reboot)
	if err := inst.disc.SendUnicast(msg, offer.Address); err != nil {
		inst.logger.Warn("subscribe send failed", "eventgroup", eventgroupID, "err", err)
	}
}

// OnOffer satisfies discovery.Observer: it updates availability and
// (re)sends subscribes for every pending event-group.
func (inst *Instance) OnOffer(svc wire.OfferedService) {
	if svc.ServiceID != inst.ref.ServiceID || svc.InstanceID != inst.ref.InstanceID {
		return
	}

	inst.mu.Lock()
	wasAvailable := inst.offer != nil
	offer := svc
	inst.offer = &offer
	pending := make([]uint16, 0, len(inst.pendingEventgroups))
	for eg := range inst.pendingEventgroups {
		pending = append(pending, eg)
	}
	inst.mu.Unlock()

	if !wasAvailable {
		inst.logger.Info("service became available", "instance", svc.InstanceID)
	}
	for _, eg := range pending {
		inst.sendSubscribe(svc, eg, subscriberTTL)
	}
}

// OnSubscribe and OnStopSubscribe satisfy discovery.Observer; a client
// instance never receives subscribe requests addressed to it.
func (inst *Instance) OnSubscribe(wire.SDEntry, wire.SDOption)    {}
func (inst *Instance) OnStopSubscribe(wire.SDEntry, netip.Addr) {}

// OnSubscribeAck satisfies discovery.Observer, recording that a pending
// event-group subscription succeeded.
func (inst *Instance) OnSubscribeAck(entry wire.SDEntry) {
	if entry.ServiceID != inst.ref.ServiceID || entry.InstanceID != inst.ref.InstanceID {
		return
	}
	inst.mu.Lock()
	if _, pending := inst.pendingEventgroups[entry.EventgroupID]; pending {
		inst.pendingEventgroups[entry.EventgroupID] = true
	}
	inst.mu.Unlock()
}

// OnSubscribeNack satisfies discovery.Observer: the offering side refused
// the subscription, so it is dropped from the pending set rather than
// retried.
func (inst *Instance) OnSubscribeNack(entry wire.SDEntry) {
	if entry.ServiceID != inst.ref.ServiceID || entry.InstanceID != inst.ref.InstanceID {
		return
	}
	inst.mu.Lock()
	delete(inst.pendingEventgroups, entry.EventgroupID)
	inst.mu.Unlock()
	inst.logger.Warn("subscribe rejected", "eventgroup", entry.EventgroupID)
}

// IsEventgroupAcked reports whether eventgroupID's subscription has been
// acknowledged by the offering side.
func (inst *Instance) IsEventgroupAcked(eventgroupID uint16) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.pendingEventgroups[eventgroupID]
}

// CallMethod sends a REQUEST and blocks until a RESPONSE/ERROR with a
// matching (clientID, sessionID) arrives or ctx is done.
func (inst *Instance) CallMethod(ctx context.Context, methodID uint16, payload []byte) (MethodResult, error) {
	inst.mu.Lock()
	offer := inst.offer
	if offer == nil {
		inst.mu.Unlock()
		return MethodResult{}, ErrNotAvailable
	}
	inst.nextSessionID++
	if inst.nextSessionID == 0 {
		inst.nextSessionID = 1
	}
	sessionID := inst.nextSessionID
	key := correlationKey{ClientID: inst.clientID, SessionID: sessionID}
	resultCh := make(chan MethodResult, 1)
	inst.calls[key] = resultCh
	dest := netip.AddrPortFrom(offer.Address, offer.Port)
	inst.mu.Unlock()

	defer func() {
		inst.mu.Lock()
		delete(inst.calls, key)
		inst.mu.Unlock()
	}()

	h := wire.Header{
		ServiceID:        inst.ref.ServiceID,
		MethodID:         methodID,
		ClientID:         inst.clientID,
		SessionID:        sessionID,
		ProtocolVersion:  wire.SDProtocolVersion,
		InterfaceVersion: inst.ref.MajorVersion,
		MessageType:      wire.MsgTypeRequest,
		ReturnCode:       wire.ReturnOK,
	}
	if err := inst.udp.Send(wire.EncodeMessage(h, payload), dest); err != nil {
		return MethodResult{}, err
	}

	select {
	case result := <-resultCh:
		return result, nil
	case <-ctx.Done():
		return MethodResult{Success: false, ReturnCode: wire.ReturnTimeout}, ErrTimeout
	}
}

// CallMethodTimeout is a convenience wrapper around CallMethod using a
// fixed timeout instead of a caller-supplied context.
func (inst *Instance) CallMethodTimeout(timeout time.Duration, methodID uint16, payload []byte) (MethodResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return inst.CallMethod(ctx, methodID, payload)
}

func (inst *Instance) onUDPMessage(msg reassemble.Message, _ netip.AddrPort) {
	h := msg.Header
	switch h.MessageType {
	case wire.MsgTypeResponse, wire.MsgTypeError:
		key := correlationKey{ClientID: h.ClientID, SessionID: h.SessionID}
		inst.mu.Lock()
		ch, ok := inst.calls[key]
		inst.mu.Unlock()
		if !ok {
			return
		}
		ch <- MethodResult{
			Success:    h.MessageType == wire.MsgTypeResponse,
			ReturnCode: h.ReturnCode,
			Payload:    msg.Payload,
		}
	case wire.MsgTypeNotification:
		if inst.onEvent != nil {
			inst.onEvent(h.MethodID, msg.Payload)
		}
	}
}

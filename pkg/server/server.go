// Package server implements a SOME/IP server service instance: it offers
// a service over Service Discovery, answers incoming method requests, and
// fans events out to subscribed event-group members.
package server

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/samsamfire/gosomeip/pkg/discovery"
	"github.com/samsamfire/gosomeip/pkg/reassemble"
	"github.com/samsamfire/gosomeip/pkg/service"
	"github.com/samsamfire/gosomeip/pkg/session"
	"github.com/samsamfire/gosomeip/pkg/subscriber"
	"github.com/samsamfire/gosomeip/pkg/transport"
	"github.com/samsamfire/gosomeip/pkg/wire"
)

var ErrNotOffering = errors.New("server: instance is not currently offering")

// EventSessionMode selects how SendEvent assigns session ids to outgoing
// NOTIFICATION messages.
type EventSessionMode uint8

const (
	// EventSessionStatic sends every NOTIFICATION with session id 1,
	// matching existing peers that never expect it to advance.
	EventSessionStatic EventSessionMode = iota
	// EventSessionMonotonic advances a dedicated per-instance counter on
	// every SendEvent call, letting a receiver detect dropped events.
	EventSessionMonotonic
)

// Config gathers the addressing and timing parameters of one offered
// instance.
type Config struct {
	InstanceID         uint16
	Address            netip.Addr // endpoint advertised in Offer entries
	UDPPort            uint16
	TCPPort            uint16 // 0 means this instance does not offer TCP
	CyclicOfferDelay   time.Duration
	SubscriptionUpkeep time.Duration // how often expired subscribers are swept
	EventSessionMode   EventSessionMode
}

// Instance offers svc for discovery and serves its requests/events. The
// caller supplies the already-open transport endpoints and SD engine;
// Instance only drives them.
type Instance struct {
	logger *slog.Logger
	svc    *service.Service
	cfg    Config
	disc   *discovery.Engine
	udp    *transport.UDPEndpoint
	tcp    *transport.TCPEndpoint // may be nil

	subs          *subscriber.Registry
	eventSessions *session.Handler // only used when cfg.EventSessionMode == EventSessionMonotonic

	mu       sync.Mutex
	offering bool
	detach   func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds an Instance. It does not start offering until StartOffer is
// called.
func New(svc *service.Service, cfg Config, disc *discovery.Engine, udp *transport.UDPEndpoint, tcp *transport.TCPEndpoint, logger *slog.Logger) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	inst := &Instance{
		logger:        logger.With("service", "[server 0x"+hex16(svc.ID)+"]"),
		svc:           svc,
		cfg:           cfg,
		disc:          disc,
		udp:           udp,
		tcp:           tcp,
		subs:          subscriber.NewRegistry(),
		eventSessions: session.NewHandler(),
	}
	udp.SetCallback(inst.onUDPMessage)
	if tcp != nil {
		tcp.SetCallback(inst.onTCPMessage)
	}
	return inst
}

func hex16(v uint16) string {
	const digits = "0123456789abcdef"
	return string([]byte{
		digits[(v>>12)&0xF], digits[(v>>8)&0xF], digits[(v>>4)&0xF], digits[v&0xF],
	})
}

func (inst *Instance) offeredService() wire.OfferedService {
	protocol := wire.ProtoUDP
	port := inst.cfg.UDPPort
	if inst.cfg.TCPPort != 0 {
		protocol = wire.ProtoTCP
		port = inst.cfg.TCPPort
	}
	return wire.OfferedService{
		ServiceID:    inst.svc.ID,
		InstanceID:   inst.cfg.InstanceID,
		MajorVersion: inst.svc.MajorVersion,
		MinorVersion: inst.svc.MinorVersion,
		TTL:          subscriber.NoExpiry,
		Address:      inst.cfg.Address,
		Port:         port,
		Protocol:     protocol,
	}
}

// StartOffer attaches to Service Discovery, sends the initial Offer, and
// launches the cyclic re-offer and subscription-upkeep loops.
func (inst *Instance) StartOffer() error {
	inst.mu.Lock()
	if inst.offering {
		inst.mu.Unlock()
		return nil
	}
	inst.offering = true
	inst.stopCh = make(chan struct{})
	inst.mu.Unlock()

	inst.detach = inst.disc.Attach(inst)

	if err := inst.sendOffer(); err != nil {
		return err
	}

	inst.wg.Add(2)
	go inst.offerLoop()
	go inst.subscriptionUpkeepLoop()
	return nil
}

// StopOffer sends a StopOffer (TTL=0) and tears down the background loops.
// Stopping an offer always announces it on the wire rather than merely
// going silent, so peers drop the service before its last Offer's TTL
// would otherwise have lapsed.
func (inst *Instance) StopOffer() error {
	inst.mu.Lock()
	if !inst.offering {
		inst.mu.Unlock()
		return ErrNotOffering
	}
	inst.offering = false
	close(inst.stopCh)
	inst.mu.Unlock()

	inst.wg.Wait()
	if inst.detach != nil {
		inst.detach()
	}

	svc := inst.offeredService()
	svc.TTL = 0
	sessionID, reboot := inst.disc.MulticastSessionHandler().Update()
	return inst.disc.SendMulticast(wire.BuildStopOfferService(svc, sessionID, reboot))
}

func (inst *Instance) sendOffer() error {
	sessionID, reboot := inst.disc.MulticastSessionHandler().Update()
	return inst.disc.SendMulticast(wire.BuildOfferService(inst.offeredService(), sessionID, reboot))
}

func (inst *Instance) offerLoop() {
	defer inst.wg.Done()
	delay := inst.cfg.CyclicOfferDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-inst.stopCh:
			return
		case <-ticker.C:
			if err := inst.sendOffer(); err != nil {
				inst.logger.Warn("cyclic offer send failed", "err", err)
			}
		}
	}
}

func (inst *Instance) subscriptionUpkeepLoop() {
	defer inst.wg.Done()
	interval := inst.cfg.SubscriptionUpkeep
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-inst.stopCh:
			return
		case <-ticker.C:
			inst.subs.Update()
		}
	}
}

// OnOffer satisfies discovery.Observer; a server instance has no use for
// other services' offers.
func (inst *Instance) OnOffer(wire.OfferedService) {}

// OnSubscribe validates and answers a SubscribeEventgroup entry: match
// service/instance, match version, match eventgroup, insert/refresh the
// subscriber, and ack or nack.
func (inst *Instance) OnSubscribe(entry wire.SDEntry, option wire.SDOption) {
	if entry.ServiceID != inst.svc.ID || entry.InstanceID != inst.cfg.InstanceID {
		return
	}
	if entry.MajorVersion != inst.svc.MajorVersion {
		inst.sendNack(entry)
		return
	}
	if !inst.svc.HasEventGroup(entry.EventgroupID) {
		inst.sendNack(entry)
		return
	}
	if option.Type != wire.OptionIPv4Endpoint {
		inst.sendNack(entry)
		return
	}

	inst.subs.Add(subscriber.Subscriber{
		EventgroupID: entry.EventgroupID,
		Endpoint:     subscriber.Endpoint{Addr: option.Address, Port: option.Port},
		TTL:          entry.TTL,
	})
	inst.sendAck(entry)
}

// OnStopSubscribe removes the subscriber matching from (plus the
// eventgroup carried in the entry) without announcing anything back;
// unsubscribe is fire-and-forget.
func (inst *Instance) OnStopSubscribe(entry wire.SDEntry, from netip.Addr) {
	if entry.ServiceID != inst.svc.ID || entry.InstanceID != inst.cfg.InstanceID {
		return
	}
	for _, sub := range inst.subs.ForEventgroup(entry.EventgroupID) {
		if sub.Endpoint.Addr == from {
			inst.subs.Remove(entry.EventgroupID, sub.Endpoint)
		}
	}
}

// OnSubscribeAck and OnSubscribeNack satisfy discovery.Observer; a server
// instance never receives acks/nacks for subscriptions it did not make.
func (inst *Instance) OnSubscribeAck(wire.SDEntry) {}
func (inst *Instance) OnSubscribeNack(wire.SDEntry) {}

func (inst *Instance) sendAck(entry wire.SDEntry) {
	sessionID, reboot := inst.disc.UnicastSessionHandler().Update()
	ack := wire.EventgroupAck{
		ServiceID:    entry.ServiceID,
		InstanceID:   entry.InstanceID,
		MajorVersion: entry.MajorVersion,
		TTL:          entry.TTL,
		EventgroupID: entry.EventgroupID,
	}
	msg := wire.BuildSubscribeEventgroupAck(ack, sessionID, reboot)
	if err := inst.disc.SendMulticast(msg); err != nil {
		inst.logger.Warn("subscribe ack send failed", "err", err)
	}
}

func (inst *Instance) sendNack(entry wire.SDEntry) {
	sessionID, reboot := inst.disc.UnicastSessionHandler().Update()
	ack := wire.EventgroupAck{
		ServiceID:    entry.ServiceID,
		InstanceID:   entry.InstanceID,
		MajorVersion: entry.MajorVersion,
		EventgroupID: entry.EventgroupID,
	}
	msg := wire.BuildSubscribeEventgroupNack(ack, sessionID, reboot)
	if err := inst.disc.SendMulticast(msg); err != nil {
		inst.logger.Warn("subscribe nack send failed", "err", err)
	}
}

// SendEvent pushes payload as a NOTIFICATION to every current subscriber of
// eventgroupID.
func (inst *Instance) SendEvent(eventID, eventgroupID uint16, payload []byte) {
	if !inst.svc.HasEventGroup(eventgroupID) {
		return
	}
	inst.subs.Update()
	sessionID := uint16(1)
	if inst.cfg.EventSessionMode == EventSessionMonotonic {
		sessionID, _ = inst.eventSessions.Update()
	}
	h := wire.Header{
		ServiceID:        inst.svc.ID,
		MethodID:         eventID,
		ClientID:         0,
		SessionID:        sessionID,
		ProtocolVersion:  wire.SDProtocolVersion,
		InterfaceVersion: inst.svc.MajorVersion,
		MessageType:      wire.MsgTypeNotification,
		ReturnCode:       wire.ReturnOK,
	}
	msg := wire.EncodeMessage(h, payload)
	for _, sub := range inst.subs.ForEventgroup(eventgroupID) {
		dest := netip.AddrPortFrom(sub.Endpoint.Addr, sub.Endpoint.Port)
		if inst.tcp != nil {
			inst.tcp.Manager().Send(msg, dest)
			continue
		}
		if err := inst.udp.Send(msg, dest); err != nil {
			inst.logger.Warn("event send failed", "subscriber", dest, "err", err)
		}
	}
}

// onUDPMessage and onTCPMessage both dispatch incoming REQUEST messages to
// the matching method handler, replying with RESPONSE/ERROR.
func (inst *Instance) onUDPMessage(msg reassemble.Message, from netip.AddrPort) {
	reply, ok := inst.handleRequest(msg.Header, msg.Payload)
	if !ok {
		return
	}
	if err := inst.udp.Send(reply, from); err != nil {
		inst.logger.Warn("udp reply send failed", "to", from, "err", err)
	}
}

func (inst *Instance) onTCPMessage(msg reassemble.Message, from netip.AddrPort) {
	reply, ok := inst.handleRequest(msg.Header, msg.Payload)
	if !ok {
		return
	}
	if err := inst.tcp.Manager().Send(reply, from); err != nil {
		inst.logger.Warn("tcp reply send failed", "to", from, "err", err)
	}
}

// handleRequest answers unknown service/method with a RESPONSE carrying
// the matching return code, a failed handler with an ERROR, and invokes
// the registered handler otherwise. REQUEST_NO_RETURN messages produce no
// reply (ok=false).
func (inst *Instance) handleRequest(h wire.Header, payload []byte) (reply []byte, ok bool) {
	if h.MessageType == wire.MsgTypeRequestNoReturn {
		if handler, found := inst.svc.Method(h.MethodID); found {
			handler(payload)
		}
		return nil, false
	}
	if h.MessageType != wire.MsgTypeRequest {
		return nil, false
	}
	if h.ServiceID != inst.svc.ID {
		return inst.responseReply(h, wire.ReturnUnknownService), true
	}
	handler, found := inst.svc.Method(h.MethodID)
	if !found {
		return inst.responseReply(h, wire.ReturnUnknownMethod), true
	}

	success, response, returnCode := handler(payload)
	if !success {
		if returnCode == wire.ReturnOK {
			returnCode = wire.ReturnNotOK
		}
		return inst.errorReply(h, returnCode), true
	}
	h.MessageType = wire.MsgTypeResponse
	h.ReturnCode = wire.ReturnOK
	return wire.EncodeMessage(h, response), true
}

// responseReply answers with RESPONSE (not ERROR): unknown service/method
// are reported this way, matching existing peers' expectations.
func (inst *Instance) responseReply(h wire.Header, returnCode uint8) []byte {
	h.MessageType = wire.MsgTypeResponse
	h.ReturnCode = returnCode
	return wire.EncodeMessage(h, nil)
}

func (inst *Instance) errorReply(h wire.Header, returnCode uint8) []byte {
	h.MessageType = wire.MsgTypeError
	h.ReturnCode = returnCode
	return wire.EncodeMessage(h, nil)
}

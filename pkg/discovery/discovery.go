// Package discovery implements the SOME/IP Service Discovery engine: a
// multicast/unicast socket pair that decodes SD packets and fans them out
// to attached observers (server/client service instances).
package discovery

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/samsamfire/gosomeip/pkg/reassemble"
	"github.com/samsamfire/gosomeip/pkg/session"
	"github.com/samsamfire/gosomeip/pkg/transport"
	"github.com/samsamfire/gosomeip/pkg/ttlstore"
	"github.com/samsamfire/gosomeip/pkg/wire"
)

// DefaultMulticastGroup and DefaultPort are the AUTOSAR SOME/IP-SD
// defaults.
var DefaultMulticastGroup = netip.MustParseAddr("224.224.224.245")

const DefaultPort uint16 = 30490

// selfEchoWindow bounds how long a just-sent session id is remembered for
// self-echo suppression, backing up the source-IP comparison on
// multi-homed hosts.
const selfEchoWindow = 3 * time.Second

// Observer is the narrow capability set the SD engine fans events out to;
// server and client service instances implement it.
type Observer interface {
	OnOffer(svc wire.OfferedService)
	OnSubscribe(entry wire.SDEntry, option wire.SDOption)
	OnStopSubscribe(entry wire.SDEntry, from netip.Addr)
	OnSubscribeAck(entry wire.SDEntry)
	OnSubscribeNack(entry wire.SDEntry)
}

// Config configures the engine's addressing.
type Config struct {
	MulticastGroup netip.Addr
	Port           uint16
	// Interface is the network interface SD multicast membership is
	// joined on (e.g. "eth0").
	Interface string
	// InterfaceAddr is this host's address on Interface; the unicast
	// socket binds here and it is used for source-IP self-echo
	// suppression.
	InterfaceAddr netip.Addr
}

type observerEntry struct {
	id  uint64
	obs Observer
}

// Engine owns the two SD sockets and the observer list. Callbacks run on
// whichever goroutine read the triggering datagram; each socket has its
// own read loop, so callbacks triggered by the multicast and the unicast
// socket may run concurrently. The observer list is mutex-guarded only for
// attach/detach and snapshotting, not for dispatch itself.
type Engine struct {
	logger *slog.Logger
	cfg    Config

	mcastEndpoint *transport.UDPEndpoint
	ucastEndpoint *transport.UDPEndpoint

	mcastSession *session.Handler
	ucastSession *session.Handler

	selfEcho *ttlstore.Store[uint16]

	mu             sync.Mutex
	observers      []observerEntry
	nextObserverID uint64

	wg sync.WaitGroup
}

// New builds the engine's sockets but does not yet start serving.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[SD engine]")

	mcastEP, err := transport.NewUDPEndpoint(netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.Port), logger)
	if err != nil {
		return nil, err
	}
	if err := mcastEP.JoinMulticastGroup(cfg.MulticastGroup, cfg.Interface); err != nil {
		mcastEP.Close()
		return nil, err
	}

	ucastEP, err := transport.NewUDPEndpoint(netip.AddrPortFrom(cfg.InterfaceAddr, cfg.Port), logger)
	if err != nil {
		mcastEP.Close()
		return nil, err
	}

	e := &Engine{
		logger:        logger,
		cfg:           cfg,
		mcastEndpoint: mcastEP,
		ucastEndpoint: ucastEP,
		mcastSession:  session.NewHandler(),
		ucastSession:  session.NewHandler(),
		selfEcho:      ttlstore.New[uint16](func(uint16) time.Duration { return selfEchoWindow }),
	}
	mcastEP.SetCallback(e.onDatagram)
	ucastEP.SetCallback(e.onDatagram)
	return e, nil
}

// Start launches the two socket read loops in the background.
func (e *Engine) Start() {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.mcastEndpoint.Serve(); err != nil {
			e.logger.Warn("multicast socket serve exited", "err", err)
		}
	}()
	go func() {
		defer e.wg.Done()
		if err := e.ucastEndpoint.Serve(); err != nil {
			e.logger.Warn("unicast socket serve exited", "err", err)
		}
	}()
}

// Close shuts both sockets down and waits for their read loops to return.
func (e *Engine) Close() error {
	err1 := e.mcastEndpoint.Close()
	err2 := e.ucastEndpoint.Close()
	e.wg.Wait()
	if err1 != nil {
		return err1
	}
	return err2
}

// MulticastSessionHandler returns this engine's outgoing-multicast
// session handler.
func (e *Engine) MulticastSessionHandler() *session.Handler { return e.mcastSession }

// UnicastSessionHandler returns this engine's outgoing-unicast session
// handler.
func (e *Engine) UnicastSessionHandler() *session.Handler { return e.ucastSession }

// Attach registers obs to receive dispatch callbacks. The returned detach
// function removes it; calling detach more than once is a no-op.
func (e *Engine) Attach(obs Observer) (detach func()) {
	e.mu.Lock()
	e.nextObserverID++
	id := e.nextObserverID
	e.observers = append(e.observers, observerEntry{id: id, obs: obs})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, entry := range e.observers {
			if entry.id == id {
				e.observers = append(e.observers[:i], e.observers[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) snapshotObservers() []Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Observer, len(e.observers))
	for i, entry := range e.observers {
		out[i] = entry.obs
	}
	return out
}

// SendMulticast writes data to (multicast group, SD port) from the unicast
// socket.
func (e *Engine) SendMulticast(data []byte) error {
	e.rememberSent(data)
	return e.ucastEndpoint.Send(data, netip.AddrPortFrom(e.cfg.MulticastGroup, e.cfg.Port))
}

// SendUnicast writes data to (destIP, SD port) from the unicast socket.
func (e *Engine) SendUnicast(data []byte, destIP netip.Addr) error {
	e.rememberSent(data)
	return e.ucastEndpoint.Send(data, netip.AddrPortFrom(destIP, e.cfg.Port))
}

func (e *Engine) rememberSent(data []byte) {
	h, err := wire.DecodeHeader(data)
	if err != nil {
		return
	}
	e.selfEcho.Add(h.SessionID, nil)
}

func (e *Engine) onDatagram(msg reassemble.Message, from netip.AddrPort) {
	// Self-echo suppression, primary filter: source IP equals our own
	// interface IP. This is fragile on multi-homed hosts, so it is backed
	// by a second, independent filter below.
	if from.Addr() == e.cfg.InterfaceAddr {
		return
	}
	if from.Port() != e.cfg.Port {
		return
	}
	if !wire.IsSDHeader(msg.Header) {
		return
	}
	// Secondary self-echo filter: a session id we ourselves sent within
	// the last selfEchoWindow is almost certainly our own packet looped
	// back rather than a peer coincidentally reusing it.
	if e.selfEcho.Contains(msg.Header.SessionID) {
		return
	}

	pkt, err := wire.DecodePacket(msg.Payload)
	if err != nil {
		e.logger.Warn("dropping malformed SD packet", "from", from, "err", err)
		return
	}

	observers := e.snapshotObservers()

	for _, offer := range wire.ExtractOfferedServices(pkt) {
		for _, obs := range observers {
			obs.OnOffer(offer)
		}
	}
	for _, sub := range wire.ExtractSubscribeEventgroups(pkt) {
		for _, obs := range observers {
			obs.OnSubscribe(sub.Entry, sub.Option)
		}
	}
	for _, stop := range wire.ExtractStopSubscribeEventgroups(pkt) {
		for _, obs := range observers {
			obs.OnStopSubscribe(stop, from.Addr())
		}
	}
	for _, ack := range wire.ExtractSubscribeAcks(pkt) {
		for _, obs := range observers {
			obs.OnSubscribeAck(ack)
		}
	}
	for _, nack := range wire.ExtractSubscribeNacks(pkt) {
		for _, obs := range observers {
			obs.OnSubscribeNack(nack)
		}
	}
}

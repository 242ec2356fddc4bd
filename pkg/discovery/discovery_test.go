package discovery

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/gosomeip/pkg/reassemble"
	"github.com/samsamfire/gosomeip/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeTestMessage(t *testing.T, raw []byte) reassemble.Message {
	t.Helper()
	h, payload, err := wire.DecodeMessage(raw)
	require.NoError(t, err)
	return reassemble.Message{Header: h, Payload: payload}
}

type recordingObserver struct {
	mu      sync.Mutex
	offers  []wire.OfferedService
	subs    []wire.SDEntry
	acks    []wire.SDEntry
}

func (r *recordingObserver) OnOffer(svc wire.OfferedService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, svc)
}

func (r *recordingObserver) OnSubscribe(entry wire.SDEntry, _ wire.SDOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, entry)
}

func (r *recordingObserver) OnStopSubscribe(wire.SDEntry, netip.Addr) {}

func (r *recordingObserver) OnSubscribeNack(wire.SDEntry) {}

func (r *recordingObserver) OnSubscribeAck(entry wire.SDEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, entry)
}

func (r *recordingObserver) offerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offers)
}

func newLoopbackEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{
		MulticastGroup: DefaultMulticastGroup,
		Port:           0,
		Interface:      "lo",
		InterfaceAddr:  netip.MustParseAddr("127.0.0.1"),
	}, nil)
	require.NoError(t, err)
	return e
}

func TestEngineAttachDetach(t *testing.T) {
	e := newLoopbackEngine(t)
	defer e.Close()

	obs := &recordingObserver{}
	detach := e.Attach(obs)
	assert.Len(t, e.snapshotObservers(), 1)
	detach()
	assert.Len(t, e.snapshotObservers(), 0)
	// detaching twice is a no-op, not a panic
	detach()
}

func TestEngineDropsOwnEcho(t *testing.T) {
	e := newLoopbackEngine(t)
	defer e.Close()

	svc := wire.OfferedService{ServiceID: 1, InstanceID: 1, MajorVersion: 1, TTL: 3, Address: netip.MustParseAddr("127.0.0.1"), Port: 30509}
	msg := wire.BuildOfferService(svc, 7, false)
	e.rememberSent(msg)
	assert.True(t, e.selfEcho.Contains(7))

	// The same packet looped back from another address is dropped.
	obs := &recordingObserver{}
	e.Attach(obs)
	e.onDatagram(decodeTestMessage(t, msg), netip.AddrPortFrom(netip.MustParseAddr("10.0.0.9"), e.cfg.Port))
	assert.Equal(t, 0, obs.offerCount())
}

func TestEngineDispatchesOffer(t *testing.T) {
	e := newLoopbackEngine(t)
	defer e.Close()

	obs := &recordingObserver{}
	e.Attach(obs)

	svc := wire.OfferedService{ServiceID: 1, InstanceID: 1, MajorVersion: 1, TTL: 3, Address: netip.MustParseAddr("10.0.0.9"), Port: 30509}
	msg := wire.BuildOfferService(svc, 42, false)

	e.onDatagram(decodeTestMessage(t, msg), netip.AddrPortFrom(netip.MustParseAddr("10.0.0.9"), e.cfg.Port))

	require.Eventually(t, func() bool { return obs.offerCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngineIgnoresSelfSourceIP(t *testing.T) {
	e := newLoopbackEngine(t)
	defer e.Close()

	obs := &recordingObserver{}
	e.Attach(obs)

	svc := wire.OfferedService{ServiceID: 1, InstanceID: 1, MajorVersion: 1, TTL: 3, Address: netip.MustParseAddr("127.0.0.1"), Port: 30509}
	msg := wire.BuildOfferService(svc, 1, false)

	e.onDatagram(decodeTestMessage(t, msg), netip.AddrPortFrom(e.cfg.InterfaceAddr, DefaultPort))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, obs.offerCount())
}

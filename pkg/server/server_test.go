package server

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/samsamfire/gosomeip/pkg/discovery"
	"github.com/samsamfire/gosomeip/pkg/service"
	"github.com/samsamfire/gosomeip/pkg/subscriber"
	"github.com/samsamfire/gosomeip/pkg/transport"
	"github.com/samsamfire/gosomeip/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstance(t *testing.T) (*Instance, *service.Service) {
	t.Helper()

	disc, err := discovery.New(discovery.Config{
		MulticastGroup: discovery.DefaultMulticastGroup,
		Port:           0,
		Interface:      "lo",
		InterfaceAddr:  netip.MustParseAddr("127.0.0.1"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { disc.Close() })

	udp, err := transport.NewUDPEndpoint(netip.MustParseAddrPort("127.0.0.1:0"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { udp.Close() })

	svc := service.NewBuilder(0x1234, 1, 0).
		WithMethod(0x0001, func(payload []byte) (bool, []byte, uint8) { return true, payload, 0 }).
		WithMethod(0x0002, func([]byte) (bool, []byte, uint8) { return false, nil, wire.ReturnNotReady }).
		WithEventGroup(0x0010, 0x8001).
		Build()

	inst := New(svc, Config{
		InstanceID:       1,
		Address:          netip.MustParseAddr("127.0.0.1"),
		UDPPort:          udp.LocalAddr().Port(),
		CyclicOfferDelay: 50 * time.Millisecond,
	}, disc, udp, nil, nil)
	return inst, svc
}

func TestHandleRequestEchoesSuccess(t *testing.T) {
	inst, _ := newTestInstance(t)
	h := wire.Header{ServiceID: 0x1234, MethodID: 0x0001, MessageType: wire.MsgTypeRequest}
	reply, ok := inst.handleRequest(h, []byte{1, 2, 3})
	require.True(t, ok)
	rh, payload, err := wire.DecodeMessage(reply)
	require.NoError(t, err)
	assert.Equal(t, wire.MsgTypeResponse, rh.MessageType)
	assert.Equal(t, []byte{1, 2, 3}, payload)
}

func TestHandleRequestUnknownService(t *testing.T) {
	inst, _ := newTestInstance(t)
	h := wire.Header{ServiceID: 0x9999, MethodID: 0x0001, MessageType: wire.MsgTypeRequest}
	reply, ok := inst.handleRequest(h, nil)
	require.True(t, ok)
	rh, _, err := wire.DecodeMessage(reply)
	require.NoError(t, err)
	assert.Equal(t, wire.MsgTypeResponse, rh.MessageType)
	assert.Equal(t, wire.ReturnUnknownService, rh.ReturnCode)
}

func TestHandleRequestUnknownMethod(t *testing.T) {
	inst, _ := newTestInstance(t)
	h := wire.Header{ServiceID: 0x1234, MethodID: 0x9999, MessageType: wire.MsgTypeRequest}
	reply, ok := inst.handleRequest(h, nil)
	require.True(t, ok)
	rh, _, err := wire.DecodeMessage(reply)
	require.NoError(t, err)
	assert.Equal(t, wire.MsgTypeResponse, rh.MessageType)
	assert.Equal(t, wire.ReturnUnknownMethod, rh.ReturnCode)
}

func TestHandleRequestHandlerFailure(t *testing.T) {
	inst, _ := newTestInstance(t)
	h := wire.Header{ServiceID: 0x1234, MethodID: 0x0002, MessageType: wire.MsgTypeRequest}
	reply, ok := inst.handleRequest(h, nil)
	require.True(t, ok)
	rh, _, err := wire.DecodeMessage(reply)
	require.NoError(t, err)
	assert.Equal(t, wire.MsgTypeError, rh.MessageType)
	assert.Equal(t, wire.ReturnNotReady, rh.ReturnCode)
}

func TestHandleRequestNoReturnProducesNoReply(t *testing.T) {
	inst, _ := newTestInstance(t)
	h := wire.Header{ServiceID: 0x1234, MethodID: 0x0001, MessageType: wire.MsgTypeRequestNoReturn}
	_, ok := inst.handleRequest(h, []byte{9})
	assert.False(t, ok)
}

func TestOnSubscribeAddsSubscriberAndAcks(t *testing.T) {
	inst, _ := newTestInstance(t)
	entry := wire.SDEntry{
		ServiceID:    0x1234,
		InstanceID:   1,
		MajorVersion: 1,
		TTL:          5,
		EventgroupID: 0x0010,
	}
	option := wire.SDOption{
		Type:    wire.OptionIPv4Endpoint,
		Address: netip.MustParseAddr("127.0.0.1"),
		Port:    40000,
	}
	inst.OnSubscribe(entry, option)
	subs := inst.subs.ForEventgroup(0x0010)
	require.Len(t, subs, 1)
	assert.Equal(t, uint16(40000), subs[0].Endpoint.Port)
}

func TestOnSubscribeUnknownEventgroupNotAdded(t *testing.T) {
	inst, _ := newTestInstance(t)
	entry := wire.SDEntry{ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1, TTL: 5, EventgroupID: 0xFFFF}
	option := wire.SDOption{Type: wire.OptionIPv4Endpoint, Address: netip.MustParseAddr("127.0.0.1"), Port: 1}
	inst.OnSubscribe(entry, option)
	assert.Equal(t, 0, inst.subs.Len())
}

func TestOnStopSubscribeRemoves(t *testing.T) {
	inst, _ := newTestInstance(t)
	ep := netip.MustParseAddr("127.0.0.1")
	entry := wire.SDEntry{ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1, TTL: 5, EventgroupID: 0x0010}
	option := wire.SDOption{Type: wire.OptionIPv4Endpoint, Address: ep, Port: 40001}
	inst.OnSubscribe(entry, option)
	require.Equal(t, 1, inst.subs.Len())

	inst.OnStopSubscribe(wire.SDEntry{ServiceID: 0x1234, InstanceID: 1, EventgroupID: 0x0010}, ep)
	assert.Equal(t, 0, inst.subs.Len())
}

func TestSendEventStaticSessionID(t *testing.T) {
	inst, _ := newTestInstance(t)
	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	subAddr := listener.LocalAddr().(*net.UDPAddr)

	inst.subs.Add(subscriber.Subscriber{
		EventgroupID: 0x0010,
		Endpoint:     subscriber.Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: uint16(subAddr.Port)},
		TTL:          subscriber.NoExpiry,
	})

	inst.SendEvent(0x8001, 0x0010, []byte{1})
	inst.SendEvent(0x8001, 0x0010, []byte{2})

	for i := 0; i < 2; i++ {
		buf := make([]byte, 64)
		listener.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := listener.ReadFromUDP(buf)
		require.NoError(t, err)
		h, _, err := wire.DecodeMessage(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, uint16(1), h.SessionID)
	}
}

func TestSendEventMonotonicSessionID(t *testing.T) {
	inst, _ := newTestInstance(t)
	inst.cfg.EventSessionMode = EventSessionMonotonic
	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	subAddr := listener.LocalAddr().(*net.UDPAddr)

	inst.subs.Add(subscriber.Subscriber{
		EventgroupID: 0x0010,
		Endpoint:     subscriber.Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: uint16(subAddr.Port)},
		TTL:          subscriber.NoExpiry,
	})

	inst.SendEvent(0x8001, 0x0010, []byte{1})
	inst.SendEvent(0x8001, 0x0010, []byte{2})

	var sessionIDs []uint16
	for i := 0; i < 2; i++ {
		buf := make([]byte, 64)
		listener.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := listener.ReadFromUDP(buf)
		require.NoError(t, err)
		h, _, err := wire.DecodeMessage(buf[:n])
		require.NoError(t, err)
		sessionIDs = append(sessionIDs, h.SessionID)
	}
	assert.Equal(t, []uint16{1, 2}, sessionIDs)
}

func TestStartStopOfferLifecycle(t *testing.T) {
	inst, _ := newTestInstance(t)
	require.NoError(t, inst.StartOffer())
	require.NoError(t, inst.StartOffer()) // idempotent: second call is a no-op
	require.NoError(t, inst.StopOffer())
	assert.ErrorIs(t, inst.StopOffer(), ErrNotOffering)
}

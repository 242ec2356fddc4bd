package client

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/samsamfire/gosomeip/pkg/discovery"
	"github.com/samsamfire/gosomeip/pkg/reassemble"
	"github.com/samsamfire/gosomeip/pkg/transport"
	"github.com/samsamfire/gosomeip/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, onEvent EventCallback) *Instance {
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

	ref := ServiceRef{ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1}
	return New(ref, 0x0042, disc, udp, onEvent, nil)
}

func TestNotAvailableInitially(t *testing.T) {
	c := newTestClient(t, nil)
	assert.False(t, c.IsAvailable())
}

func TestOnOfferMarksAvailable(t *testing.T) {
	c := newTestClient(t, nil)
	c.OnOffer(wire.OfferedService{
		ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1,
		Address: netip.MustParseAddr("10.0.0.5"), Port: 30509, TTL: 5,
	})
	assert.True(t, c.IsAvailable())
}

func TestOnOfferIgnoresOtherInstance(t *testing.T) {
	c := newTestClient(t, nil)
	c.OnOffer(wire.OfferedService{ServiceID: 0x1234, InstanceID: 99, MajorVersion: 1})
	assert.False(t, c.IsAvailable())
}

func TestSubscribeAckMarksAcked(t *testing.T) {
	c := newTestClient(t, nil)
	c.SubscribeEventgroup(0x10)
	assert.False(t, c.IsEventgroupAcked(0x10))

	c.OnSubscribeAck(wire.SDEntry{ServiceID: 0x1234, InstanceID: 1, TTL: 5, EventgroupID: 0x10})
	assert.True(t, c.IsEventgroupAcked(0x10))
}

func TestSubscribeNackDropsPending(t *testing.T) {
	c := newTestClient(t, nil)
	c.SubscribeEventgroup(0x10)
	c.OnSubscribeNack(wire.SDEntry{ServiceID: 0x1234, InstanceID: 1, EventgroupID: 0x10})

	c.mu.Lock()
	_, pending := c.pendingEventgroups[0x10]
	c.mu.Unlock()
	assert.False(t, pending)
}

func TestCallMethodFailsWhenNotAvailable(t *testing.T) {
	c := newTestClient(t, nil)
	_, err := c.CallMethodTimeout(50*time.Millisecond, 0x0001, nil)
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestCallMethodTimesOutWaitingForReply(t *testing.T) {
	c := newTestClient(t, nil)
	c.OnOffer(wire.OfferedService{
		ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1,
		Address: netip.MustParseAddr("127.0.0.1"), Port: 1, TTL: 30,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	result, err := c.CallMethod(ctx, 0x0001, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, result.Success)
	assert.Equal(t, wire.ReturnTimeout, result.ReturnCode)
}

func TestOnUDPMessageDeliversEvent(t *testing.T) {
	received := make(chan []byte, 1)
	c := newTestClient(t, func(eventID uint16, payload []byte) {
		received <- payload
	})
	h := wire.Header{ServiceID: 0x1234, MethodID: 0x8001, MessageType: wire.MsgTypeNotification}
	c.onUDPMessage(reassemble.Message{Header: h, Payload: []byte{9, 9}}, netip.AddrPort{})

	select {
	case payload := <-received:
		assert.Equal(t, []byte{9, 9}, payload)
	case <-time.After(time.Second):
		t.Fatal("event callback was not invoked")
	}
}

func TestOnUDPMessageResolvesPendingCall(t *testing.T) {
	c := newTestClient(t, nil)
	key := correlationKey{ClientID: c.clientID, SessionID: 1}
	ch := make(chan MethodResult, 1)
	c.mu.Lock()
	c.calls[key] = ch
	c.mu.Unlock()

	h := wire.Header{
		ServiceID: 0x1234, MethodID: 0x0001, ClientID: c.clientID, SessionID: 1,
		MessageType: wire.MsgTypeResponse, ReturnCode: wire.ReturnOK,
	}
	c.onUDPMessage(reassemble.Message{Header: h, Payload: []byte{1}}, netip.AddrPort{})

	select {
	case result := <-ch:
		assert.True(t, result.Success)
		assert.Equal(t, []byte{1}, result.Payload)
	case <-time.After(time.Second):
		t.Fatal("call was not resolved")
	}
}

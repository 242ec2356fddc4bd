// Package transport implements the UDP and TCP endpoint abstractions of
// a thin wrapper around a socket that feeds received bytes
// through a reassembler and delivers whole messages to a callback.
package transport

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/samsamfire/gosomeip/pkg/reassemble"
)

// MessageCallback receives one fully reassembled message plus the address
// it arrived from.
type MessageCallback func(msg reassemble.Message, from netip.AddrPort)

// UDPEndpoint is a single non-blocking UDP socket bound to (interfaceIP,
// port). Each received datagram is pushed through a datagram-mode
// reassembler; on success the message is handed to the registered
// callback.
type UDPEndpoint struct {
	logger   *slog.Logger
	conn     *net.UDPConn
	reasm    *reassemble.Datagram
	callback MessageCallback

	mu      sync.Mutex
	closed  bool
}

// NewUDPEndpoint opens a UDP socket bound to bindAddr with SO_REUSEADDR
// set, as required for a socket that may share its port with a sibling
// multicast listener on the same host.
func NewUDPEndpoint(bindAddr netip.AddrPort, logger *slog.Logger) (*UDPEndpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", bindAddr.String())
	if err != nil {
		return nil, err
	}
	return &UDPEndpoint{
		logger: logger.With("service", "[UDP endpoint]"),
		conn:   pc.(*net.UDPConn),
		reasm:  reassemble.NewDatagram(),
	}, nil
}

// JoinMulticastGroup adds socket membership in group on the named network
// interface (by index), so the endpoint additionally receives packets sent
// to that multicast address: membership is added for one specified
// interface, matching how a multicast-receiving socket is configured.
func (e *UDPEndpoint) JoinMulticastGroup(group netip.Addr, ifaceName string) error {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return err
	}
	raw, err := e.conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	addr4 := group.As4()
	err = raw.Control(func(fd uintptr) {
		mreq := &unix.IPMreqn{
			Multiaddr: addr4,
			Ifindex:   int32(iface.Index),
		}
		sockErr = unix.SetsockoptIPMreqn(int(fd), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// SetCallback registers the function invoked for every successfully
// reassembled message.
func (e *UDPEndpoint) SetCallback(cb MessageCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = cb
}

// LocalAddr returns the bound local address.
func (e *UDPEndpoint) LocalAddr() netip.AddrPort {
	return e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Serve blocks reading datagrams until the endpoint is closed, delivering
// each successfully reassembled message to the callback. Malformed
// datagrams are dropped and logged rather than tearing down the socket.
func (e *UDPEndpoint) Serve() error {
	buf := make([]byte, 65535)
	for {
		n, addr, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		msg, err := e.reasm.Process(buf[:n])
		if err != nil {
			e.logger.Warn("dropping malformed datagram", "from", addr, "err", err)
			continue
		}
		e.mu.Lock()
		cb := e.callback
		e.mu.Unlock()
		if cb != nil {
			cb(msg, addr)
		}
	}
}

// Send writes data to dest. Sends are non-blocking and never suspend the
// caller.
func (e *UDPEndpoint) Send(data []byte, dest netip.AddrPort) error {
	_, err := e.conn.WriteToUDPAddrPort(data, dest)
	return err
}

// Close releases the socket; a Serve loop blocked in a read returns.
func (e *UDPEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.conn.Close()
}

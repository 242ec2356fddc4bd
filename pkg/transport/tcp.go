package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/samsamfire/gosomeip/pkg/reassemble"
)

// tcpClient is one accepted connection, keyed by its peer (ip, port) in
// the manager, with its own private stream reassembler.
type tcpClient struct {
	conn  net.Conn
	peer  netip.AddrPort
	reasm *reassemble.Stream

	writeMu sync.Mutex
}

func (c *tcpClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// TCPClientManager tracks every currently accepted TCP connection, keyed
// by (peer ip, peer port), supporting a single-peer send and a broadcast
// send. Connection loss removes the client from the manager.
type TCPClientManager struct {
	mu      sync.Mutex
	clients map[netip.AddrPort]*tcpClient
}

func newTCPClientManager() *TCPClientManager {
	return &TCPClientManager{clients: make(map[netip.AddrPort]*tcpClient)}
}

func (m *TCPClientManager) add(c *tcpClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.peer] = c
}

func (m *TCPClientManager) remove(peer netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, peer)
}

// Send writes data to the single client matching addr, if connected.
func (m *TCPClientManager) Send(data []byte, addr netip.AddrPort) error {
	m.mu.Lock()
	c, ok := m.clients[addr]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.write(data)
}

// SendAll broadcasts data to every currently connected client.
func (m *TCPClientManager) SendAll(data []byte) {
	m.mu.Lock()
	clients := make([]*tcpClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()
	for _, c := range clients {
		c.write(data)
	}
}

// Peers returns the currently connected peer addresses.
func (m *TCPClientManager) Peers() []netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(m.clients))
	for p := range m.clients {
		out = append(out, p)
	}
	return out
}

// TCPEndpoint is a listening socket plus a client manager: each accepted
// connection gets its own stream reassembler and is dispatched through the
// shared message callback.
type TCPEndpoint struct {
	logger   *slog.Logger
	listener net.Listener
	manager  *TCPClientManager
	callback MessageCallback

	mu     sync.Mutex
	closed bool
}

// NewTCPEndpoint opens a listening socket on bindAddr.
func NewTCPEndpoint(bindAddr netip.AddrPort, logger *slog.Logger) (*TCPEndpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp4", bindAddr.String())
	if err != nil {
		return nil, err
	}
	return &TCPEndpoint{
		logger:   logger.With("service", "[TCP endpoint]"),
		listener: ln,
		manager:  newTCPClientManager(),
	}, nil
}

// SetCallback registers the function invoked for every successfully
// reassembled message, across all connected clients.
func (e *TCPEndpoint) SetCallback(cb MessageCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = cb
}

// Manager exposes the client manager for direct Send/SendAll access.
func (e *TCPEndpoint) Manager() *TCPClientManager {
	return e.manager
}

// LocalAddr returns the bound listening address.
func (e *TCPEndpoint) LocalAddr() netip.AddrPort {
	return e.listener.Addr().(*net.TCPAddr).AddrPort()
}

// Serve accepts connections until the endpoint is closed.
func (e *TCPEndpoint) Serve() error {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go e.handleConn(conn)
	}
}

func (e *TCPEndpoint) handleConn(conn net.Conn) {
	peer := conn.RemoteAddr().(*net.TCPAddr).AddrPort()
	client := &tcpClient{conn: conn, peer: peer, reasm: reassemble.NewStream()}
	e.manager.add(client)
	defer e.manager.remove(peer)
	defer conn.Close()

	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, ferr := client.reasm.Feed(buf[:n])
			if ferr != nil {
				e.logger.Warn("dropping malformed stream data", "peer", peer, "err", ferr)
				return
			}
			e.mu.Lock()
			cb := e.callback
			e.mu.Unlock()
			for _, msg := range msgs {
				if cb != nil {
					cb(msg, peer)
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				e.logger.Debug("tcp connection closed", "peer", peer, "err", err)
			}
			return
		}
	}
}

// Close stops accepting new connections. Already-accepted connections are
// not closed here; each stays open until its peer closes it or a read on it
// fails.
func (e *TCPEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.listener.Close()
}

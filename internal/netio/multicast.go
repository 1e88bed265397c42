//go:build linux

// Package netio provides the UDP transports for the mesh: a multicast
// socket for Broadcast State Synchronisation frames and a unicast socket
// for Bulk Data Collection frames.
package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/lumenmesh/meshproto/internal/wire"
)

// ErrSocketClosed indicates an operation on a closed socket.
var ErrSocketClosed = errors.New("socket closed")

// ErrNotMulticast indicates the configured group address is not a
// multicast address.
var ErrNotMulticast = errors.New("address is not a multicast address")

// recvBufferSize is the per-packet read buffer. BSS frames are bounded by
// MaxValueSize plus a small header, well under a single UDP datagram.
const recvBufferSize = 1500

// MulticastConfig configures the BSS broadcast socket.
type MulticastConfig struct {
	// Group is the multicast group address, e.g. "239.0.1.1".
	Group netip.Addr

	// Port is the UDP port shared by all nodes in the group.
	Port uint16

	// Interface restricts the group join to a single network interface.
	// Empty selects the default multicast interface.
	Interface string

	// Loopback enables receiving this node's own transmissions, useful in
	// single-host integration tests.
	Loopback bool
}

// MulticastSocket is the BSS UDP transport: it implements bss.Sender for
// outbound frames and drives an inbound receive loop that hands raw frames
// to a BSSDemuxer.
type MulticastSocket struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	dst    *net.UDPAddr
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// BSSDemuxer routes an inbound BSS frame to the engine. Implemented by
// bss.Engine.HandleInbound.
type BSSDemuxer interface {
	HandleInbound(frame []byte)
}

// NewMulticastSocket joins the configured group and returns a socket ready
// for both send and receive.
func NewMulticastSocket(cfg MulticastConfig, logger *slog.Logger) (*MulticastSocket, error) {
	if !cfg.Group.Is4() {
		return nil, fmt.Errorf("multicast group %s: %w", cfg.Group, ErrNotMulticast)
	}
	groupIP := net.IP(cfg.Group.AsSlice())
	if !groupIP.IsMulticast() {
		return nil, fmt.Errorf("multicast group %s: %w", cfg.Group, ErrNotMulticast)
	}

	conn, err := listenUDPReusable("udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, err
	}

	pconn := ipv4.NewPacketConn(conn)

	var ifi *net.Interface
	if cfg.Interface != "" {
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("lookup interface %s: %w", cfg.Interface, err)
		}
	}

	groupAddr := &net.UDPAddr{IP: groupIP}
	if err := pconn.JoinGroup(ifi, groupAddr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join multicast group %s: %w", cfg.Group, err)
	}

	if cfg.Loopback {
		if err := pconn.SetMulticastLoopback(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable multicast loopback: %w", err)
		}
	}

	return &MulticastSocket{
		conn:   conn,
		pconn:  pconn,
		dst:    &net.UDPAddr{IP: groupIP, Port: int(cfg.Port)},
		logger: logger.With(slog.String("component", "netio.multicast"), slog.String("group", cfg.Group.String())),
	}, nil
}

// SendMulticast satisfies bss.Sender: it writes payload to the group.
func (m *MulticastSocket) SendMulticast(_ context.Context, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("send multicast: %w", ErrSocketClosed)
	}
	m.mu.Unlock()

	if _, err := m.conn.WriteToUDP(payload, m.dst); err != nil {
		return fmt.Errorf("send multicast to %s: %w", m.dst, err)
	}
	return nil
}

// Run reads frames from the group until ctx is cancelled, handing a copy of
// each raw datagram to demux without decoding it. Malformed datagrams are
// left to demux, which drops them and counts them via its own metrics path.
func (m *MulticastSocket) Run(ctx context.Context, demux BSSDemuxer) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		m.Close()
		close(done)
	}()

	bufp := wire.AcquireBuffer(recvBufferSize)
	defer wire.ReleaseBuffer(bufp)
	buf := (*bufp)[:recvBufferSize]

	for {
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				<-done
				return nil
			}
			m.logger.Warn("multicast recv error", slog.Any("error", err))
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		demux.HandleInbound(frame)
	}
}

// Close closes the underlying socket, unblocking any in-flight Run call.
func (m *MulticastSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.conn.Close(); err != nil {
		return fmt.Errorf("close multicast socket: %w", err)
	}
	return nil
}

//go:build linux

package netio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/lumenmesh/meshproto/internal/wire"
)

// BDCDemuxer routes an inbound BDC frame (signal, request, or sub-packet)
// from a given peer to the session tracking that peer. Implemented by the
// host's per-peer Sender/Receiver registry.
type BDCDemuxer interface {
	HandleFrame(peer netip.AddrPort, frame []byte)
}

// UnicastSocket is the BDC UDP transport: a single bound socket shared by
// every session on this node, since BDC sessions are distinguished by peer
// address and packet_id rather than by a dedicated connection each.
type UnicastSocket struct {
	conn   *net.UDPConn
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewUnicastSocket binds the BDC socket on the given port across all
// interfaces.
func NewUnicastSocket(port uint16, logger *slog.Logger) (*UnicastSocket, error) {
	conn, err := listenUDPReusable("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}

	return &UnicastSocket{
		conn:   conn,
		logger: logger.With(slog.String("component", "netio.unicast"), slog.Uint64("port", uint64(port))),
	}, nil
}

// SendTo writes payload to a specific peer. Used directly by PeerConn.
func (u *UnicastSocket) SendTo(_ context.Context, peer netip.AddrPort, payload []byte) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return fmt.Errorf("send unicast to %s: %w", peer, ErrSocketClosed)
	}
	u.mu.Unlock()

	dst := net.UDPAddrFromAddrPort(peer)
	if _, err := u.conn.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("send unicast to %s: %w", peer, err)
	}
	return nil
}

// Run reads frames from the socket until ctx is cancelled, routing each to
// demux along with the sender's address. Malformed frames are forwarded
// as-is; wire.IdentifyBDC and the bdc package's decoders are responsible
// for rejecting them.
func (u *UnicastSocket) Run(ctx context.Context, demux BDCDemuxer) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		u.Close()
		close(done)
	}()

	bufp := wire.AcquireBuffer(recvBufferSize)
	defer wire.ReleaseBuffer(bufp)
	buf := (*bufp)[:recvBufferSize]

	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				<-done
				return nil
			}
			u.logger.Warn("unicast recv error", slog.Any("error", err))
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		demux.HandleFrame(addr.AddrPort(), frame)
	}
}

// Close closes the underlying socket, unblocking any in-flight Run call.
func (u *UnicastSocket) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	if err := u.conn.Close(); err != nil {
		return fmt.Errorf("close unicast socket: %w", err)
	}
	return nil
}

// PeerConn binds a shared UnicastSocket to one fixed peer address,
// satisfying bdc.PeerSender for a single Sender or Receiver session.
type PeerConn struct {
	socket *UnicastSocket
	peer   netip.AddrPort
}

// NewPeerConn returns a bdc.PeerSender bound to peer over socket.
func NewPeerConn(socket *UnicastSocket, peer netip.AddrPort) *PeerConn {
	return &PeerConn{socket: socket, peer: peer}
}

// SendUnicast satisfies bdc.PeerSender.
func (p *PeerConn) SendUnicast(ctx context.Context, payload []byte) error {
	return p.socket.SendTo(ctx, p.peer, payload)
}

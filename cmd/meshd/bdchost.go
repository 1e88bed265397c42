package main

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/lumenmesh/meshproto/internal/bdc"
	"github.com/lumenmesh/meshproto/internal/clock"
	"github.com/lumenmesh/meshproto/internal/metrics"
	"github.com/lumenmesh/meshproto/internal/netio"
	"github.com/lumenmesh/meshproto/internal/wire"
)

// bdcHost owns the per-peer Bulk Data Collection sessions for this node.
// packet_id is not scoped by source address at the wire level, so bdcHost
// is the host-managed scoping mechanism: sessions are keyed by peer address,
// lazily constructed the first time a given peer is seen.
type bdcHost struct {
	mu        sync.Mutex
	socket    *netio.UnicastSocket
	clock     clock.Clock
	metrics   *metrics.Collector
	logger    *slog.Logger
	periodMS  uint16
	faultRate float64

	receivers map[netip.AddrPort]*bdc.Receiver
	senders   map[netip.AddrPort]*bdc.Sender
}

func newBDCHost(socket *netio.UnicastSocket, c clock.Clock, m *metrics.Collector, logger *slog.Logger, periodMS uint16, faultRate float64) *bdcHost {
	return &bdcHost{
		socket:    socket,
		clock:     c,
		metrics:   m,
		logger:    logger.With(slog.String("component", "bdchost")),
		periodMS:  periodMS,
		faultRate: faultRate,
		receivers: make(map[netip.AddrPort]*bdc.Receiver),
		senders:   make(map[netip.AddrPort]*bdc.Sender),
	}
}

// HandleFrame satisfies netio.BDCDemuxer.
func (h *bdcHost) HandleFrame(peer netip.AddrPort, frame []byte) {
	switch wire.IdentifyBDC(frame) {
	case wire.KindBDCSignal:
		sig, err := wire.DecodeBDCSignal(frame)
		if err != nil {
			h.logger.Debug("malformed bdc signal", slog.String("peer", peer.String()), slog.Any("error", err))
			return
		}
		h.receiverFor(peer).HandleSignal(sig, bdc.ReceiverConfig{PeriodMS: h.periodMS, FaultRate: h.faultRate})

	case wire.KindBDCSubPacket:
		sp, err := wire.DecodeBDCSubPacket(frame)
		if err != nil {
			h.logger.Debug("malformed bdc sub-packet", slog.String("peer", peer.String()), slog.Any("error", err))
			return
		}
		h.receiverFor(peer).HandleSubPacket(sp)

	case wire.KindBDCRequest:
		req, err := wire.DecodeBDCRequest(frame)
		if err != nil {
			h.logger.Debug("malformed bdc request", slog.String("peer", peer.String()), slog.Any("error", err))
			return
		}
		if sender := h.existingSenderFor(peer); sender != nil {
			sender.HandleRequest(req)
		}

	default:
		h.logger.Debug("unrecognized bdc frame", slog.String("peer", peer.String()))
	}
}

func (h *bdcHost) receiverFor(peer netip.AddrPort) *bdc.Receiver {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.receivers[peer]; ok {
		return r
	}
	conn := netio.NewPeerConn(h.socket, peer)
	r := bdc.NewReceiver(conn, h.clock, h.metrics, h.logger, func(packetID uint16, payload []byte) {
		h.logger.Info("bdc transfer complete",
			slog.String("peer", peer.String()),
			slog.Uint64("packet_id", uint64(packetID)),
			slog.Int("bytes", len(payload)),
		)
	})
	h.receivers[peer] = r
	return r
}

func (h *bdcHost) existingSenderFor(peer netip.AddrPort) *bdc.Sender {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.senders[peer]
}

func (h *bdcHost) senderFor(peer netip.AddrPort) *bdc.Sender {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.senders[peer]; ok {
		return s
	}
	conn := netio.NewPeerConn(h.socket, peer)
	s := bdc.NewSender(conn, h.clock, h.metrics, h.logger)
	h.senders[peer] = s
	return s
}

// StartTransfer satisfies server.BulkSessions.
func (h *bdcHost) StartTransfer(peer netip.AddrPort, packetID uint16, payload []byte, cfg bdc.SenderConfig) error {
	if cfg.PeriodMS == 0 {
		cfg.PeriodMS = h.periodMS
	}

	sender := h.senderFor(peer)
	if err := sender.RegisterTx(packetID, payload, cfg); err != nil {
		return err
	}
	return sender.Start(context.Background())
}

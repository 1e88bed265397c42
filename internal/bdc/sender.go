package bdc

import (
	"context"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/lumenmesh/meshproto/internal/clock"
	"github.com/lumenmesh/meshproto/internal/metrics"
	"github.com/lumenmesh/meshproto/internal/protoerr"
	"github.com/lumenmesh/meshproto/internal/wire"
)

// DefaultPeriodMS is the pacing interval used when a caller does not
// specify one, matching the worker's default retransmission cadence.
const DefaultPeriodMS = 100

// SenderState is one state of the BDC Sender FSM:
// Idle -> Registered -> Armed -> Sending -> Idle.
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderRegistered
	SenderArmed
	SenderSending
)

// SenderConfig configures one transfer registration.
type SenderConfig struct {
	// PeriodMS paces sub-packet emission. Zero selects DefaultPeriodMS.
	PeriodMS uint16
}

// Sender is the BDC Sender FSM for one transfer session: it holds the
// registered payload, paces sub-packet emission, and folds inbound
// retransmission requests in directly via HandleRequest rather than routing
// them back through the host.
type Sender struct {
	mu sync.Mutex

	peer    PeerSender
	clock   clock.Clock
	metrics *metrics.Collector
	logger  *slog.Logger

	state       SenderState
	packetID    uint16
	payload     []byte
	nSubPackets uint8
	periodMS    uint16
	pending     uint64
	sending     bool // cleared on both completion and cancellation
	timer       clock.CancelTimer
}

// NewSender constructs a Sender bound to a single peer connection.
func NewSender(peer PeerSender, c clock.Clock, m *metrics.Collector, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = discardLogger()
	}
	return &Sender{
		peer:    peer,
		clock:   c,
		metrics: m,
		logger:  logger.With(slog.String("component", "bdc.sender")),
	}
}

// RegisterTx validates and stores the payload for a new transfer,
// transitioning Idle -> Registered. Mirrors
// mtk_bulk_data_collection_register_tx's length check: the payload must
// fit in at most MaxSubPackets sub-packets. Fails with protoerr.ErrBusy if
// a transfer is already in flight.
func (s *Sender) RegisterTx(packetID uint16, payload []byte, cfg SenderConfig) error {
	n, err := NumSubPackets(len(payload))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sending {
		return protoerr.ErrBusy
	}

	periodMS := cfg.PeriodMS
	if periodMS == 0 {
		periodMS = DefaultPeriodMS
	}

	value := make([]byte, len(payload))
	copy(value, payload)

	s.packetID = packetID
	s.payload = value
	s.nSubPackets = n
	s.periodMS = periodMS
	s.state = SenderRegistered
	return nil
}

// Start transitions Registered -> Armed -> Sending: announces the transfer
// with a signal frame, then begins paced emission of every sub-packet.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SenderRegistered {
		s.mu.Unlock()
		return protoerr.ErrInternal
	}
	s.state = SenderArmed
	s.pending = WholeMask(s.nSubPackets)
	s.sending = true
	packetID := s.packetID
	n := s.nSubPackets
	s.mu.Unlock()

	signal := wire.EncodeBDCSignal(wire.BDCSignal{PacketID: packetID, NSubPackets: n})
	if err := s.peer.SendUnicast(ctx, signal); err != nil {
		s.logger.Warn("signal send failed", slog.Any("error", err))
	}

	s.mu.Lock()
	s.state = SenderSending
	s.mu.Unlock()

	s.emitNext()
	return nil
}

// HandleRequest applies a peer's retransmission request: it narrows the
// pending mask to the requested sub-packets and, if the session had gone
// quiet, re-arms paced emission from Idle without requiring the host to
// call RegisterTx/Start again.
func (s *Sender) HandleRequest(req wire.BDCRequest) {
	s.mu.Lock()
	if s.nSubPackets == 0 || req.PacketID != s.packetID {
		s.mu.Unlock()
		return
	}

	s.pending = req.Mask & WholeMask(s.nSubPackets)
	if req.PeriodMS > 0 {
		s.periodMS = req.PeriodMS
	}
	if s.metrics != nil {
		s.metrics.BDCRetransmitRequests.Inc()
	}

	resume := s.pending != 0
	if resume {
		s.state = SenderSending
		s.sending = true
	}
	s.mu.Unlock()

	if resume {
		s.emitNext()
	}
}

// Cancel aborts any in-progress transfer, clearing the busy flag so a new
// RegisterTx can proceed. The busy flag is cleared on both completion and
// cancellation, never left set once a session stops running.
func (s *Sender) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.state = SenderIdle
	s.sending = false
	s.pending = 0
}

// State reports the sender's current FSM state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// emitNext sends the lowest-indexed pending sub-packet, then either re-arms
// the pacing timer or, once the mask is empty, returns to Idle and clears
// the busy flag.
func (s *Sender) emitNext() {
	s.mu.Lock()
	if s.pending == 0 {
		s.state = SenderIdle
		s.sending = false
		s.mu.Unlock()
		return
	}

	idx := uint8(bits.TrailingZeros64(s.pending))
	s.pending &^= uint64(1) << idx
	packetID := s.packetID
	n := s.nSubPackets
	payload := sliceFor(s.payload, idx)
	periodMS := s.periodMS
	pendingAfter := s.pending
	s.mu.Unlock()

	bufp := wire.AcquireBuffer(wire.HeaderSize + len(payload) + 8)
	*bufp = wire.EncodeBDCSubPacketInto(*bufp, wire.BDCSubPacket{
		PacketID: packetID, Index: idx, NSubPackets: n, Payload: payload,
	})
	err := s.peer.SendUnicast(context.Background(), *bufp)
	wire.ReleaseBuffer(bufp)

	if err != nil {
		s.logger.Warn("sub-packet send failed", slog.Uint64("packet_id", uint64(packetID)), slog.Any("error", err))
	} else if s.metrics != nil {
		s.metrics.BDCSubPacketsSent.Inc()
	}

	if pendingAfter == 0 {
		s.mu.Lock()
		s.state = SenderIdle
		s.sending = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.timer = s.clock.AfterFunc(time.Duration(periodMS)*time.Millisecond, s.emitNext)
	s.mu.Unlock()
}

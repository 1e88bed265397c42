package bdc

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/lumenmesh/meshproto/internal/clock"
	"github.com/lumenmesh/meshproto/internal/metrics"
	"github.com/lumenmesh/meshproto/internal/wire"
)

// MaxRetransmitRequests bounds how many retransmission requests a receiver
// will issue for one session before giving up, matching
// LP_MAX_NUM_RETRANSMISSION_REQUESTS.
const MaxRetransmitRequests = 4

// timeoutMultiplier is how many multiples of period_ms the receiver waits
// for activity before issuing a retransmission request or declaring a
// session failed.
const timeoutMultiplier = 10

// ReceiveState is one state of the BDC Receiver FSM:
// Idle -> Collecting -> Done | Failed.
type ReceiveState int

const (
	ReceiveIdle ReceiveState = iota
	ReceiveCollecting
	ReceiveDone
	ReceiveFailed
)

// ReceiverConfig configures the retransmission cadence a Receiver
// advertises to its peer, and its lossy-link simulation.
type ReceiverConfig struct {
	// PeriodMS is the pacing the receiver requests from the sender when
	// asking for missing sub-packets. Zero selects DefaultPeriodMS.
	PeriodMS uint16

	// FaultRate is the probability, in [0, 1), that an arriving sub-packet
	// is discarded before it is stored, simulating a lossy link. Mirrors
	// the worker's lp_fault_injected() check on the receive path. Zero
	// disables fault injection.
	FaultRate float64
}

// CompleteFunc is invoked once a transfer finishes assembling, with the
// reconstructed payload.
type CompleteFunc func(packetID uint16, payload []byte)

// Receiver is the BDC Receiver FSM for one transfer session.
type Receiver struct {
	mu sync.Mutex

	peer       PeerSender
	clock      clock.Clock
	metrics    *metrics.Collector
	logger     *slog.Logger
	onComplete CompleteFunc
	rng        *rand.Rand

	state        ReceiveState
	packetID     uint16
	nSubPackets  uint8
	periodMS     uint16
	faultRate    float64
	subpackets   [][]byte
	receivedMask uint64
	retries      int
	timer        clock.CancelTimer
}

// NewReceiver constructs a Receiver bound to a single peer connection.
// onComplete may be nil.
func NewReceiver(peer PeerSender, c clock.Clock, m *metrics.Collector, logger *slog.Logger, onComplete CompleteFunc) *Receiver {
	if logger == nil {
		logger = discardLogger()
	}
	return &Receiver{
		peer:       peer,
		clock:      c,
		metrics:    m,
		logger:     logger.With(slog.String("component", "bdc.receiver")),
		onComplete: onComplete,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// HandleSignal begins collecting a new session, transitioning to
// Collecting. A signal for a session already in progress restarts
// collection from scratch — the originating node is authoritative for
// what transfer is current.
func (r *Receiver) HandleSignal(sig wire.BDCSignal, cfg ReceiverConfig) {
	periodMS := cfg.PeriodMS
	if periodMS == 0 {
		periodMS = DefaultPeriodMS
	}

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.state = ReceiveCollecting
	r.packetID = sig.PacketID
	r.nSubPackets = sig.NSubPackets
	r.periodMS = periodMS
	r.faultRate = cfg.FaultRate
	r.subpackets = make([][]byte, sig.NSubPackets)
	r.receivedMask = 0
	r.retries = 0
	r.mu.Unlock()

	r.armTimeout()
}

// HandleSubPacket stores a sub-packet for the current session. The event is
// first subjected to the configured fault rate, simulating a lossy link by
// discarding an already-arrived sub-packet before it is ever inspected.
// Surviving sub-packets for an unknown packet_id, an out-of-range index, or
// a slot already filled are dropped (the last case counted as a duplicate).
func (r *Receiver) HandleSubPacket(sp wire.BDCSubPacket) {
	r.mu.Lock()
	if r.faultRate > 0 && r.rng.Float64() < r.faultRate {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.BDCFaultsInjected.Inc()
		}
		return
	}

	if r.state != ReceiveCollecting || sp.PacketID != r.packetID || int(sp.Index) >= len(r.subpackets) {
		r.mu.Unlock()
		return
	}

	bit := uint64(1) << sp.Index
	if r.receivedMask&bit != 0 {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.BDCSubPacketsDup.Inc()
		}
		return
	}

	payload := make([]byte, len(sp.Payload))
	copy(payload, sp.Payload)
	r.subpackets[sp.Index] = payload
	r.receivedMask |= bit

	done := r.receivedMask == WholeMask(r.nSubPackets)
	var assembled []byte
	packetID := r.packetID
	if done {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.state = ReceiveDone
		assembled = assemble(r.subpackets)
	} else {
		// Restart the inactivity timeout from this sub-packet.
		if r.timer != nil {
			r.timer.Stop()
		}
		r.timer = r.clock.AfterFunc(time.Duration(timeoutMultiplier*int(r.periodMS))*time.Millisecond, r.onTimeout)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.BDCSubPacketsReceived.Inc()
	}
	if done {
		if r.metrics != nil {
			r.metrics.BDCSessionsCompleted.Inc()
		}
		if r.onComplete != nil {
			r.onComplete(packetID, assembled)
		}
	}
}

// State reports the receiver's current FSM state.
func (r *Receiver) State() ReceiveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) armTimeout() {
	r.mu.Lock()
	periodMS := r.periodMS
	r.timer = r.clock.AfterFunc(time.Duration(timeoutMultiplier*int(periodMS))*time.Millisecond, r.onTimeout)
	r.mu.Unlock()
}

// onTimeout fires when no sub-packet has arrived for 10*period_ms. It
// either requests the missing sub-packets (retrying up to
// MaxRetransmitRequests times) or declares the session Failed.
func (r *Receiver) onTimeout() {
	r.mu.Lock()
	if r.state != ReceiveCollecting {
		r.mu.Unlock()
		return
	}

	r.retries++
	if r.retries > MaxRetransmitRequests {
		r.state = ReceiveFailed
		packetID := r.packetID
		r.mu.Unlock()

		r.logger.Warn("bdc session failed: retransmission budget exhausted", slog.Uint64("packet_id", uint64(packetID)))
		if r.metrics != nil {
			r.metrics.BDCSessionsFailed.Inc()
		}
		return
	}

	missing := (^r.receivedMask) & WholeMask(r.nSubPackets)
	req := wire.BDCRequest{PacketID: r.packetID, Mask: missing, PeriodMS: r.periodMS}
	r.mu.Unlock()

	frame := wire.EncodeBDCRequest(req)
	if err := r.peer.SendUnicast(context.Background(), frame); err != nil {
		r.logger.Warn("retransmit request send failed", slog.Any("error", err))
	}
	if r.metrics != nil {
		r.metrics.BDCRetransmitRequests.Inc()
	}

	// The request round-trip above may have synchronously completed the
	// session (a fast loopback peer can deliver and assemble the missing
	// sub-packets before SendUnicast returns); only re-arm if still waiting.
	r.mu.Lock()
	stillCollecting := r.state == ReceiveCollecting
	r.mu.Unlock()
	if stillCollecting {
		r.armTimeout()
	}
}

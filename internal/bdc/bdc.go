// Package bdc implements Bulk Data Collection: selective-repeat fragmented
// reliable transfer between one sender and one receiver per session (spec
// components E and F). A node that needs to run several concurrent
// transfers instantiates one Sender or Receiver per session; packet_id is
// not scoped by source address, so the host is responsible for keeping
// sessions separated (e.g. one Receiver per remote peer it tracks).
package bdc

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// discardLogger is the fallback logger used when a caller passes nil,
// matching bss.NewEngine's same defensive default.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SubMax is the maximum payload size of a single sub-packet, in bytes.
const SubMax = 330

// MaxSubPackets is the largest number of sub-packets a single transfer may
// be split into; the selective-repeat mask is a uint64 so this is a hard
// ceiling.
const MaxSubPackets = 64

// ErrPayloadTooLarge is returned when a registered payload would need more
// than MaxSubPackets sub-packets.
var ErrPayloadTooLarge = errors.New("bdc: payload exceeds 64 sub-packets")

// PeerSender transmits a framed BDC message (signal, request, or
// sub-packet) to the single peer a session is bound to. Implemented by
// internal/netio over unicast UDP to port 1520.
type PeerSender interface {
	SendUnicast(ctx context.Context, payload []byte) error
}

// NumSubPackets reports how many SubMax-sized fragments payloadLen bytes
// splits into, mirroring mtk_bulk_data_collection_n_sub_packets_get.
func NumSubPackets(payloadLen int) (uint8, error) {
	if payloadLen == 0 {
		return 0, nil
	}
	n := (payloadLen + SubMax - 1) / SubMax
	if n > MaxSubPackets {
		return 0, ErrPayloadTooLarge
	}
	return uint8(n), nil
}

// WholeMask returns the mask with the low n bits set, representing "every
// sub-packet outstanding" — mirrors mtk_bulk_data_collection_send_whole_mask_get.
// n == 64 is treated specially since 1<<64 overflows a uint64.
func WholeMask(n uint8) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << n) - 1
}

// assemble concatenates sub-packet payloads in index order into the
// original transferred payload.
func assemble(parts [][]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// sliceFor returns the idx'th SubMax-sized fragment of payload, shrinking
// the final fragment to whatever remains, per mtk_bdc_utils' sub-packet
// length rule.
func sliceFor(payload []byte, idx uint8) []byte {
	start := int(idx) * SubMax
	if start >= len(payload) {
		return nil
	}
	end := start + SubMax
	if end > len(payload) {
		end = len(payload)
	}
	return payload[start:end]
}

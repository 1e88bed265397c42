// Package wire packs and unpacks the four mesh protocol message families in
// little-endian binary: BSS update (no header, distinguished by UDP port),
// BDC signal, BDC request, and BDC sub-packet.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// HeaderSize is the byte width of every BDC message's magic header.
const HeaderSize = 2

var (
	bdcSignalHeader    = [HeaderSize]byte{0x54, 0xAB}
	bdcRequestHeader   = [HeaderSize]byte{0xF2, 0x2A}
	bdcSubPacketHeader = [HeaderSize]byte{0x1F, 0xB3}
)

// Sentinel errors returned by the decoders. Malformed frames are always
// reported this way so callers can silently drop and count them — none of
// these errors should ever tear down a session.
var (
	ErrShortFrame    = errors.New("wire: frame shorter than header")
	ErrLengthMismatch = errors.New("wire: declared length does not match frame size")
	ErrUnknownHeader = errors.New("wire: unrecognised BDC magic header")
)

// BSSUpdate is the BSS broadcast frame: data_id ‖ version ‖ value. It has no
// magic header; BSS frames are distinguished from BDC frames by arriving on
// a different UDP port/socket.
type BSSUpdate struct {
	DataID  uint32
	Version uint32
	Value   []byte
}

// bssHeaderSize is the byte width of the data_id‖version prefix.
const bssHeaderSize = 8

// DecodeBSSUpdate parses a BSS frame. Frames shorter than 8 bytes are
// dropped; the value length is derived from the datagram size, there is no
// declared-length field to cross-check.
func DecodeBSSUpdate(b []byte) (BSSUpdate, error) {
	if len(b) < bssHeaderSize {
		return BSSUpdate{}, ErrShortFrame
	}
	value := make([]byte, len(b)-bssHeaderSize)
	copy(value, b[bssHeaderSize:])
	return BSSUpdate{
		DataID:  binary.LittleEndian.Uint32(b[0:4]),
		Version: binary.LittleEndian.Uint32(b[4:8]),
		Value:   value,
	}, nil
}

// EncodeBSSUpdate serialises u into a newly allocated buffer.
func EncodeBSSUpdate(u BSSUpdate) []byte {
	buf := make([]byte, bssHeaderSize+len(u.Value))
	binary.LittleEndian.PutUint32(buf[0:4], u.DataID)
	binary.LittleEndian.PutUint32(buf[4:8], u.Version)
	copy(buf[8:], u.Value)
	return buf
}

// BDCSignal advertises a sender's readiness to serve packet_id, split into
// n_sub_packets sub-packets.
type BDCSignal struct {
	PacketID     uint16
	NSubPackets  uint8
}

const bdcSignalBodySize = 2 + 1 // packet_id + n_sub_packets

// EncodeBDCSignal serialises a BDC signal frame.
func EncodeBDCSignal(s BDCSignal) []byte {
	buf := make([]byte, HeaderSize+bdcSignalBodySize)
	copy(buf, bdcSignalHeader[:])
	binary.LittleEndian.PutUint16(buf[2:4], s.PacketID)
	buf[4] = s.NSubPackets
	return buf
}

// DecodeBDCSignal parses a BDC signal frame. The caller must have already
// matched the header via IdentifyBDC.
func DecodeBDCSignal(b []byte) (BDCSignal, error) {
	if len(b) != HeaderSize+bdcSignalBodySize {
		return BDCSignal{}, fmt.Errorf("%w: got %d bytes, want %d",
			ErrLengthMismatch, len(b), HeaderSize+bdcSignalBodySize)
	}
	return BDCSignal{
		PacketID:    binary.LittleEndian.Uint16(b[2:4]),
		NSubPackets: b[4],
	}, nil
}

// BDCRequest asks a peer to (re)transmit the sub-packets selected by Mask.
type BDCRequest struct {
	PacketID uint16
	Mask     uint64
	PeriodMS uint16
}

const bdcRequestBodySize = 2 + 8 + 2 // packet_id + mask + period_ms

// EncodeBDCRequest serialises a BDC request frame.
func EncodeBDCRequest(r BDCRequest) []byte {
	buf := make([]byte, HeaderSize+bdcRequestBodySize)
	copy(buf, bdcRequestHeader[:])
	binary.LittleEndian.PutUint16(buf[2:4], r.PacketID)
	binary.LittleEndian.PutUint64(buf[4:12], r.Mask)
	binary.LittleEndian.PutUint16(buf[12:14], r.PeriodMS)
	return buf
}

// DecodeBDCRequest parses a BDC request frame. The caller must have already
// matched the header via IdentifyBDC.
func DecodeBDCRequest(b []byte) (BDCRequest, error) {
	if len(b) != HeaderSize+bdcRequestBodySize {
		return BDCRequest{}, fmt.Errorf("%w: got %d bytes, want %d",
			ErrLengthMismatch, len(b), HeaderSize+bdcRequestBodySize)
	}
	return BDCRequest{
		PacketID: binary.LittleEndian.Uint16(b[2:4]),
		Mask:     binary.LittleEndian.Uint64(b[4:12]),
		PeriodMS: binary.LittleEndian.Uint16(b[12:14]),
	}, nil
}

// BDCSubPacket carries one fragment of a large packet's payload.
type BDCSubPacket struct {
	PacketID    uint16
	Index       uint8
	NSubPackets uint8
	Payload     []byte
}

const bdcSubPacketHeaderFields = 2 + 1 + 1 + 2 // packet_id + index + n_sub_packets + payload_len

// EncodeBDCSubPacket serialises a BDC sub-packet frame.
func EncodeBDCSubPacket(sp BDCSubPacket) []byte {
	buf := make([]byte, HeaderSize+bdcSubPacketHeaderFields+len(sp.Payload))
	copy(buf, bdcSubPacketHeader[:])
	binary.LittleEndian.PutUint16(buf[2:4], sp.PacketID)
	buf[4] = sp.Index
	buf[5] = sp.NSubPackets
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(sp.Payload)))
	copy(buf[8:], sp.Payload)
	return buf
}

// DecodeBDCSubPacket parses a BDC sub-packet frame. The caller must have
// already matched the header via IdentifyBDC.
func DecodeBDCSubPacket(b []byte) (BDCSubPacket, error) {
	if len(b) < HeaderSize+bdcSubPacketHeaderFields {
		return BDCSubPacket{}, ErrShortFrame
	}
	payloadLen := binary.LittleEndian.Uint16(b[6:8])
	want := HeaderSize + bdcSubPacketHeaderFields + int(payloadLen)
	if len(b) != want {
		return BDCSubPacket{}, fmt.Errorf("%w: got %d bytes, want %d",
			ErrLengthMismatch, len(b), want)
	}
	payload := make([]byte, payloadLen)
	copy(payload, b[8:])
	return BDCSubPacket{
		PacketID:    binary.LittleEndian.Uint16(b[2:4]),
		Index:       b[4],
		NSubPackets: b[5],
		Payload:     payload,
	}, nil
}

// EncodeBDCSubPacketInto serialises sp into buf, growing it if its capacity
// is insufficient, and returns the resulting frame. Intended for use with a
// buffer obtained from AcquireBuffer, so the BDC sender's steady-state paced
// send path does not allocate a new frame for every sub-packet.
func EncodeBDCSubPacketInto(buf []byte, sp BDCSubPacket) []byte {
	need := HeaderSize + bdcSubPacketHeaderFields + len(sp.Payload)
	if cap(buf) < need {
		buf = make([]byte, need)
	} else {
		buf = buf[:need]
	}
	copy(buf, bdcSubPacketHeader[:])
	binary.LittleEndian.PutUint16(buf[2:4], sp.PacketID)
	buf[4] = sp.Index
	buf[5] = sp.NSubPackets
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(sp.Payload)))
	copy(buf[8:], sp.Payload)
	return buf
}

// Kind identifies which of the three headered BDC message families a frame
// belongs to.
type Kind int

const (
	// KindUnknown means the frame's header matched none of the known BDC
	// magic values. Such frames are silently ignored to allow coexistence
	// with other protocols sharing the port.
	KindUnknown Kind = iota
	KindBDCSignal
	KindBDCRequest
	KindBDCSubPacket
)

// IdentifyBDC inspects the leading header bytes of a frame received on the
// BDC port and reports which message family it belongs to, without fully
// decoding the body.
func IdentifyBDC(b []byte) Kind {
	if len(b) < HeaderSize {
		return KindUnknown
	}
	switch {
	case b[0] == bdcSignalHeader[0] && b[1] == bdcSignalHeader[1]:
		return KindBDCSignal
	case b[0] == bdcRequestHeader[0] && b[1] == bdcRequestHeader[1]:
		return KindBDCRequest
	case b[0] == bdcSubPacketHeader[0] && b[1] == bdcSubPacketHeader[1]:
		return KindBDCSubPacket
	default:
		return KindUnknown
	}
}

// bufPool recycles sub-packet payload scratch buffers across the hot send
// path for zero-allocation framing on the steady-state send path.
var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, HeaderSize+bdcSubPacketHeaderFields+330)
		return &buf
	},
}

// AcquireBuffer returns a pooled scratch buffer with at least the given
// capacity, resetting its length to zero.
func AcquireBuffer(capHint int) *[]byte {
	bp := bufPool.Get().(*[]byte)
	if cap(*bp) < capHint {
		*bp = make([]byte, 0, capHint)
	}
	*bp = (*bp)[:0]
	return bp
}

// ReleaseBuffer returns a scratch buffer acquired via AcquireBuffer to the
// pool.
func ReleaseBuffer(buf *[]byte) {
	bufPool.Put(buf)
}

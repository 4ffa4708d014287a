// Package hci implements the Linux HCI/ATT wire codecs (spec §4.1): HCI
// packet framing, ACL fragment reassembly, LE meta-event decoding,
// advertising data TLV parsing, and ATT PDU encode/decode.
//
// Every decoder follows the same failure contract: Done (bytes consumed,
// value produced), Incomplete (caller must wait for more bytes and retry
// with the same buffer), or Error (the offending element is unusable; the
// caller drops one byte and resumes scanning rather than desynchronizing
// the whole stream).
package hci

import "errors"

// PacketType is byte 0 of every frame written to or read from the raw HCI
// socket.
type PacketType byte

const (
	PacketCommand PacketType = 0x01
	PacketACLData PacketType = 0x02
	PacketEvent   PacketType = 0x04
)

// Status is the outcome of a single decode attempt.
type Status int

const (
	StatusDone Status = iota
	StatusIncomplete
	StatusError
)

// ErrIncomplete and ErrMalformed are returned alongside StatusIncomplete and
// StatusError respectively so callers that prefer Go's error idiom can use
// errors.Is instead of switching on Status.
var (
	ErrIncomplete = errors.New("hci: incomplete frame")
	ErrMalformed  = errors.New("hci: malformed frame")
)

// RawPacket is one fully-framed HCI packet as read from the socket.
type RawPacket struct {
	Type PacketType

	// Event fields (Type == PacketEvent).
	EventCode EventCode
	EventData []byte

	// ACL fields (Type == PacketACLData).
	ConnHandle uint16
	PBFlag     PBFlag
	ACLData    []byte
}

// SplitPacket attempts to read one complete HCI packet from the front of
// buf. It returns the packet, the number of bytes consumed, and a Status:
// StatusIncomplete means buf does not yet hold a full packet (consumed is
// always 0 in that case); StatusError means the leading byte is not a
// recognized packet type and the caller should drop exactly one byte and
// retry.
func SplitPacket(buf []byte) (pkt RawPacket, consumed int, status Status) {
	if len(buf) < 1 {
		return RawPacket{}, 0, StatusIncomplete
	}

	switch PacketType(buf[0]) {
	case PacketEvent:
		return splitEventPacket(buf)
	case PacketACLData:
		return splitACLPacket(buf)
	default:
		return RawPacket{}, 0, StatusError
	}
}

func splitEventPacket(buf []byte) (RawPacket, int, Status) {
	if len(buf) < 3 {
		return RawPacket{}, 0, StatusIncomplete
	}
	code := EventCode(buf[1])
	plen := int(buf[2])
	total := 3 + plen
	if len(buf) < total {
		return RawPacket{}, 0, StatusIncomplete
	}
	data := make([]byte, plen)
	copy(data, buf[3:total])
	return RawPacket{Type: PacketEvent, EventCode: code, EventData: data}, total, StatusDone
}

// PBFlag is the packet-boundary flag of an ACL data packet (spec §4.1).
type PBFlag byte

const (
	PBStartNoFlush PBFlag = 0
	PBCont         PBFlag = 1
	PBStart        PBFlag = 2
)

func splitACLPacket(buf []byte) (RawPacket, int, Status) {
	if len(buf) < 5 {
		return RawPacket{}, 0, StatusIncomplete
	}
	handleAndFlags := uint16(buf[1]) | uint16(buf[2])<<8
	handle := handleAndFlags & 0x0FFF
	pb := PBFlag((handleAndFlags >> 12) & 0x3)
	dlen := int(buf[3]) | int(buf[4])<<8
	total := 5 + dlen
	if len(buf) < total {
		return RawPacket{}, 0, StatusIncomplete
	}
	data := make([]byte, dlen)
	copy(data, buf[5:total])
	return RawPacket{Type: PacketACLData, ConnHandle: handle, PBFlag: pb, ACLData: data}, total, StatusDone
}

// EncodeACLDataPacket frames one ACL data fragment for transmission. The
// caller is responsible for L2CAP-level fragmentation if payload exceeds the
// connection's negotiated ACL MTU; the core GATT traffic this library sends
// always fits in a single fragment.
func EncodeACLDataPacket(handle uint16, pb PBFlag, payload []byte) []byte {
	out := make([]byte, 0, 5+len(payload))
	handleAndFlags := (handle & 0x0FFF) | (uint16(pb)&0x3)<<12
	out = append(out, byte(PacketACLData))
	out = append(out, byte(handleAndFlags), byte(handleAndFlags>>8))
	out = append(out, byte(len(payload)), byte(len(payload)>>8))
	out = append(out, payload...)
	return out
}

// Reassembler accumulates ACL fragments for one connection handle into
// complete L2CAP frames, then strips the 4-byte L2CAP basic header (length +
// channel id) to yield a bare ATT PDU. A Cont fragment observed before any
// Start fragment is dropped (spec §8 boundary behavior).
type Reassembler struct {
	pending    []byte
	want       int
	haveStart  bool
}

// Feed processes one ACL fragment. It returns the reassembled ATT PDU and
// true once the declared L2CAP length has been received; otherwise it
// returns (nil, false) and the fragment's bytes are buffered internally.
func (r *Reassembler) Feed(pb PBFlag, data []byte) ([]byte, bool) {
	switch pb {
	case PBStart, PBStartNoFlush:
		if len(data) < 4 {
			// Malformed: not even an L2CAP header. Drop.
			r.reset()
			return nil, false
		}
		l2capLen := int(data[0]) | int(data[1])<<8
		r.pending = append([]byte(nil), data[4:]...)
		r.want = l2capLen
		r.haveStart = true
	case PBCont:
		if !r.haveStart {
			// Dropped with a warning by the caller (logging is the
			// backend's responsibility, not the codec's).
			return nil, false
		}
		r.pending = append(r.pending, data...)
	}

	if r.haveStart && len(r.pending) >= r.want {
		out := r.pending[:r.want]
		r.reset()
		return out, true
	}
	return nil, false
}

func (r *Reassembler) reset() {
	r.pending = nil
	r.want = 0
	r.haveStart = false
}

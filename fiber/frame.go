// Package fiber implements the L3 stream-multiplexing layer: many
// independent, flow-controlled, bidirectional byte streams ("fibers")
// demultiplexed over one underlying stream socket.
package fiber

import (
	"encoding/binary"

	"github.com/5l1v3r1/ssf/sserr"
	"github.com/5l1v3r1/ssf/utils"
)

// FrameType is the wire "type" byte.
type FrameType byte

const (
	StreamData FrameType = iota
	StreamSyn
	StreamSynAck
	StreamRst
	StreamFin
	StreamAck // credit update
	Dgram
	Keepalive
)

func (t FrameType) String() string {
	switch t {
	case StreamData:
		return "STREAM_DATA"
	case StreamSyn:
		return "STREAM_SYN"
	case StreamSynAck:
		return "STREAM_SYN_ACK"
	case StreamRst:
		return "STREAM_RST"
	case StreamFin:
		return "STREAM_FIN"
	case StreamAck:
		return "STREAM_ACK"
	case Dgram:
		return "DGRAM"
	case Keepalive:
		return "KEEPALIVE"
	default:
		return "UNKNOWN"
	}
}

const ProtocolVersion byte = 1

// HeaderLen is the fixed 16-byte frame header: version(1) type(1) flags(1)
// reserved(1) src-port(4) dst-port(4) payload-length(2) checksum(2).
const HeaderLen = 16

// MaxPayload bounds a single frame's payload; bigger than this and the wire
// format's uint16 payload-length field can't represent it anyway.
const MaxPayload = 1<<16 - 1

// MTU is the negotiated per-frame payload ceiling this layer actually uses
// (§8 "Payload-length > MTU" teardown case). It sits well under MaxPayload
// so a peer claiming a payload-length past it is a protocol violation the
// wire format itself can still represent, not an impossible uint16 value.
const MTU = 16 * 1024

// Frame is one parsed wire frame. Payload aliases into a pooled buffer that
// the receiver must return via utils.PutBytes once done with it (or, for
// control frames with no payload, Payload is nil).
type Frame struct {
	Type    FrameType
	Flags   byte
	SrcPort uint32
	DstPort uint32
	Payload []byte
}

// Encode serializes f into a freshly-allocated buffer (header + payload).
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderLen+len(f.Payload))
	f.encodeHeader(buf, len(f.Payload))
	copy(buf[HeaderLen:], f.Payload)
	checksum := crc16CCITT(buf[:HeaderLen])
	binary.LittleEndian.PutUint16(buf[14:16], checksum)
	return buf
}

// EncodeHeader writes just the 16-byte header (checksum included) into hdr,
// which must be at least HeaderLen bytes; used by the writer to send header
// and payload as two vectored writes without copying the payload.
func (f *Frame) EncodeHeader(hdr []byte) {
	f.encodeHeader(hdr, len(f.Payload))
	checksum := crc16CCITT(hdr[:HeaderLen])
	binary.LittleEndian.PutUint16(hdr[14:16], checksum)
}

func (f *Frame) encodeHeader(buf []byte, payloadLen int) {
	buf[0] = ProtocolVersion
	buf[1] = byte(f.Type)
	buf[2] = f.Flags
	buf[3] = 0 // reserved
	binary.LittleEndian.PutUint32(buf[4:8], f.SrcPort)
	binary.LittleEndian.PutUint32(buf[8:12], f.DstPort)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(payloadLen))
	binary.LittleEndian.PutUint16(buf[14:16], 0)
}

// DecodeHeader parses the 16-byte header in hdr and validates its checksum.
// It returns the frame (with Payload left nil) and the payload length to
// read next.
func DecodeHeader(hdr []byte) (f Frame, payloadLen int, err error) {
	if len(hdr) < HeaderLen {
		err = utils.ErrShortRead
		return
	}
	gotChecksum := binary.LittleEndian.Uint16(hdr[14:16])

	check := make([]byte, HeaderLen)
	copy(check, hdr[:HeaderLen])
	binary.LittleEndian.PutUint16(check[14:16], 0)
	wantChecksum := crc16CCITT(check)

	if gotChecksum != wantChecksum {
		err = sserr.ErrChecksumMismatch
		return
	}

	if hdr[0] != ProtocolVersion {
		err = sserr.ErrProtocolViolation
		return
	}

	f.Type = FrameType(hdr[1])
	f.Flags = hdr[2]
	f.SrcPort = binary.LittleEndian.Uint32(hdr[4:8])
	f.DstPort = binary.LittleEndian.Uint32(hdr[8:12])
	payloadLen = int(binary.LittleEndian.Uint16(hdr[12:14]))
	return
}

// crc16CCITT computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF) over
// data, matching the header-fields-with-checksum-zeroed convention of §6.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Package admin implements the L4 control-plane protocol: a microservice
// pinned to a reserved fiber port that negotiates startup, spawns and stops
// remote microservices on demand, and maintains liveness via keepalive.
package admin

import (
	"encoding/binary"
	"io"

	"github.com/5l1v3r1/ssf/sserr"
	"github.com/5l1v3r1/ssf/utils"
)

// HeaderLen is the fixed admin message header: serial(4) | command-id(4) |
// length(4), little-endian, per §6.
const HeaderLen = 12

// CommandID identifies an admin message's purpose.
type CommandID uint32

const (
	CmdHello CommandID = iota + 1
	CmdCreateService
	CmdStopService
	CmdServiceStatus
	CmdKeepalive
)

func (c CommandID) String() string {
	switch c {
	case CmdHello:
		return "HELLO"
	case CmdCreateService:
		return "CREATE_SERVICE"
	case CmdStopService:
		return "STOP_SERVICE"
	case CmdServiceStatus:
		return "SERVICE_STATUS"
	case CmdKeepalive:
		return "KEEPALIVE"
	default:
		return "UNKNOWN"
	}
}

// Message is one parsed admin protocol message.
type Message struct {
	Serial  uint32
	Command CommandID
	Payload []byte
}

func (m *Message) Encode() []byte {
	buf := make([]byte, HeaderLen+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], m.Serial)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Command))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.Payload)))
	copy(buf[HeaderLen:], m.Payload)
	return buf
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	hdr := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	m := &Message{
		Serial:  binary.LittleEndian.Uint32(hdr[0:4]),
		Command: CommandID(binary.LittleEndian.Uint32(hdr[4:8])),
	}
	length := binary.LittleEndian.Uint32(hdr[8:12])
	if length > 0 {
		if length > uint32(utils.MaxBufLen) {
			return nil, sserr.ErrProtocolViolation
		}
		m.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

package service

import (
	"github.com/5l1v3r1/ssf/fiber"
)

// DgramEchoFactory produces the connectionless counterpart to EchoFactory:
// every DGRAM frame it receives (§4.4) is sent straight back to whoever
// sent it, source and destination ports swapped. Grounded on the same
// teacher shape as echo.go (accept, then bounce bytes back unmodified),
// adapted to fiber.Demux's per-demux DgramHandler instead of a per-fiber
// io.Copy since datagrams have no connection to accept.
type DgramEchoFactory struct{}

type dgramEchoInstance struct {
	demux *fiber.Demux
}

func (DgramEchoFactory) New(demux *fiber.Demux, params map[string]interface{}) (Instance, error) {
	return &dgramEchoInstance{demux: demux}, nil
}

func (d *dgramEchoInstance) ServiceID() string { return "dgramecho" }

func (d *dgramEchoInstance) Start(callback func(error)) {
	d.demux.SetDgramHandler(func(srcPort, dstPort uint32, payload []byte) {
		d.demux.SendDgram(dstPort, srcPort, payload)
	})
	callback(nil)
}

func (d *dgramEchoInstance) Stop(callback func(error)) {
	d.demux.SetDgramHandler(nil)
	callback(nil)
}

package service

import (
	"context"
	"io"

	"github.com/5l1v3r1/ssf/fiber"
	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

// EchoFactory produces the loopback echo microservice required by §8
// scenario 1: every fiber opened to its port gets back exactly the bytes it
// sent. Grounded on the teacher's proxy/direct.go direct-dial Handshake
// shape (accept, then pump bytes) minus the dialing — echo has no next hop.
type EchoFactory struct{}

type echoInstance struct {
	demux    *fiber.Demux
	port     uint32
	listener *fiber.Listener
	cancel   context.CancelFunc
}

func (EchoFactory) New(demux *fiber.Demux, params map[string]interface{}) (Instance, error) {
	port, _ := params["port"].(float64) // JSON numbers decode as float64
	return &echoInstance{demux: demux, port: uint32(port)}, nil
}

func (e *echoInstance) ServiceID() string { return "echo" }

func (e *echoInstance) Start(callback func(error)) {
	listener, err := e.demux.Listen(e.port)
	if err != nil {
		callback(err)
		return
	}
	e.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	go e.acceptLoop(ctx)
	callback(nil)
}

func (e *echoInstance) acceptLoop(ctx context.Context) {
	for {
		fib, err := e.listener.Accept(ctx)
		if err != nil {
			return
		}
		go echoOne(fib)
	}
}

func echoOne(fib *fiber.Fiber) {
	defer fib.Close()
	if _, err := io.Copy(fib, fib); err != nil {
		if ce := utils.CanLogDebug("echo fiber finished"); ce != nil {
			ce.Write(zap.Uint32("port", fib.LocalPort()), zap.Error(err))
		}
	}
}

func (e *echoInstance) Stop(callback func(error)) {
	if e.cancel != nil {
		e.cancel()
	}
	if e.listener != nil {
		e.listener.Close()
	}
	callback(nil)
}

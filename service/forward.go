package service

import (
	"context"
	"fmt"

	"github.com/5l1v3r1/ssf/fiber"
	"github.com/5l1v3r1/ssf/netLayer"
	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

// ForwardFactory produces the static TCP port-forward microservice (§4.5):
// every fiber opened to its port is dialed out to a fixed host:port and the
// two are relayed. Grounded on netLayer.Addr.Dial + netLayer.Relay, which is
// exactly how the teacher's proxy/direct.go Handshake step bridges an
// accepted connection to its dialed target.
type ForwardFactory struct{}

type forwardInstance struct {
	demux      *fiber.Demux
	listenPort uint32
	target     netLayer.Addr
	listener   *fiber.Listener
	cancel     context.CancelFunc
}

func (ForwardFactory) New(demux *fiber.Demux, params map[string]interface{}) (Instance, error) {
	listenPort, _ := params["port"].(float64)
	targetHost, _ := params["target_host"].(string)
	targetPort, _ := params["target_port"].(float64)

	target, err := netLayer.NewAddrByHostPort(fmt.Sprintf("%s:%d", targetHost, int(targetPort)))
	if err != nil {
		return nil, err
	}

	return &forwardInstance{
		demux:      demux,
		listenPort: uint32(listenPort),
		target:     target,
	}, nil
}

func (f *forwardInstance) ServiceID() string { return "forward" }

func (f *forwardInstance) Start(callback func(error)) {
	listener, err := f.demux.Listen(f.listenPort)
	if err != nil {
		callback(err)
		return
	}
	f.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	go f.acceptLoop(ctx)
	callback(nil)
}

func (f *forwardInstance) acceptLoop(ctx context.Context) {
	for {
		fib, err := f.listener.Accept(ctx)
		if err != nil {
			return
		}
		go f.forwardOne(fib)
	}
}

func (f *forwardInstance) forwardOne(fib *fiber.Fiber) {
	conn, err := f.target.Dial()
	if err != nil {
		if ce := utils.CanLogWarn("forward dial failed"); ce != nil {
			ce.Write(zap.String("target", f.target.String()), zap.Error(err))
		}
		fib.Close()
		return
	}
	netLayer.Relay(&f.target, conn, fib)
}

func (f *forwardInstance) Stop(callback func(error)) {
	if f.cancel != nil {
		f.cancel()
	}
	if f.listener != nil {
		f.listener.Close()
	}
	callback(nil)
}

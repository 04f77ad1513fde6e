package service

import (
	"context"

	"github.com/5l1v3r1/ssf/fiber"
	"github.com/5l1v3r1/ssf/utils"
	socks5 "github.com/armon/go-socks5"
	"go.uber.org/zap"
)

// SocksFactory produces a SOCKS5 microservice: every fiber opened to its
// port is handed to an armon/go-socks5 server, which then dials out on the
// host running this side and relays. Configured through ssf.services
// (§4.5).
type SocksFactory struct{}

type socksInstance struct {
	demux    *fiber.Demux
	port     uint32
	server   *socks5.Server
	listener *fiber.Listener
	cancel   context.CancelFunc
}

func (SocksFactory) New(demux *fiber.Demux, params map[string]interface{}) (Instance, error) {
	port, _ := params["port"].(float64)

	conf := &socks5.Config{}
	server, err := socks5.New(conf)
	if err != nil {
		return nil, err
	}

	return &socksInstance{demux: demux, port: uint32(port), server: server}, nil
}

func (s *socksInstance) ServiceID() string { return "socks" }

func (s *socksInstance) Start(callback func(error)) {
	listener, err := s.demux.Listen(s.port)
	if err != nil {
		callback(err)
		return
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.acceptLoop(ctx)
	callback(nil)
}

func (s *socksInstance) acceptLoop(ctx context.Context) {
	for {
		fib, err := s.listener.Accept(ctx)
		if err != nil {
			return
		}
		go s.serveOne(fib)
	}
}

func (s *socksInstance) serveOne(fib *fiber.Fiber) {
	defer fib.Close()
	if err := s.server.ServeConn(fiber.NewNetConn(fib)); err != nil {
		if ce := utils.CanLogDebug("socks fiber finished"); ce != nil {
			ce.Write(zap.Uint32("port", fib.LocalPort()), zap.Error(err))
		}
	}
}

func (s *socksInstance) Stop(callback func(error)) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	callback(nil)
}

package netLayer

import (
	"net"
	"strings"
	"time"

	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

// AcceptLoop runs listener's accept loop until it's closed, dispatching each
// accepted connection to acceptFunc in its own goroutine. Blocks; callers
// that already hold the listener (to close it themselves on shutdown) run
// this in a goroutine instead of calling ListenAndAccept.
func AcceptLoop(listener net.Listener, acceptFunc func(net.Conn)) {
	loopAccept(listener, acceptFunc)
}

func loopAccept(listener net.Listener, acceptFunc func(net.Conn)) {
	for {
		newc, err := listener.Accept()
		if err != nil {
			errStr := err.Error()
			if strings.Contains(errStr, "closed") {
				if ce := utils.CanLogDebug("local connection closed"); ce != nil {
					ce.Write(zap.Error(err))
				}
				break
			}
			if ce := utils.CanLogWarn("failed to accept connection"); ce != nil {
				ce.Write(zap.Error(err))
			}
			if strings.Contains(errStr, "too many") {
				if ce := utils.CanLogWarn("too many incoming connections, sleeping"); ce != nil {
					ce.Write(zap.String("err", errStr))
				}
				time.Sleep(500 * time.Millisecond)
			}
			continue
		}
		go acceptFunc(newc)
	}
}

// ListenAndAccept listens on a plain TCP address and dispatches each
// accepted connection to acceptFunc in its own goroutine. Non-blocking;
// the accept loop runs in a background goroutine.
func ListenAndAccept(addr string, acceptFunc func(net.Conn)) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go loopAccept(listener, acceptFunc)
	return nil
}

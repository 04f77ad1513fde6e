package netLayer

import (
	"io"

	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

// TryCopy streams from readConn to writeConn until error or EOF. io.Copy
// already splices when both ends support it, so there is no manual
// fast-path to pick between.
func TryCopy(writeConn io.Writer, readConn io.Reader) (int64, error) {
	return io.Copy(writeConn, readConn)
}

// Relay bridges wrc and wlc bidirectionally and blocks until both
// directions finish, closing both ends on exit. Used by the forward
// microservice to pipe a fiber stream to its dialed target.
func Relay(realTargetAddr *Addr, wrc, wlc io.ReadWriteCloser) {
	defer wlc.Close()
	defer wrc.Close()

	done := make(chan struct{})

	go func() {
		n, e := TryCopy(wrc, wlc)
		if ce := utils.CanLogDebug("relay direction finished"); ce != nil {
			ce.Write(zap.String("direction", "local->remote"),
				zap.String("target", realTargetAddr.String()),
				zap.Int64("copied bytes", n),
				zap.Error(e),
			)
		}
		close(done)
	}()

	n, e := TryCopy(wlc, wrc)
	if ce := utils.CanLogDebug("relay direction finished"); ce != nil {
		ce.Write(zap.String("direction", "remote->local"),
			zap.String("target", realTargetAddr.String()),
			zap.Int64("copied bytes", n),
			zap.Error(e),
		)
	}

	<-done
}

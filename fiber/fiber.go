package fiber

import (
	"io"
	"sync"

	"github.com/5l1v3r1/ssf/sserr"
)

// State is a fiber's lifecycle state (§3 Fiber).
type State int

const (
	Idle State = iota
	Connecting
	Open
	HalfClosed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case HalfClosed:
		return "HALF_CLOSED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// InitialWindow is each direction's starting credit (§4.4).
const InitialWindow = 64 * 1024

// Fiber is a logical, flow-controlled, bidirectional byte stream
// multiplexed over a Demux's single underlying socket.
type Fiber struct {
	demux      *Demux
	localPort  uint32
	remotePort uint32
	acceptKey  uint64 // non-zero for server-accepted fibers, for Demux.accepted cleanup

	mu    sync.Mutex
	state State

	sendMu     sync.Mutex
	sendCond   *sync.Cond
	sendCredit int64 // bytes this side may still send; guarded by sendMu

	recvMu     sync.Mutex
	recvCond   *sync.Cond
	recvBuf    [][]byte
	recvLen    int
	recvWindow int64 // bytes the peer may still send us before its credit is exhausted

	finSent bool
	finRecv bool
	rstRecv bool

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newFiber(d *Demux, local, remote uint32) *Fiber {
	f := &Fiber{
		demux:      d,
		localPort:  local,
		remotePort: remote,
		state:      Idle,
		sendCredit: InitialWindow,
		recvWindow: InitialWindow,
		closedCh:   make(chan struct{}),
	}
	f.sendCond = sync.NewCond(&f.sendMu)
	f.recvCond = sync.NewCond(&f.recvMu)
	return f
}

// isClosed reports whether the fiber has been reset or fully closed, without
// blocking.
func (f *Fiber) isClosed() bool {
	select {
	case <-f.closedCh:
		return true
	default:
		return false
	}
}

func (f *Fiber) LocalPort() uint32  { return f.localPort }
func (f *Fiber) RemotePort() uint32 { return f.remotePort }

func (f *Fiber) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fiber) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Write sends p as one or more STREAM_DATA frames, blocking while the send
// credit window is exhausted (§4.4 flow control). It returns the number of
// bytes accepted, always len(p) on success.
func (f *Fiber) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if f.State() == Closed || f.rstRecv {
			return total, sserr.ErrAlreadyClosed
		}

		chunk := p[total:]
		if len(chunk) > MTU {
			chunk = chunk[:MTU]
		}

		n, err := f.sendChunk(chunk)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sendChunk blocks until at least part of chunk can be admitted under the
// current credit window, then writes exactly that much. The credit check and
// the wait both happen under sendMu, so a grantCredit racing the wait can
// never be missed: either it lands before sendCond.Wait (and the loop
// condition re-reads the topped-up credit) or after (and the Broadcast wakes
// the already-waiting goroutine).
func (f *Fiber) sendChunk(chunk []byte) (int, error) {
	f.sendMu.Lock()
	for f.sendCredit <= 0 {
		if f.isClosed() {
			f.sendMu.Unlock()
			return 0, sserr.ErrAlreadyClosed
		}
		f.sendCond.Wait()
	}
	if f.isClosed() {
		f.sendMu.Unlock()
		return 0, sserr.ErrAlreadyClosed
	}

	send := chunk
	if int64(len(send)) > f.sendCredit {
		send = send[:f.sendCredit]
	}
	f.sendCredit -= int64(len(send))
	f.sendMu.Unlock()

	err := f.demux.enqueueData(f.localPort, f.remotePort, send)
	return len(send), err
}

// grantCredit is called on receipt of a STREAM_ACK from the peer.
func (f *Fiber) grantCredit(n uint32) {
	f.sendMu.Lock()
	f.sendCredit += int64(n)
	f.sendMu.Unlock()
	f.sendCond.Broadcast()
}

// deliver is called by the demux's reader goroutine with an inbound
// STREAM_DATA payload. It takes ownership of data. A peer that sends more
// than our advertised receive window is in violation of §8's
// receive-buffer-size invariant and gets reset rather than buffered without
// bound.
func (f *Fiber) deliver(data []byte) (overflow bool) {
	f.recvMu.Lock()
	if int64(len(data)) > f.recvWindow {
		f.recvMu.Unlock()
		return true
	}
	f.recvWindow -= int64(len(data))
	f.recvBuf = append(f.recvBuf, data)
	f.recvLen += len(data)
	f.recvCond.Signal()
	f.recvMu.Unlock()
	return false
}

// Read blocks until at least one byte is available, EOF, or the fiber is
// reset/closed. It then returns credit for the bytes it drained, via a
// STREAM_ACK, as required by "sum of credits returned <= bytes consumed".
func (f *Fiber) Read(p []byte) (int, error) {
	f.recvMu.Lock()
	for f.recvLen == 0 && !f.finRecv && !f.rstRecv {
		f.recvCond.Wait()
	}
	if f.recvLen == 0 {
		f.recvMu.Unlock()
		if f.rstRecv {
			return 0, sserr.ErrConnectionReset
		}
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && len(f.recvBuf) > 0 {
		head := f.recvBuf[0]
		c := copy(p[n:], head)
		n += c
		f.recvLen -= c
		if c == len(head) {
			f.recvBuf = f.recvBuf[1:]
		} else {
			f.recvBuf[0] = head[c:]
		}
	}
	f.recvWindow += int64(n)
	f.recvMu.Unlock()

	f.demux.enqueueAck(f.localPort, f.remotePort, uint32(n))
	return n, nil
}

// handleFin marks the remote half closed; wakes any blocked Read.
func (f *Fiber) handleFin() {
	f.recvMu.Lock()
	f.finRecv = true
	f.recvCond.Broadcast()
	f.recvMu.Unlock()
	f.checkBothClosed()
}

func (f *Fiber) handleRst() {
	f.recvMu.Lock()
	f.rstRecv = true
	f.recvCond.Broadcast()
	f.recvMu.Unlock()
	f.closeOnce.Do(func() { close(f.closedCh) })
	f.setState(Closed)
	f.sendCond.Broadcast()
}

func (f *Fiber) checkBothClosed() {
	f.mu.Lock()
	if f.finSent && f.finRecv {
		f.state = Closed
		f.mu.Unlock()
		f.closeOnce.Do(func() { close(f.closedCh) })
		f.sendCond.Broadcast()
		return
	}
	if f.finRecv && f.state == Open {
		f.state = HalfClosed
	}
	f.mu.Unlock()
}

// Close sends STREAM_FIN (if not already sent) and marks this side closed
// for writing.
func (f *Fiber) Close() error {
	f.mu.Lock()
	already := f.finSent
	f.finSent = true
	f.mu.Unlock()
	if already {
		return nil
	}

	err := f.demux.enqueueFin(f.localPort, f.remotePort)
	f.checkBothClosed()
	f.demux.lingerClose(f)
	return err
}

// Done reports a channel closed once the fiber reaches CLOSED.
func (f *Fiber) Done() <-chan struct{} { return f.closedCh }

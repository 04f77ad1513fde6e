package fiber

import (
	"context"
	"time"

	"github.com/5l1v3r1/ssf/sserr"
	"github.com/5l1v3r1/ssf/utils"
)

// Listener accepts inbound fibers addressed to one destination port.
type Listener struct {
	demux *Demux
	port  uint32
	acc   *acceptor
}

// Listen registers an acceptor for port. A STREAM_SYN naming this port as
// its destination, with no matching acceptor, is answered with STREAM_RST
// (§4.4 invariant); once registered, matching SYNs instead get a
// STREAM_SYN_ACK and a Fiber delivered to Accept.
func (d *Demux) Listen(port uint32) (*Listener, error) {
	d.mu.Lock()
	if _, exists := d.acceptors[port]; exists {
		d.mu.Unlock()
		return nil, sserr.ErrInvalidArgument
	}
	acc := &acceptor{port: port, newFn: make(chan *Fiber, 16)}
	d.acceptors[port] = acc
	d.mu.Unlock()
	return &Listener{demux: d, port: port, acc: acc}, nil
}

func (l *Listener) Accept(ctx context.Context) (*Fiber, error) {
	select {
	case f := <-l.acc.newFn:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.demux.closedCh:
		return nil, sserr.ErrAlreadyClosed
	}
}

func (l *Listener) Close() error {
	l.demux.mu.Lock()
	delete(l.demux.acceptors, l.port)
	l.demux.mu.Unlock()
	return nil
}

// dialTimeout bounds how long Connect waits for a single
// STREAM_SYN/STREAM_SYN_ACK round before giving up; actual connect retry
// policy (§4.6 AdminUnreachable) lives one layer up, in the admin package.
const (
	dialTimeout = 5 * time.Second
)

// Connect opens a new fiber to dstPort, picking a random ephemeral source
// port (§4.4 "client picks an unused source port"). It blocks until
// STREAM_SYN_ACK or STREAM_RST arrives, or dialTimeout elapses.
func (d *Demux) Connect(ctx context.Context, dstPort uint32) (*Fiber, error) {
	var srcPort uint32
	d.mu.Lock()
	for {
		srcPort = uint32(utils.RandomEphemeralPort())
		if _, taken := d.fibers[srcPort]; !taken {
			break
		}
	}
	fib := newFiber(d, srcPort, dstPort)
	fib.setState(Connecting)
	d.fibers[srcPort] = fib

	p := &pendingSyn{replyCh: make(chan *Frame, 1)}
	d.pendSyn[synKey(srcPort, dstPort)] = p
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pendSyn, synKey(srcPort, dstPort))
		d.mu.Unlock()
	}()

	if err := d.enqueue(prioControl, &Frame{Type: StreamSyn, SrcPort: srcPort, DstPort: dstPort}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case reply := <-p.replyCh:
		if reply.Type == StreamRst {
			d.mu.Lock()
			delete(d.fibers, srcPort)
			d.mu.Unlock()
			return nil, sserr.ErrConnectionRefused
		}
		// The acceptor answers from a freshly allocated port, not dstPort
		// itself (its listener may be taking many concurrent fibers); every
		// later frame for this fiber must target that allocated port.
		fib.remotePort = reply.SrcPort
		fib.setState(Open)
		return fib, nil
	case <-timer.C:
		d.mu.Lock()
		delete(d.fibers, srcPort)
		d.mu.Unlock()
		return nil, sserr.ErrTimedOut
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.fibers, srcPort)
		d.mu.Unlock()
		return nil, ctx.Err()
	case <-d.closedCh:
		return nil, sserr.ErrAlreadyClosed
	}
}

package fiber

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/5l1v3r1/ssf/sserr"
	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

// lingerDuration is how long a CLOSED fiber's table entry survives before
// being pruned, so a frame still in flight for it (e.g. a racing ACK) finds
// a fiber instead of triggering an UnknownPort reset.
const lingerDuration = 500 * time.Millisecond

type pendingSyn struct {
	replyCh chan *Frame
}

// Demux multiplexes many Fibers over a single underlying stream conn. One
// reader goroutine parses inbound frames and dispatches them; one writer
// goroutine drains a priority queue (control > acks > data, round-robin
// within data) so no single fiber starves another (§4.4 Scheduler).
type Demux struct {
	conn net.Conn

	// localFingerprint/peerFingerprint break simultaneous-SYN ties (§4.4):
	// the peer with the lexicographically smaller TLS leaf fingerprint wins.
	localFingerprint [32]byte
	peerFingerprint  [32]byte

	mu        sync.Mutex
	fibers    map[uint32]*Fiber
	accepted  map[uint64]*Fiber      // key = synKey(srcPort,dstPort), the accepting side's record of an answered SYN
	acceptors map[uint32]*acceptor
	pendSyn   map[uint64]*pendingSyn // key = srcPort<<32|dstPort, for the connecting side

	// bytesIn/bytesOut tally StreamData payload bytes dispatched through this
	// demux, for Admin's per-link throughput reporting (§4.6). Updated from
	// both the reader goroutine (handleData) and arbitrary caller goroutines
	// (enqueueData), hence the atomic helpers rather than the mu above.
	bytesIn  uint64
	bytesOut uint64

	writeQueue chan queuedFrame
	closedCh   chan struct{}
	closeOnce  sync.Once

	OnTeardown  func(error) // invoked once when the demux tears itself down
	OnKeepalive func()      // invoked for every inbound KEEPALIVE frame

	dgramHandler DgramHandler
}

type queuedFrame struct {
	priority int // 0=control 1=ack 2=data
	// data is the header and (if any) payload as separate buffers, so the
	// writer can hand them to the conn as one vectored write instead of
	// paying for Frame.Encode's concatenation copy.
	data [][]byte
}

const (
	prioControl = 0
	prioAck     = 1
	prioData    = 2
)

// acceptor is a listening fiber port.
type acceptor struct {
	port  uint32
	newFn chan *Fiber
}

// NewDemux wraps conn (typically the L2 TLS socket) and starts its reader
// and writer goroutines. localFP/peerFP are the two peers' TLS leaf
// certificate fingerprints, used only to settle simultaneous-SYN races.
func NewDemux(conn net.Conn, localFP, peerFP [32]byte) *Demux {
	d := &Demux{
		conn:             conn,
		localFingerprint: localFP,
		peerFingerprint:  peerFP,
		fibers:           make(map[uint32]*Fiber),
		accepted:         make(map[uint64]*Fiber),
		acceptors:        make(map[uint32]*acceptor),
		pendSyn:          make(map[uint64]*pendingSyn),
		writeQueue:       make(chan queuedFrame, 1024),
		closedCh:         make(chan struct{}),
	}
	go d.writerLoop()
	go d.readerLoop()
	return d
}

func synKey(src, dst uint32) uint64 {
	return uint64(src)<<32 | uint64(dst)
}

// --- outbound -------------------------------------------------------------

func (d *Demux) enqueue(prio int, f *Frame) error {
	hdr := make([]byte, HeaderLen)
	f.EncodeHeader(hdr)

	bufs := [][]byte{hdr}
	if len(f.Payload) > 0 {
		bufs = append(bufs, f.Payload)
	}

	select {
	case d.writeQueue <- queuedFrame{priority: prio, data: bufs}:
		return nil
	case <-d.closedCh:
		return sserr.ErrAlreadyClosed
	}
}

func (d *Demux) enqueueData(src, dst uint32, payload []byte) error {
	// copy: payload may be a slice of the caller's buffer, and the frame
	// outlives this call in the write queue.
	cp := make([]byte, len(payload))
	copy(cp, payload)
	utils.AtomicAddUint64(&d.bytesOut, uint64(len(cp)))
	return d.enqueue(prioData, &Frame{Type: StreamData, SrcPort: src, DstPort: dst, Payload: cp})
}

func (d *Demux) enqueueAck(src, dst uint32, n uint32) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, n)
	return d.enqueue(prioAck, &Frame{Type: StreamAck, SrcPort: src, DstPort: dst, Payload: payload})
}

func (d *Demux) enqueueFin(src, dst uint32) error {
	return d.enqueue(prioControl, &Frame{Type: StreamFin, SrcPort: src, DstPort: dst})
}

func (d *Demux) enqueueRst(src, dst uint32) error {
	return d.enqueue(prioControl, &Frame{Type: StreamRst, SrcPort: src, DstPort: dst})
}

func (d *Demux) enqueueKeepalive() error {
	return d.enqueue(prioControl, &Frame{Type: Keepalive})
}

func (d *Demux) enqueueDgram(src, dst uint32, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return d.enqueue(prioData, &Frame{Type: Dgram, SrcPort: src, DstPort: dst, Payload: cp})
}

// writerLoop implements the priority scheduler: control frames drain before
// acks, which drain before data; within a priority level, delivery order is
// simply queue order, which already round-robins across fibers because each
// fiber's sendChunk call enqueues independently rather than looping to
// exhaustion.
func (d *Demux) writerLoop() {
	var controlQ, ackQ, dataQ [][][]byte
	for {
		if len(controlQ) == 0 && len(ackQ) == 0 && len(dataQ) == 0 {
			select {
			case qf := <-d.writeQueue:
				classify(qf, &controlQ, &ackQ, &dataQ)
			case <-d.closedCh:
				return
			}
		}

		// drain anything else already queued without blocking, to batch.
		draining := true
		for draining {
			select {
			case qf := <-d.writeQueue:
				classify(qf, &controlQ, &ackQ, &dataQ)
			default:
				draining = false
			}
		}

		var next [][]byte
		switch {
		case len(controlQ) > 0:
			next, controlQ = controlQ[0], controlQ[1:]
		case len(ackQ) > 0:
			next, ackQ = ackQ[0], ackQ[1:]
		case len(dataQ) > 0:
			next, dataQ = dataQ[0], dataQ[1:]
		default:
			continue
		}

		if err := d.writeFrame(next); err != nil {
			d.teardown(err)
			return
		}
	}
}

// writeFrame hands bufs (header, optionally payload) to the conn as one
// vectored write if it implements utils.MultiWriter, otherwise merges them
// into a single pooled buffer first (§4.4: header and payload reach the
// wire as what looks like one frame even without vectored I/O).
func (d *Demux) writeFrame(bufs [][]byte) error {
	if mw, ok := d.conn.(utils.MultiWriter); ok {
		_, err := mw.WriteBuffers(bufs)
		return err
	}

	merged, dup := utils.MergeBuffers(bufs)
	_, err := d.conn.Write(merged)
	if dup {
		utils.PutPacket(merged)
	}
	return err
}

func classify(qf queuedFrame, controlQ, ackQ, dataQ *[][][]byte) {
	switch qf.priority {
	case prioControl:
		*controlQ = append(*controlQ, qf.data)
	case prioAck:
		*ackQ = append(*ackQ, qf.data)
	default:
		*dataQ = append(*dataQ, qf.data)
	}
}

// --- inbound ---------------------------------------------------------------

func (d *Demux) readerLoop() {
	hdr := make([]byte, HeaderLen)
	for {
		if _, err := io.ReadFull(d.conn, hdr); err != nil {
			d.teardown(err)
			return
		}
		frame, payloadLen, err := DecodeHeader(hdr)
		if err != nil {
			if ce := utils.CanLogWarn("invalid fiber frame header"); ce != nil {
				ce.Write(zap.Error(err))
			}
			d.teardown(err)
			return
		}
		if payloadLen > 0 {
			if payloadLen > MTU {
				d.teardown(sserr.ErrProtocolViolation)
				return
			}
			payload := utils.GetBytes(payloadLen)
			if _, err := io.ReadFull(d.conn, payload); err != nil {
				d.teardown(err)
				return
			}
			frame.Payload = payload
		}
		d.dispatch(&frame)
	}
}

func (d *Demux) dispatch(f *Frame) {
	switch f.Type {
	case StreamSyn:
		d.handleSyn(f)
	case StreamSynAck:
		d.handleSynAck(f)
	case StreamRst:
		d.handleRst(f)
	case StreamFin:
		d.handleFin(f)
	case StreamAck:
		d.handleAck(f)
	case StreamData:
		d.handleData(f)
	case Keepalive:
		// handled by the admin layer via OnKeepalive; demux itself just
		// drops it if no one is listening.
		if d.OnKeepalive != nil {
			d.OnKeepalive()
		}
	case Dgram:
		d.handleDgram(f)
	}
}

// handleSyn accepts an inbound fiber. The service's listening port (f.DstPort)
// only names the acceptor; the fiber itself gets a freshly allocated local
// port, since a listener ordinarily takes many concurrent fibers (§3 "port
// numbers are unique within a demux") and they cannot all be keyed by the one
// port they were dialed on. The allocated port travels back as the SYN_ACK's
// source port, and the dialer addresses every later frame for this fiber to
// it instead of to the service port.
func (d *Demux) handleSyn(f *Frame) {
	key := synKey(f.SrcPort, f.DstPort)

	d.mu.Lock()
	acc, ok := d.acceptors[f.DstPort]
	if !ok {
		d.mu.Unlock()
		d.enqueueRst(f.DstPort, f.SrcPort)
		return
	}

	if fib, dup := d.accepted[key]; dup && fib.State() != Closed {
		// Retransmitted SYN for a fiber we already answered: re-send the
		// same SYN_ACK rather than allocating a second fiber.
		local := fib.localPort
		d.mu.Unlock()
		d.enqueue(prioControl, &Frame{Type: StreamSynAck, SrcPort: local, DstPort: f.SrcPort})
		return
	}

	// Simultaneous SYN: this side already has its own Connect() fiber sitting
	// on f.DstPort as a local/source port, and the peer just dialed that same
	// number as a destination. Break the tie by fingerprint: the winner
	// rejects the loser's SYN, and the loser accepts the winner's below.
	if self, connecting := d.fibers[f.DstPort]; connecting && self.State() == Connecting && d.localWinsTie() {
		d.mu.Unlock()
		d.enqueueRst(f.DstPort, f.SrcPort)
		return
	}

	local := d.allocateLocalPortLocked()
	fib := newFiber(d, local, f.SrcPort)
	fib.acceptKey = key
	fib.setState(Open)
	d.fibers[local] = fib
	d.accepted[key] = fib
	d.mu.Unlock()

	d.enqueue(prioControl, &Frame{Type: StreamSynAck, SrcPort: local, DstPort: f.SrcPort})

	select {
	case acc.newFn <- fib:
	default:
		go func() { acc.newFn <- fib }()
	}
}

// allocateLocalPortLocked picks an unused local port for a newly accepted
// fiber. Callers must hold d.mu.
func (d *Demux) allocateLocalPortLocked() uint32 {
	for {
		p := uint32(utils.RandomEphemeralPort())
		if _, taken := d.fibers[p]; taken {
			continue
		}
		if _, taken := d.acceptors[p]; taken {
			continue
		}
		return p
	}
}

// localWinsTie reports whether this side should win a simultaneous-SYN
// collision, by comparing TLS leaf certificate fingerprints (§4.4, §4.6):
// the smaller fingerprint wins.
func (d *Demux) localWinsTie() bool {
	for i := range d.localFingerprint {
		if d.localFingerprint[i] != d.peerFingerprint[i] {
			return d.localFingerprint[i] < d.peerFingerprint[i]
		}
	}
	return true
}

func (d *Demux) handleSynAck(f *Frame) {
	// The SYN_ACK comes from the acceptor's freshly allocated port, not the
	// service port the SYN named, so the pending Connect is found by its own
	// source port (unique within the demux) alone.
	d.mu.Lock()
	var p *pendingSyn
	for key, ps := range d.pendSyn {
		if uint32(key>>32) == f.DstPort {
			p = ps
			break
		}
	}
	d.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.replyCh <- f:
	default:
	}
}

func (d *Demux) handleRst(f *Frame) {
	d.mu.Lock()
	fib, ok := d.fibers[f.DstPort]
	p, pending := d.pendSyn[synKey(f.DstPort, f.SrcPort)]
	d.mu.Unlock()
	if pending {
		select {
		case p.replyCh <- f:
		default:
		}
		return
	}
	if ok {
		fib.handleRst()
	}
}

func (d *Demux) handleFin(f *Frame) {
	d.mu.Lock()
	fib, ok := d.fibers[f.DstPort]
	d.mu.Unlock()
	if !ok {
		d.enqueueRst(f.DstPort, f.SrcPort)
		return
	}
	fib.handleFin()
}

func (d *Demux) handleAck(f *Frame) {
	if len(f.Payload) < 4 {
		utils.PutBytes(f.Payload)
		return
	}
	n := binary.LittleEndian.Uint32(f.Payload)
	utils.PutBytes(f.Payload)

	d.mu.Lock()
	fib, ok := d.fibers[f.DstPort]
	d.mu.Unlock()
	if ok {
		fib.grantCredit(n)
	}
}

func (d *Demux) handleData(f *Frame) {
	d.mu.Lock()
	fib, ok := d.fibers[f.DstPort]
	d.mu.Unlock()
	if !ok {
		if f.Payload != nil {
			utils.PutBytes(f.Payload)
		}
		d.enqueueRst(f.DstPort, f.SrcPort)
		return
	}
	utils.AtomicAddUint64(&d.bytesIn, uint64(len(f.Payload)))
	if fib.deliver(f.Payload) {
		// peer exceeded our advertised receive window (§8): reset it rather
		// than buffer past the agreed bound.
		utils.PutBytes(f.Payload)
		fib.handleRst()
		d.enqueueRst(f.DstPort, f.SrcPort)
	}
}

// DgramHandler, when set via SetDgramHandler, receives every inbound DGRAM
// frame, whatever its destination port (datagrams are connectionless).
type DgramHandler func(srcPort, dstPort uint32, payload []byte)

func (d *Demux) handleDgram(f *Frame) {
	if d.dgramHandler == nil {
		if f.Payload != nil {
			utils.PutBytes(f.Payload)
		}
		return // unknown destination port: dropped, per §3 invariant.
	}
	d.dgramHandler(f.SrcPort, f.DstPort, f.Payload)
}

func (d *Demux) SetDgramHandler(h DgramHandler) { d.dgramHandler = h }

// SendDgram queues one connectionless DGRAM frame addressed to dstPort
// (§4.4). Unlike stream data, a datagram is never chunked and carries no
// flow-control credit: a payload over MTU is rejected outright rather than
// split, since splitting it would silently turn one datagram into several.
func (d *Demux) SendDgram(srcPort, dstPort uint32, payload []byte) error {
	if len(payload) > MTU {
		return sserr.ErrProtocolViolation
	}
	return d.enqueueDgram(srcPort, dstPort, payload)
}

// --- lifecycle --------------------------------------------------------------

func (d *Demux) lingerClose(f *Fiber) {
	time.AfterFunc(lingerDuration, func() {
		d.mu.Lock()
		if cur, ok := d.fibers[f.localPort]; ok && cur == f {
			delete(d.fibers, f.localPort)
		}
		if f.acceptKey != 0 {
			if cur, ok := d.accepted[f.acceptKey]; ok && cur == f {
				delete(d.accepted, f.acceptKey)
			}
		}
		d.mu.Unlock()
	})
}

// FiberCount reports how many fiber table entries are currently live,
// for tests asserting §8 scenario 1's "table size returns to 0".
func (d *Demux) FiberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fibers)
}

// BytesTransferred reports the total StreamData payload bytes this demux
// has dispatched, for Admin's per-link throughput reporting (§4.6).
func (d *Demux) BytesTransferred() (in, out uint64) {
	return utils.AtomicLoadUint64(&d.bytesIn), utils.AtomicLoadUint64(&d.bytesOut)
}

func (d *Demux) teardown(err error) {
	d.closeOnce.Do(func() {
		close(d.closedCh)
		d.mu.Lock()
		for _, fib := range d.fibers {
			fib.handleRst()
		}
		d.mu.Unlock()
		d.conn.Close()
		if d.OnTeardown != nil {
			d.OnTeardown(err)
		}
	})
}

func (d *Demux) Close() error {
	d.teardown(sserr.ErrAborted)
	return nil
}

func (d *Demux) Done() <-chan struct{} { return d.closedCh }

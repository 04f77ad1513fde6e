package tlsLayer

import (
	"net"
	"sync"
	"time"

	"github.com/5l1v3r1/ssf/sserr"
	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

const (
	// LowWatermark: once buffered bytes drop below this and a reader is
	// waiting, the puller resumes.
	LowWatermark = 1 * 1024 * 1024
	// HighWatermark: once buffered bytes reach this, the puller suspends.
	HighWatermark = 16 * 1024 * 1024
	// PullChunkSize is how much the puller asks the underlying TLS stream
	// for on each read.
	PullChunkSize = 50 * 1024
)

// ReadAheadBuffer decouples decryption from consumption: a background
// puller goroutine owns exclusive read access to the wrapped TLS stream and
// keeps a byte queue topped up, so small application reads don't each incur
// a TLS record round-trip. It implements net.Conn by delegating writes
// straight to the underlying stream and serving reads from the queue.
//
// This is the concrete form of §4.3's "strand": instead of a cooperative
// single-threaded serializer, a mutex plus a dedicated puller goroutine give
// the same guarantee — at most one goroutine ever touches the underlying
// stream's Read side, and Read/Write on the wrapped Conn never race with
// the puller's bookkeeping.
type ReadAheadBuffer struct {
	conn net.Conn

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	qlen    int
	pulling bool
	closed  bool
	termErr error

	writeMu sync.Mutex
}

func NewReadAheadBuffer(conn net.Conn) *ReadAheadBuffer {
	b := &ReadAheadBuffer{conn: conn}
	b.cond = sync.NewCond(&b.mu)
	b.pulling = true
	go b.pullLoop()
	return b
}

func (b *ReadAheadBuffer) pullLoop() {
	for {
		chunk := utils.GetBytes(PullChunkSize)
		n, err := b.conn.Read(chunk)

		b.mu.Lock()
		if n > 0 {
			b.queue = append(b.queue, chunk[:n])
			b.qlen += n
		} else {
			utils.PutBytes(chunk)
		}

		if err != nil {
			b.termErr = err
			b.pulling = false
			b.cond.Broadcast()
			b.mu.Unlock()
			if ce := utils.CanLogDebug("tls puller stopped"); ce != nil {
				ce.Write(zap.Error(err))
			}
			return
		}

		if b.closed {
			b.pulling = false
			b.cond.Broadcast()
			b.mu.Unlock()
			return
		}

		if b.qlen >= HighWatermark {
			b.pulling = false
			b.cond.Broadcast()
			b.mu.Unlock()
			return
		}
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

// maybeResumePulling must be called with b.mu held.
func (b *ReadAheadBuffer) maybeResumePulling() {
	if !b.pulling && b.termErr == nil && !b.closed && b.qlen < LowWatermark {
		b.pulling = true
		go b.pullLoop()
	}
}

// Read satisfies io.Reader by serving from the buffer; it is the "head
// operation" of §4.3's pending-read queue collapsed into the caller's own
// blocking call; concurrent Read calls are served in the order they acquire
// the lock via sync.Cond's FIFO-ish wakeups.
func (b *ReadAheadBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.qlen == 0 && b.termErr == nil && !b.closed {
		b.cond.Wait()
	}

	if b.qlen == 0 {
		if b.closed {
			return 0, sserr.ErrAborted
		}
		return 0, b.termErr
	}

	n := b.drainLocked(p)
	b.maybeResumePulling()
	return n, nil
}

// drainLocked copies up to len(p) bytes out of the queue, freeing consumed
// chunks back to the pool. Caller holds b.mu.
func (b *ReadAheadBuffer) drainLocked(p []byte) int {
	n := 0
	for n < len(p) && len(b.queue) > 0 {
		head := b.queue[0]
		copied := copy(p[n:], head)
		n += copied
		b.qlen -= copied
		if copied == len(head) {
			utils.PutBytes(head)
			b.queue = b.queue[1:]
		} else {
			b.queue[0] = head[copied:]
		}
	}
	return n
}

// Write bypasses the buffer and goes straight to the underlying stream,
// serialized against other writers by writeMu (reads never take writeMu:
// the puller is the only reader and never writes).
func (b *ReadAheadBuffer) Write(p []byte) (int, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.Write(p)
}

// WriteBuffers lets fiber's writer loop hand over a frame's header and
// payload as one call instead of two: a vectored write straight through if
// the underlying stream supports it (utils.MultiWriter), otherwise one
// merge-and-copy into a pooled buffer first.
func (b *ReadAheadBuffer) WriteBuffers(bufs [][]byte) (int64, error) {
	if mw, ok := b.conn.(utils.MultiWriter); ok {
		b.writeMu.Lock()
		defer b.writeMu.Unlock()
		return mw.WriteBuffers(bufs)
	}

	merged, dup := utils.MergeBuffers(bufs)
	n, err := b.Write(merged)
	if dup {
		utils.PutPacket(merged)
	}
	return int64(n), err
}

// Cancel clears the buffer, wakes every blocked Read with Aborted, and stops
// the puller. The underlying connection is left open; Close tears that down
// separately.
func (b *ReadAheadBuffer) Cancel() {
	b.mu.Lock()
	b.closed = true
	for _, chunk := range b.queue {
		utils.PutBytes(chunk)
	}
	b.queue = nil
	b.qlen = 0
	b.cond.Broadcast()
	b.mu.Unlock()

	// force the puller's in-flight Read to return so pullLoop observes
	// closed on its next iteration.
	b.conn.SetReadDeadline(time.Now())
}

func (b *ReadAheadBuffer) Close() error {
	b.Cancel()
	return b.conn.Close()
}

func (b *ReadAheadBuffer) LocalAddr() net.Addr  { return b.conn.LocalAddr() }
func (b *ReadAheadBuffer) RemoteAddr() net.Addr { return b.conn.RemoteAddr() }

func (b *ReadAheadBuffer) SetDeadline(t time.Time) error      { return b.conn.SetDeadline(t) }
func (b *ReadAheadBuffer) SetReadDeadline(t time.Time) error  { return b.conn.SetReadDeadline(t) }
func (b *ReadAheadBuffer) SetWriteDeadline(t time.Time) error { return b.conn.SetWriteDeadline(t) }

// QueuedBytes reports the number of bytes currently buffered, for tests.
func (b *ReadAheadBuffer) QueuedBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.qlen
}

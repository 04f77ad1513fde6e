package admin

import "go.uber.org/atomic"

// serialAllocator assigns monotonically increasing serials whose low bit
// encodes the originator, so the two halves of the protocol never collide
// (§3 Admin command invariant). Serials 1 and 2 are reserved; real traffic
// starts at 3, which HELLO occupies (§4.6 Serial reservation).
type serialAllocator struct {
	next *atomic.Uint32
}

// newClientSerials starts the client's own request serials at 4 (even);
// serial 3 (odd, server-initiated) is reserved for HELLO.
func newClientSerials() *serialAllocator {
	return &serialAllocator{next: atomic.NewUint32(4)}
}

// newServerSerials starts the server's own request serials at 3 (odd),
// the first of which is the HELLO that opens the connection.
func newServerSerials() *serialAllocator {
	return &serialAllocator{next: atomic.NewUint32(3)}
}

func (s *serialAllocator) Next() uint32 {
	return s.next.Add(2) - 2
}

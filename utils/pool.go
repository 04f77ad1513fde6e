package utils

import (
	"bytes"
	"flag"
	"sync"
)

var (
	standardBytesPool sync.Pool // holds []byte of StandardBytesLength

	standardPacketPool sync.Pool // holds []byte of MaxBufLen

	bufPool sync.Pool // holds *bytes.Buffer
)

// StandardBytesLength mirrors the Ethernet v2 MTU.
const StandardBytesLength int = 1500

// MaxBufLen is the largest single buffer size we pool; fiber frames and TLS
// puller chunks never exceed it.
var MaxBufLen = DefaultMaxBufLen

const DefaultMaxBufLen = 64 * 1024

func init() {
	flag.IntVar(&MaxBufLen, "bl", DefaultMaxBufLen, "buf len")

	standardBytesPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, StandardBytesLength)
		},
	}

	standardPacketPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, MaxBufLen)
		},
	}

	bufPool = sync.Pool{
		New: func() interface{} {
			return &bytes.Buffer{}
		},
	}
}

// AdjustBufSize must be called after MaxBufLen changes to rebuild the pool.
func AdjustBufSize() {
	standardPacketPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, MaxBufLen)
		},
	}
}

func GetBuf() *bytes.Buffer {
	return bufPool.Get().(*bytes.Buffer)
}

func PutBuf(buf *bytes.Buffer) {
	buf.Reset()
	bufPool.Put(buf)
}

// GetPacket returns a buffer of MaxBufLen, suitable for a single TLS
// puller read or fiber frame.
func GetPacket() []byte {
	return standardPacketPool.Get().([]byte)
}

func PutPacket(bs []byte) {
	c := cap(bs)
	if c < MaxBufLen {
		if c >= StandardBytesLength {
			standardBytesPool.Put(bs[:StandardBytesLength])
		}
		return
	}
	standardPacketPool.Put(bs[:MaxBufLen])
}

func GetMTU() []byte {
	return standardBytesPool.Get().([]byte)
}

func GetBytes(size int) []byte {
	if size <= StandardBytesLength {
		bs := standardBytesPool.Get().([]byte)
		return bs[:size]
	}
	return GetPacket()[:size]
}

func PutBytes(bs []byte) {
	c := cap(bs)
	if c < StandardBytesLength {
		return
	} else if c < MaxBufLen {
		standardBytesPool.Put(bs[:StandardBytesLength])
	} else {
		standardPacketPool.Put(bs[:MaxBufLen])
	}
}

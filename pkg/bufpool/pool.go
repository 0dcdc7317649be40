// Package bufpool provides size-classed buffer pooling for the datagram
// hot path, sharded across CPUs instead of a single sync.Pool per class.
package bufpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Datagram size classes, tracking the sizes an endpoint actually sees on
// the wire: below the minimum Initial datagram, the typical path MTU, and
// the largest datagram this core will ever parse.
const (
	SizeMinInitial = 1200  // smallest legal Initial datagram
	SizePathMTU    = 1452  // this core's MaxPacketSize
	SizeJumbo      = 65527 // largest possible UDP payload
)

type sizedPool struct {
	size    int
	shards  []*sync.Pool
	numCPU  int
	rr      atomic.Uint64

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

func newSizedPool(size int) *sizedPool {
	numCPU := runtime.GOMAXPROCS(0)
	if numCPU < 1 {
		numCPU = 1
	}
	sp := &sizedPool{size: size, numCPU: numCPU, shards: make([]*sync.Pool, numCPU)}
	for i := range sp.shards {
		sp.shards[i] = &sync.Pool{
			New: func() interface{} {
				sp.misses.Add(1)
				buf := make([]byte, size)
				return &buf
			},
		}
	}
	return sp
}

func (sp *sizedPool) pick() *sync.Pool {
	idx := sp.rr.Add(1) % uint64(sp.numCPU)
	return sp.shards[idx]
}

func (sp *sizedPool) Get() []byte {
	sp.gets.Add(1)
	bufPtr := sp.pick().Get().(*[]byte)
	return (*bufPtr)[:sp.size]
}

func (sp *sizedPool) Put(buf []byte) {
	if buf == nil || cap(buf) < sp.size {
		return
	}
	sp.puts.Add(1)
	buf = buf[:sp.size]
	sp.pick().Put(&buf)
}

// DatagramPool hands out datagram-shaped buffers sized to one of the
// classes above, per-CPU sharded to avoid sync.Pool contention on the
// packet-receive hot path.
type DatagramPool struct {
	initial *sizedPool
	mtu     *sizedPool
	jumbo   *sizedPool

	totalGets atomic.Uint64
	totalPuts atomic.Uint64
}

// NewDatagramPool constructs an empty pool.
func NewDatagramPool() *DatagramPool {
	return &DatagramPool{
		initial: newSizedPool(SizeMinInitial),
		mtu:     newSizedPool(SizePathMTU),
		jumbo:   newSizedPool(SizeJumbo),
	}
}

// Get returns a buffer of at least size bytes, truncated to exactly size.
// Requests larger than the jumbo class bypass the pool entirely; QUIC
// never legitimately parses a UDP payload over 65527 bytes, so pooling
// that case would only pin memory for something that can't recur.
func (p *DatagramPool) Get(size int) []byte {
	p.totalGets.Add(1)
	var buf []byte
	switch {
	case size <= SizeMinInitial:
		buf = p.initial.Get()
	case size <= SizePathMTU:
		buf = p.mtu.Get()
	case size <= SizeJumbo:
		buf = p.jumbo.Get()
	default:
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns buf to its size class. Buffers not allocated by Get (e.g.
// the oversize fallback) are silently dropped rather than pooled.
func (p *DatagramPool) Put(buf []byte) {
	if buf == nil {
		return
	}
	p.totalPuts.Add(1)
	c := cap(buf)
	switch {
	case c == SizeMinInitial:
		p.initial.Put(buf)
	case c == SizePathMTU:
		p.mtu.Put(buf)
	case c == SizeJumbo:
		p.jumbo.Put(buf)
	}
}

// Metrics snapshots pool activity for the prometheus collector in
// metrics.go.
type Metrics struct {
	GetsInitial, PutsInitial, MissesInitial uint64
	GetsMTU, PutsMTU, MissesMTU             uint64
	GetsJumbo, PutsJumbo, MissesJumbo       uint64
	TotalGets, TotalPuts                    uint64
}

func (p *DatagramPool) snapshot() Metrics {
	return Metrics{
		GetsInitial: p.initial.gets.Load(), PutsInitial: p.initial.puts.Load(), MissesInitial: p.initial.misses.Load(),
		GetsMTU: p.mtu.gets.Load(), PutsMTU: p.mtu.puts.Load(), MissesMTU: p.mtu.misses.Load(),
		GetsJumbo: p.jumbo.gets.Load(), PutsJumbo: p.jumbo.puts.Load(), MissesJumbo: p.jumbo.misses.Load(),
		TotalGets: p.totalGets.Load(), TotalPuts: p.totalPuts.Load(),
	}
}

// Global is the package-level datagram pool, used by pkg/quic's packet
// parser. Kept as a package var rather than threaded through every parse
// call.
var Global = NewDatagramPool()

// Get retrieves a datagram buffer of exactly size bytes from Global.
func Get(size int) []byte { return Global.Get(size) }

// Put returns buf to Global.
func Put(buf []byte) { Global.Put(buf) }

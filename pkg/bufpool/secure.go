package bufpool

import (
	"sync"
)

// TokenPool hands out buffers for connection-owned secrets: the token
// bytes of Initial and Retry packets. Buffers are zeroed on both Get and Put and
// kept in their own pool so a reused buffer never carries a prior
// connection's secret into a new one.
type TokenPool struct {
	pool sync.Pool
}

// NewTokenPool returns an empty secure pool.
func NewTokenPool() *TokenPool {
	return &TokenPool{
		pool: sync.Pool{New: func() interface{} { b := make([]byte, 0, 256); return &b }},
	}
}

// Copy returns a pool-owned buffer holding a copy of data. The caller owns
// the result until it calls Release.
func (tp *TokenPool) Copy(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	bufPtr := tp.pool.Get().(*[]byte)
	buf := (*bufPtr)[:0]
	if cap(buf) < len(data) {
		buf = make([]byte, 0, len(data))
	}
	buf = append(buf, data...)
	return buf
}

// Release zeroes buf and returns its backing array to the pool.
func (tp *TokenPool) Release(buf []byte) {
	if buf == nil {
		return
	}
	full := buf[:cap(buf)]
	for i := range full {
		full[i] = 0
	}
	zeroed := full[:0]
	tp.pool.Put(&zeroed)
}

// GlobalTokens is the package-level secure pool backing Initial and retry
// tokens throughout pkg/quic.
var GlobalTokens = NewTokenPool()

// CopyToken copies data into a pool-owned buffer via GlobalTokens.
func CopyToken(data []byte) []byte { return GlobalTokens.Copy(data) }

// ReleaseToken zeroes and returns buf to GlobalTokens.
func ReleaseToken(buf []byte) { GlobalTokens.Release(buf) }

package bufpool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registered unconditionally: pkg/quic's packet parser is on the
// datagram hot path, so pool hit rate is a first-class operability
// signal.
var (
	bufpoolGets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcore",
		Subsystem: "bufpool",
		Name:      "gets_total",
		Help:      "Total datagram-pool Get calls, by size class.",
	}, []string{"class"})

	bufpoolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcore",
		Subsystem: "bufpool",
		Name:      "misses_total",
		Help:      "Total datagram-pool allocations on a miss, by size class.",
	}, []string{"class"})

	bufpoolPuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcore",
		Subsystem: "bufpool",
		Name:      "puts_total",
		Help:      "Total datagram-pool Put calls, by size class.",
	}, []string{"class"})
)

// UpdateMetrics pushes Global's current counters into Prometheus. The
// caller is expected to invoke this periodically (e.g. from the same
// wheel that drives connection wakeups); the core itself never spawns a
// goroutine to do this.
func UpdateMetrics() {
	pushMu.Lock()
	defer pushMu.Unlock()
	m, p := Global.snapshot(), lastPushed
	lastPushed = m
	bufpoolGets.WithLabelValues("initial").Add(float64(m.GetsInitial - p.GetsInitial))
	bufpoolGets.WithLabelValues("mtu").Add(float64(m.GetsMTU - p.GetsMTU))
	bufpoolGets.WithLabelValues("jumbo").Add(float64(m.GetsJumbo - p.GetsJumbo))
	bufpoolMisses.WithLabelValues("initial").Add(float64(m.MissesInitial - p.MissesInitial))
	bufpoolMisses.WithLabelValues("mtu").Add(float64(m.MissesMTU - p.MissesMTU))
	bufpoolMisses.WithLabelValues("jumbo").Add(float64(m.MissesJumbo - p.MissesJumbo))
	bufpoolPuts.WithLabelValues("initial").Add(float64(m.PutsInitial - p.PutsInitial))
	bufpoolPuts.WithLabelValues("mtu").Add(float64(m.PutsMTU - p.PutsMTU))
	bufpoolPuts.WithLabelValues("jumbo").Add(float64(m.PutsJumbo - p.PutsJumbo))
}

// lastPushed is the snapshot UpdateMetrics last pushed, so each call adds
// only the activity since then.
var (
	pushMu     sync.Mutex
	lastPushed Metrics
)

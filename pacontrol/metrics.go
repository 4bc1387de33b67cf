package pacontrol

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a thread-safe counter
type Counter struct {
	value int64
}

// Add adds a delta to the counter
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	c.Add(1)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to 0
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// Gauge is a thread-safe gauge that can go up and down
type Gauge struct {
	value int64
}

func (g *Gauge) Set(value int64) { atomic.StoreInt64(&g.value, value) }
func (g *Gauge) Add(delta int64) { atomic.AddInt64(&g.value, delta) }
func (g *Gauge) Inc()            { g.Add(1) }
func (g *Gauge) Dec()            { g.Add(-1) }
func (g *Gauge) Value() int64    { return atomic.LoadInt64(&g.value) }

// latencyBounds are the upper bounds of the histogram buckets. The last
// bucket counts everything at or above the final bound.
var latencyBounds = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// LatencyHistogram tracks request round-trip times
type LatencyHistogram struct {
	mu      sync.RWMutex
	count   int64
	sum     time.Duration
	min     time.Duration
	max     time.Duration
	buckets []int64
}

// NewLatencyHistogram creates a new latency histogram
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		min:     -1,
		buckets: make([]int64, len(latencyBounds)+1),
	}
}

// Record records a latency measurement
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += d
	if h.min < 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}

	i := 0
	for i < len(latencyBounds) && d >= latencyBounds[i] {
		i++
	}
	h.buckets[i]++
}

// Stats returns histogram statistics
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := LatencyStats{
		Count:   h.count,
		Buckets: make([]int64, len(h.buckets)),
	}
	copy(stats.Buckets, h.buckets)

	if h.count > 0 {
		stats.Min = h.min
		stats.Max = h.max
		stats.Avg = h.sum / time.Duration(h.count)
	}
	return stats
}

// Reset resets the histogram
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count = 0
	h.sum = 0
	h.min = -1
	h.max = 0
	for i := range h.buckets {
		h.buckets[i] = 0
	}
}

// LatencyStats contains latency statistics
type LatencyStats struct {
	Count   int64
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Buckets []int64
}

// Metrics holds session metrics. One instance may be shared by several
// devices through WithMetrics.
type Metrics struct {
	// Session lifecycle
	ConnectAttempts  Counter
	ConnectSuccesses Counter
	ConnectFailures  Counter
	Disconnects      Counter

	// Keepalive
	KeepalivesSent     Counter
	KeepalivesReceived Counter

	// Commands and their outcome
	CommandsSent      Counter
	RequestsSucceeded Counter
	RequestsFailed    Counter
	RequestsTimedOut  Counter
	RequestsCanceled  Counter
	RequestsRetried   Counter
	StatusErrors      Counter

	// Inbound traffic
	ResponsesReceived Counter
	ResponsesDropped  Counter
	DecodeErrors      Counter

	RequestLatency *LatencyHistogram

	BytesSent     Counter
	BytesReceived Counter

	ActiveRequests Gauge

	startTime    time.Time
	lastActivity atomic.Int64
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		RequestLatency: NewLatencyHistogram(),
		startTime:      time.Now(),
	}
}

// RecordActivity records the last activity time
func (m *Metrics) RecordActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time a datagram was last received
func (m *Metrics) LastActivity() time.Time {
	ns := m.lastActivity.Load()
	if ns == 0 {
		return m.startTime
	}
	return time.Unix(0, ns)
}

// Uptime returns the time since metrics started
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	for _, c := range []*Counter{
		&m.ConnectAttempts, &m.ConnectSuccesses, &m.ConnectFailures, &m.Disconnects,
		&m.KeepalivesSent, &m.KeepalivesReceived,
		&m.CommandsSent, &m.RequestsSucceeded, &m.RequestsFailed, &m.RequestsTimedOut, &m.RequestsCanceled,
		&m.RequestsRetried, &m.StatusErrors,
		&m.ResponsesReceived, &m.ResponsesDropped, &m.DecodeErrors,
		&m.BytesSent, &m.BytesReceived,
	} {
		c.Reset()
	}
	m.RequestLatency.Reset()
	m.ActiveRequests.Set(0)
	m.startTime = time.Now()
	m.lastActivity.Store(0)
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uptime: m.Uptime(),

		ConnectAttempts:  m.ConnectAttempts.Value(),
		ConnectSuccesses: m.ConnectSuccesses.Value(),
		ConnectFailures:  m.ConnectFailures.Value(),
		Disconnects:      m.Disconnects.Value(),

		KeepalivesSent:     m.KeepalivesSent.Value(),
		KeepalivesReceived: m.KeepalivesReceived.Value(),

		CommandsSent:      m.CommandsSent.Value(),
		RequestsSucceeded: m.RequestsSucceeded.Value(),
		RequestsFailed:    m.RequestsFailed.Value(),
		RequestsTimedOut:  m.RequestsTimedOut.Value(),
		RequestsCanceled:  m.RequestsCanceled.Value(),
		RequestsRetried:   m.RequestsRetried.Value(),
		StatusErrors:      m.StatusErrors.Value(),

		ResponsesReceived: m.ResponsesReceived.Value(),
		ResponsesDropped:  m.ResponsesDropped.Value(),
		DecodeErrors:      m.DecodeErrors.Value(),

		LatencyStats: m.RequestLatency.Stats(),

		BytesSent:     m.BytesSent.Value(),
		BytesReceived: m.BytesReceived.Value(),

		ActiveRequests: m.ActiveRequests.Value(),

		LastActivity: m.LastActivity(),
	}
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	Uptime time.Duration `json:"uptime"`

	ConnectAttempts  int64 `json:"connect_attempts"`
	ConnectSuccesses int64 `json:"connect_successes"`
	ConnectFailures  int64 `json:"connect_failures"`
	Disconnects      int64 `json:"disconnects"`

	KeepalivesSent     int64 `json:"keepalives_sent"`
	KeepalivesReceived int64 `json:"keepalives_received"`

	CommandsSent      int64 `json:"commands_sent"`
	RequestsSucceeded int64 `json:"requests_succeeded"`
	RequestsFailed    int64 `json:"requests_failed"`
	RequestsTimedOut  int64 `json:"requests_timed_out"`
	RequestsCanceled  int64 `json:"requests_canceled"`
	RequestsRetried   int64 `json:"requests_retried"`
	StatusErrors      int64 `json:"status_errors"`

	ResponsesReceived int64 `json:"responses_received"`
	ResponsesDropped  int64 `json:"responses_dropped"`
	DecodeErrors      int64 `json:"decode_errors"`

	LatencyStats LatencyStats `json:"latency"`

	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`

	ActiveRequests int64 `json:"active_requests"`

	LastActivity time.Time `json:"last_activity"`
}

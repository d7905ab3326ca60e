package observability

import (
	"sync"
	"time"
)

type HandlerSnapshot struct {
	Count         int64   `json:"count"`
	Failures      int64   `json:"failures"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec     int64                      `json:"uptime_sec"`
	TotalHandled  int64                      `json:"total_handled"`
	TotalFailures int64                      `json:"total_failures"`
	InFlight      int64                      `json:"in_flight"`
	Dropped       int64                      `json:"dropped"`
	TraceDropped  int64                      `json:"trace_dropped"`
	PublishWaits  int64                      `json:"publish_waits"`
	PublishWaitMs int64                      `json:"publish_wait_ms"`
	Transitions   map[string]int64           `json:"transitions"`
	Lifecycle     *LifecycleSnapshot         `json:"lifecycle,omitempty"`
	Handlers      map[string]HandlerSnapshot `json:"handlers"`
}

type handlerStats struct {
	count        int64
	failures     int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics aggregates saga processing counters for the /metrics endpoint.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu           sync.Mutex
	start        time.Time
	handlers     map[string]*handlerStats
	transitions  map[string]int64
	dropped      int64
	traceDropped int64
	publishWaits int64
	publishWait  time.Duration
	lifecycle    lifecycleStats
}

type HandlerSpan struct {
	metrics *Metrics
	handler string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:       time.Now(),
		handlers:    make(map[string]*handlerStats),
		transitions: make(map[string]int64),
	}
}

// Start opens a span for one invocation of the named handler, e.g. "inventory.handle".
func (m *Metrics) Start(handler string) *HandlerSpan {
	if m == nil {
		return &HandlerSpan{}
	}
	m.mu.Lock()
	stats := m.ensureHandler(handler)
	stats.inFlight++
	m.mu.Unlock()
	return &HandlerSpan{
		metrics: m,
		handler: handler,
		start:   time.Now(),
	}
}

// End closes the span; failed marks a saga step that ended in FAIL or ROLLBACK_PENDING.
func (s *HandlerSpan) End(failed bool) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.handler, dur, failed)
}

// AddTransition counts one routing decision of the given kind.
func (m *Metrics) AddTransition(kind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.transitions[kind]++
	m.mu.Unlock()
}

// AddDropped counts an event the orchestrator could not route.
func (m *Metrics) AddDropped() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// AddTraceDropped counts a dashboard trace discarded on a full queue.
func (m *Metrics) AddTraceDropped() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.traceDropped++
	m.mu.Unlock()
}

// AddPublishWait records time spent waiting on the publish rate limiter.
func (m *Metrics) AddPublishWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.publishWaits++
	m.publishWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:     int64(now.Sub(m.start).Seconds()),
		Handlers:      make(map[string]HandlerSnapshot),
		Transitions:   make(map[string]int64, len(m.transitions)),
		Dropped:       m.dropped,
		TraceDropped:  m.traceDropped,
		PublishWaits:  m.publishWaits,
		PublishWaitMs: int64(m.publishWait / time.Millisecond),
	}

	for kind, n := range m.transitions {
		snap.Transitions[kind] = n
	}

	for handler, stats := range m.handlers {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Handlers[handler] = HandlerSnapshot{
			Count:         stats.count,
			Failures:      stats.failures,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalHandled += stats.count
		snap.TotalFailures += stats.failures
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureHandler(handler string) *handlerStats {
	stats, ok := m.handlers[handler]
	if !ok {
		stats = &handlerStats{}
		m.handlers[handler] = stats
	}
	return stats
}

func (m *Metrics) finish(handler string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureHandler(handler)
	stats.inFlight--
	stats.count++
	if failed {
		stats.failures++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

// MarkShutdown records the moment the process began draining.
func (m *Metrics) MarkShutdown() {
	if m == nil {
		return
	}
	m.mu.Lock()
	var inflight int64
	for _, stats := range m.handlers {
		inflight += stats.inFlight
	}
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}

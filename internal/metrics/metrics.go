package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	maxSamples = 1000
	ewmaAlpha  = 0.2
)

type upstreamStats struct {
	calls         int64
	failures      map[string]int64
	retries       int64
	responseTimes []time.Duration
	ewma          time.Duration
	breakerState  string
	breakerOpens  int64
	healthy       bool
	probes        int64
}

type Metrics struct {
	mutex     sync.RWMutex
	upstreams map[string]*upstreamStats
	startTime time.Time
}

type Snapshot struct {
	TotalCalls    int64                      `json:"total_calls"`
	TotalFailures int64                      `json:"total_failures"`
	Uptime        time.Duration              `json:"uptime"`
	Upstreams     map[string]UpstreamMetrics `json:"upstreams"`
}

type UpstreamMetrics struct {
	Calls        int64            `json:"calls"`
	Failures     map[string]int64 `json:"failures,omitempty"`
	Retries      int64            `json:"retries"`
	BreakerState string           `json:"breaker_state,omitempty"`
	BreakerOpens int64            `json:"breaker_opens"`
	Healthy      bool             `json:"healthy"`
	Probes       int64            `json:"probes"`
	EWMAResponse time.Duration    `json:"ewma_response"`
	AvgResponse  time.Duration    `json:"avg_response"`
	P50Response  time.Duration    `json:"p50_response"`
	P95Response  time.Duration    `json:"p95_response"`
	P99Response  time.Duration    `json:"p99_response"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		upstreams: make(map[string]*upstreamStats),
		startTime: time.Now(),
	}
}

// stats must be called with the write lock held.
func (m *Metrics) stats(upstream string) *upstreamStats {
	s, ok := m.upstreams[upstream]
	if !ok {
		s = &upstreamStats{failures: make(map[string]int64)}
		m.upstreams[upstream] = s
	}
	return s
}

// RecordCall counts one finished tool call. kind is empty for successes.
func (m *Metrics) RecordCall(upstream string, duration time.Duration, kind string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := m.stats(upstream)
	s.calls++
	if kind != "" {
		s.failures[kind]++
	}

	s.responseTimes = append(s.responseTimes, duration)
	if len(s.responseTimes) > maxSamples {
		s.responseTimes = s.responseTimes[1:]
	}

	if s.calls == 1 {
		s.ewma = duration
		return
	}
	// ewma = (1 - α) * ewma + α * latest
	s.ewma = time.Duration((1-ewmaAlpha)*float64(s.ewma) + ewmaAlpha*float64(duration))
}

func (m *Metrics) IncrementRetries(upstream string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stats(upstream).retries++
}

func (m *Metrics) UpdateBreakerState(upstream, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := m.stats(upstream)
	if state == "OPEN" && s.breakerState != "OPEN" {
		s.breakerOpens++
	}
	s.breakerState = state
}

func (m *Metrics) UpdateHealthStatus(upstream string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := m.stats(upstream)
	s.healthy = healthy
	s.probes++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:    time.Since(m.startTime),
		Upstreams: make(map[string]UpstreamMetrics, len(m.upstreams)),
	}

	for name, s := range m.upstreams {
		um := UpstreamMetrics{
			Calls:        s.calls,
			Retries:      s.retries,
			BreakerState: s.breakerState,
			BreakerOpens: s.breakerOpens,
			Healthy:      s.healthy,
			Probes:       s.probes,
			EWMAResponse: s.ewma,
		}

		if len(s.failures) > 0 {
			um.Failures = make(map[string]int64, len(s.failures))
			for kind, n := range s.failures {
				um.Failures[kind] = n
				snap.TotalFailures += n
			}
		}
		snap.TotalCalls += s.calls

		if len(s.responseTimes) > 0 {
			sorted := make([]time.Duration, len(s.responseTimes))
			copy(sorted, s.responseTimes)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			um.AvgResponse = average(sorted)
			um.P50Response = percentile(sorted, 0.50)
			um.P95Response = percentile(sorted, 0.95)
			um.P99Response = percentile(sorted, 0.99)
		}

		snap.Upstreams[name] = um
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}

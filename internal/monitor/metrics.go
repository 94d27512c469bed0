package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"position-core/internal/gateway"
)

// SystemMetrics tracks scan, sync and exchange performance.
type SystemMetrics struct {
	mu sync.RWMutex

	ScanLatency     *LatencyHistogram
	SyncLatency     *LatencyHistogram
	ExchangeLatency *LatencyHistogram
	APILatency      *LatencyHistogram

	scans            atomic.Uint64
	positionsChecked atomic.Uint64
	priceSkips       atomic.Uint64
	fullCloses       atomic.Uint64
	partialCloses    atomic.Uint64
	warnings         atomic.Uint64
	errorsCount      atomic.Uint64
	syncCycles       atomic.Uint64
	externalFound    atomic.Uint64
	apiRequests      atomic.Uint64
	apiErrors        atomic.Uint64

	gatewayStats gateway.PoolStats
	lastScan     ScanReport
}

// LatencyHistogram keeps a sliding window of samples and computes stats lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		ScanLatency:     NewLatencyHistogram(1000),
		SyncLatency:     NewLatencyHistogram(1000),
		ExchangeLatency: NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordScan folds a finished scan into the counters.
func (m *SystemMetrics) RecordScan(r ScanReport) {
	m.scans.Add(1)
	m.positionsChecked.Add(uint64(r.Checked))
	m.priceSkips.Add(uint64(r.NoPrice))
	m.fullCloses.Add(uint64(r.Closed))
	m.partialCloses.Add(uint64(r.PartialCloses))
	m.warnings.Add(uint64(r.Warnings))
	m.errorsCount.Add(uint64(len(r.Errors)))
	m.ScanLatency.RecordDuration(r.Took)

	m.mu.Lock()
	m.lastScan = r
	m.mu.Unlock()
}

// RecordSync counts one reconciliation cycle.
func (m *SystemMetrics) RecordSync(took time.Duration, created, errs int) {
	m.syncCycles.Add(1)
	m.externalFound.Add(uint64(created))
	m.errorsCount.Add(uint64(errs))
	m.SyncLatency.RecordDuration(took)
}

// RecordRequest counts one API request; 5xx responses count as errors.
func (m *SystemMetrics) RecordRequest(status int, took time.Duration) {
	m.apiRequests.Add(1)
	if status >= 500 {
		m.apiErrors.Add(1)
	}
	m.APILatency.RecordDuration(took)
}

// IncrementErrors counts a failure outside a scan or sync.
func (m *SystemMetrics) IncrementErrors() {
	m.errorsCount.Add(1)
}

// MetricsSnapshot is a point-in-time view for the API.
type MetricsSnapshot struct {
	ScanLatency      LatencyStats      `json:"scan_latency"`
	SyncLatency      LatencyStats      `json:"sync_latency"`
	ExchangeLatency  LatencyStats      `json:"exchange_latency"`
	APILatency       LatencyStats      `json:"api_latency"`
	Scans            uint64            `json:"scans"`
	PositionsChecked uint64            `json:"positions_checked"`
	PriceSkips       uint64            `json:"price_skips"`
	FullCloses       uint64            `json:"full_closes"`
	PartialCloses    uint64            `json:"partial_closes"`
	Warnings         uint64            `json:"liquidation_warnings"`
	ErrorsCount      uint64            `json:"errors_count"`
	SyncCycles       uint64            `json:"sync_cycles"`
	ExternalFound    uint64            `json:"external_found"`
	APIRequests      uint64            `json:"api_requests"`
	APIErrors        uint64            `json:"api_errors"`
	LastScan         ScanReport        `json:"last_scan"`
	GatewayPool      gateway.PoolStats `json:"gateway_pool"`
	GoroutineCount   int               `json:"goroutine_count"`
	HeapAlloc        uint64            `json:"heap_alloc_bytes"`
	Timestamp        time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	gwStats := m.gatewayStats
	last := m.lastScan
	m.mu.RUnlock()

	return MetricsSnapshot{
		ScanLatency:      m.ScanLatency.Stats(),
		SyncLatency:      m.SyncLatency.Stats(),
		ExchangeLatency:  m.ExchangeLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		Scans:            m.scans.Load(),
		PositionsChecked: m.positionsChecked.Load(),
		PriceSkips:       m.priceSkips.Load(),
		FullCloses:       m.fullCloses.Load(),
		PartialCloses:    m.partialCloses.Load(),
		Warnings:         m.warnings.Load(),
		ErrorsCount:      m.errorsCount.Load(),
		SyncCycles:       m.syncCycles.Load(),
		ExternalFound:    m.externalFound.Load(),
		APIRequests:      m.apiRequests.Load(),
		APIErrors:        m.apiErrors.Load(),
		LastScan:         last,
		GatewayPool:      gwStats,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Timestamp:        time.Now(),
	}
}

// SetGatewayPoolStats updates gateway pool statistics.
func (m *SystemMetrics) SetGatewayPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayStats = stats
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}

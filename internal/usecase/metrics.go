package usecase

import (
	"sync"
	"time"

	"github.com/LP75/authenticite-image/internal/analyzer"
)

// AnalysisMetrics summarises the invocations of one analysis since start-up.
type AnalysisMetrics struct {
	Invocations      int64   `json:"invocations"`
	Failures         int64   `json:"failures"`
	CacheHits        int64   `json:"cache_hits"`
	SuccessRate      float64 `json:"success_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// MetricsSummary represents aggregated analysis insights.
type MetricsSummary struct {
	Localization AnalysisMetrics `json:"localization"`
	Authenticity AnalysisMetrics `json:"authenticity"`
}

type counters struct {
	invocations int64
	failures    int64
	cacheHits   int64
	latency     time.Duration
}

type metricsRecorder struct {
	mu     sync.Mutex
	byKind map[analyzer.Analysis]*counters
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{byKind: map[analyzer.Analysis]*counters{
		analyzer.Localization: {},
		analyzer.Authenticity: {},
	}}
}

func (m *metricsRecorder) recordInvocation(analysis analyzer.Analysis, ok bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters(analysis)
	c.invocations++
	c.latency += latency
	if !ok {
		c.failures++
	}
}

func (m *metricsRecorder) recordCacheHit(analysis analyzer.Analysis) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters(analysis).cacheHits++
}

func (m *metricsRecorder) counters(analysis analyzer.Analysis) *counters {
	c, ok := m.byKind[analysis]
	if !ok {
		c = &counters{}
		m.byKind[analysis] = c
	}
	return c
}

func (m *metricsRecorder) snapshot(analysis analyzer.Analysis) AnalysisMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters(analysis)
	out := AnalysisMetrics{
		Invocations: c.invocations,
		Failures:    c.failures,
		CacheHits:   c.cacheHits,
	}
	if c.invocations > 0 {
		out.SuccessRate = float64(c.invocations-c.failures) / float64(c.invocations)
		out.AverageLatencyMs = float64(c.latency.Milliseconds()) / float64(c.invocations)
	}
	return out
}

// GetMetricsSummary reports invocation counters for both analyses.
func (uc *AnalysisUseCase) GetMetricsSummary() *MetricsSummary {
	return &MetricsSummary{
		Localization: uc.metrics.snapshot(analyzer.Localization),
		Authenticity: uc.metrics.snapshot(analyzer.Authenticity),
	}
}

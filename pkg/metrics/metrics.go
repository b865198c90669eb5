package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Metrics collects usage metrics for archive reads
type Metrics struct {
	mu sync.RWMutex

	// Open metrics
	OpensTotal     int64
	OpenFailures   int64
	OpenDurationNs int64

	// Extraction metrics, by member name
	ExtractBytesTotal map[string]int64
	ExtractCountTotal map[string]int64
	ExtractFailures   int64

	// Verification metrics
	VerifyTotal    int64
	VerifyFailures int64

	// FUSE read path metrics
	ReadHitsTotal   int64
	ReadMissesTotal int64
	ReadBytesTotal  int64
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		ExtractBytesTotal: make(map[string]int64),
		ExtractCountTotal: make(map[string]int64),
	}
}

// RecordOpen records an archive open attempt
func (m *Metrics) RecordOpen(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpensTotal++
	m.OpenDurationNs += duration.Nanoseconds()
	if err != nil {
		m.OpenFailures++
	}

	log.Debug().
		Dur("duration", duration).
		Bool("ok", err == nil).
		Msg("archive open completed")
}

// RecordExtract records a member extraction
func (m *Metrics) RecordExtract(name string, bytes int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.ExtractFailures++
		return
	}

	m.ExtractBytesTotal[name] += bytes
	m.ExtractCountTotal[name]++

	log.Debug().
		Str("member", name).
		Int64("bytes", bytes).
		Msg("member extracted")
}

// RecordVerify records a checksum verification
func (m *Metrics) RecordVerify(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.VerifyTotal++
	if err != nil {
		m.VerifyFailures++
	}
}

// RecordRead records FUSE read operation
func (m *Metrics) RecordRead(bytes int64, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadBytesTotal += bytes
	if hit {
		m.ReadHitsTotal++
	} else {
		m.ReadMissesTotal++
	}

	log.Debug().
		Int64("bytes", bytes).
		Bool("cache_hit", hit).
		Int64("total_hits", m.ReadHitsTotal).
		Int64("total_misses", m.ReadMissesTotal).
		Msg("read completed")
}

// Snapshot returns the current counters keyed by metric name
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totalExtractBytes, totalExtractCount int64
	for name, bytes := range m.ExtractBytesTotal {
		totalExtractBytes += bytes
		totalExtractCount += m.ExtractCountTotal[name]
	}

	return map[string]interface{}{
		"pbo_opens_total":            m.OpensTotal,
		"pbo_open_failures_total":    m.OpenFailures,
		"pbo_open_seconds_total":     float64(m.OpenDurationNs) / 1e9,
		"pbo_extract_bytes_total":    totalExtractBytes,
		"pbo_extract_count_total":    totalExtractCount,
		"pbo_extract_failures_total": m.ExtractFailures,
		"pbo_verify_total":           m.VerifyTotal,
		"pbo_verify_failures_total":  m.VerifyFailures,
		"pbo_read_hits_total":        m.ReadHitsTotal,
		"pbo_read_misses_total":      m.ReadMissesTotal,
		"pbo_read_bytes_total":       m.ReadBytesTotal,
	}
}

// LogSummary logs a summary of current metrics
func (m *Metrics) LogSummary() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totalExtractBytes, totalExtractCount int64
	for _, bytes := range m.ExtractBytesTotal {
		totalExtractBytes += bytes
	}
	for _, count := range m.ExtractCountTotal {
		totalExtractCount += count
	}

	cacheHitRate := float64(0)
	if m.ReadHitsTotal+m.ReadMissesTotal > 0 {
		cacheHitRate = float64(m.ReadHitsTotal) / float64(m.ReadHitsTotal+m.ReadMissesTotal)
	}

	log.Info().
		Int64("opens", m.OpensTotal).
		Int64("open_failures", m.OpenFailures).
		Int64("extract_bytes", totalExtractBytes).
		Int64("extract_count", totalExtractCount).
		Int64("extract_failures", m.ExtractFailures).
		Int64("verify_failures", m.VerifyFailures).
		Int64("read_hits", m.ReadHitsTotal).
		Int64("read_misses", m.ReadMissesTotal).
		Float64("cache_hit_rate", cacheHitRate).
		Msg("metrics summary")
}

// Global metrics instance
var GlobalMetrics = NewMetrics()

// Convenience functions for global metrics
func RecordOpen(duration time.Duration, err error) {
	GlobalMetrics.RecordOpen(duration, err)
}

func RecordExtract(name string, bytes int64, err error) {
	GlobalMetrics.RecordExtract(name, bytes, err)
}

func RecordVerify(err error) {
	GlobalMetrics.RecordVerify(err)
}

func RecordRead(bytes int64, hit bool) {
	GlobalMetrics.RecordRead(bytes, hit)
}

func LogMetricsSummary() {
	GlobalMetrics.LogSummary()
}

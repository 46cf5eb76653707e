package arena

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the histogram bucket upper bounds, in nanoseconds,
// for allocator operation latency.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks allocator and persistence activity for one or more regions.
type Metrics struct {
	AllocOps   atomic.Uint64
	FreeOps    atomic.Uint64
	GrowOps    atomic.Uint64
	CommitOps  atomic.Uint64
	RewindOps  atomic.Uint64

	BytesAllocated atomic.Uint64
	BytesFreed     atomic.Uint64
	BytesGrown     atomic.Uint64

	AllocErrors  atomic.Uint64
	CommitErrors atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics returns a fresh, zeroed Metrics with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordAlloc records a completed Alloc call.
func (m *Metrics) RecordAlloc(bytes uint64, latencyNs uint64, success bool) {
	m.AllocOps.Add(1)
	if success {
		m.BytesAllocated.Add(bytes)
	} else {
		m.AllocErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFree records a completed Free call.
func (m *Metrics) RecordFree(bytes uint64) {
	m.FreeOps.Add(1)
	m.BytesFreed.Add(bytes)
}

// RecordGrow records a region growth event.
func (m *Metrics) RecordGrow(addedBytes uint64) {
	m.GrowOps.Add(1)
	m.BytesGrown.Add(addedBytes)
}

// RecordCommit records a persistence commit or rewind.
func (m *Metrics) RecordCommit(reverse bool, success bool) {
	if reverse {
		m.RewindOps.Add(1)
	} else {
		m.CommitOps.Add(1)
	}
	if !success {
		m.CommitErrors.Add(1)
	}
}

// Snapshot is a point-in-time copy of Metrics suitable for logging or export.
type Snapshot struct {
	AllocOps, FreeOps, GrowOps, CommitOps, RewindOps uint64
	BytesAllocated, BytesFreed, BytesGrown           uint64
	AllocErrors, CommitErrors                        uint64
	AvgLatencyNs                                     uint64
	UptimeNs                                         uint64
	LatencyHistogram                                 [numLatencyBuckets]uint64
}

// Snapshot captures the current values of every counter.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		AllocOps:       m.AllocOps.Load(),
		FreeOps:        m.FreeOps.Load(),
		GrowOps:        m.GrowOps.Load(),
		CommitOps:      m.CommitOps.Load(),
		RewindOps:      m.RewindOps.Load(),
		BytesAllocated: m.BytesAllocated.Load(),
		BytesFreed:     m.BytesFreed.Load(),
		BytesGrown:     m.BytesGrown.Load(),
		AllocErrors:    m.AllocErrors.Load(),
		CommitErrors:   m.CommitErrors.Load(),
		UptimeNs:       uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
	if opCount := m.OpCount.Load(); opCount > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}
	for i := 0; i < numLatencyBuckets; i++ {
		s.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return s
}

// Observer allows pluggable collection of allocator events, the same
// hook-based pattern loop.Observer uses one layer down the stack.
type Observer interface {
	ObserveAlloc(bytes uint64, latencyNs uint64, success bool)
	ObserveFree(bytes uint64)
	ObserveGrow(addedBytes uint64)
	ObserveCommit(reverse bool, success bool)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAlloc(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFree(uint64)                {}
func (NoOpObserver) ObserveGrow(uint64)                {}
func (NoOpObserver) ObserveCommit(bool, bool)          {}

// MetricsObserver feeds events into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAlloc(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordAlloc(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveFree(bytes uint64)       { o.metrics.RecordFree(bytes) }
func (o *MetricsObserver) ObserveGrow(addedBytes uint64)  { o.metrics.RecordGrow(addedBytes) }
func (o *MetricsObserver) ObserveCommit(reverse, ok bool) { o.metrics.RecordCommit(reverse, ok) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)

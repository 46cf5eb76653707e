package loop

import "sync/atomic"

// Metrics accumulates scheduler-level counters, mirroring arena.Metrics'
// atomic-counter style.
type Metrics struct {
	TasksScheduled uint64
	TasksFinished  uint64
	TasksErrored   uint64
	Yields         uint64
	IOWaits        uint64
	SemWaits       uint64
	Sleeps         uint64
	ForceStops     uint64
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) incSchedule()  { atomic.AddUint64(&m.TasksScheduled, 1) }
func (m *Metrics) incFinish()    { atomic.AddUint64(&m.TasksFinished, 1) }
func (m *Metrics) incError()     { atomic.AddUint64(&m.TasksErrored, 1) }
func (m *Metrics) incYield()     { atomic.AddUint64(&m.Yields, 1) }
func (m *Metrics) incIOWait()    { atomic.AddUint64(&m.IOWaits, 1) }
func (m *Metrics) incSemWait()   { atomic.AddUint64(&m.SemWaits, 1) }
func (m *Metrics) incSleep()     { atomic.AddUint64(&m.Sleeps, 1) }
func (m *Metrics) incForceStop() { atomic.AddUint64(&m.ForceStops, 1) }

// Snapshot is a point-in-time, non-atomic copy of Metrics for reporting.
type Snapshot struct {
	TasksScheduled uint64
	TasksFinished  uint64
	TasksErrored   uint64
	Yields         uint64
	IOWaits        uint64
	SemWaits       uint64
	Sleeps         uint64
	ForceStops     uint64
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TasksScheduled: atomic.LoadUint64(&m.TasksScheduled),
		TasksFinished:  atomic.LoadUint64(&m.TasksFinished),
		TasksErrored:   atomic.LoadUint64(&m.TasksErrored),
		Yields:         atomic.LoadUint64(&m.Yields),
		IOWaits:        atomic.LoadUint64(&m.IOWaits),
		SemWaits:       atomic.LoadUint64(&m.SemWaits),
		Sleeps:         atomic.LoadUint64(&m.Sleeps),
		ForceStops:     atomic.LoadUint64(&m.ForceStops),
	}
}

// Observer receives scheduler lifecycle events, mirroring arena.Observer's
// hook-based pattern with named schedule/finish/yield/io-wait/sem-wait/
// sleep/force-stop/error events.
// Implementations must not block the scheduler.
type Observer interface {
	ObserveTaskScheduled(t *Task)
	ObserveTaskFinished(t *Task)
	ObserveYield(t *Task)
	ObserveIOWait(t *Task)
	ObserveSemWait(t *Task)
	ObserveSleep(t *Task)
	ObserveForceStop(t *Task)
	ObserveError(err error)
}

// NoOpObserver discards every event; it is the default for a Pool that
// doesn't configure one.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTaskScheduled(*Task) {}
func (NoOpObserver) ObserveTaskFinished(*Task)  {}
func (NoOpObserver) ObserveYield(*Task)         {}
func (NoOpObserver) ObserveIOWait(*Task)        {}
func (NoOpObserver) ObserveSemWait(*Task)       {}
func (NoOpObserver) ObserveSleep(*Task)         {}
func (NoOpObserver) ObserveForceStop(*Task)     {}
func (NoOpObserver) ObserveError(error)         {}

// MetricsObserver records scheduler events into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTaskScheduled(*Task) { o.metrics.incSchedule() }
func (o *MetricsObserver) ObserveTaskFinished(t *Task) {
	o.metrics.incFinish()
	if t.err != nil {
		o.metrics.incError()
	}
}
func (o *MetricsObserver) ObserveYield(*Task)     { o.metrics.incYield() }
func (o *MetricsObserver) ObserveIOWait(*Task)     { o.metrics.incIOWait() }
func (o *MetricsObserver) ObserveSemWait(*Task)    { o.metrics.incSemWait() }
func (o *MetricsObserver) ObserveSleep(*Task)       { o.metrics.incSleep() }
func (o *MetricsObserver) ObserveForceStop(*Task)   { o.metrics.incForceStop() }
func (o *MetricsObserver) ObserveError(error)       { o.metrics.incError() }

var (
	_ Observer = NoOpObserver{}
	_ Observer = (*MetricsObserver)(nil)
)

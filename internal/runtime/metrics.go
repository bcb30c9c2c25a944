package runtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks runtime statistics across shards.
type Metrics struct {
	mu sync.Mutex

	tasksProcessed *prometheus.CounterVec
	taskFailures   *prometheus.CounterVec
	pollRounds     *prometheus.CounterVec
	sleeps         *prometheus.CounterVec
	stalls         *prometheus.CounterVec

	smpSent      *prometheus.CounterVec
	smpCompleted *prometheus.CounterVec
	smpTimeouts  *prometheus.CounterVec

	queueRuntime *prometheus.GaugeVec
	queueBacklog *prometheus.GaugeVec
	queueShares  *prometheus.GaugeVec

	memFree  *prometheus.GaugeVec
	memTotal *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newRuntimeCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardflow",
			Subsystem: "reactor",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newRuntimeGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardflow",
			Subsystem: "reactor",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collector set. Pass nil to use the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		tasksProcessed: newRuntimeCounterVec("tasks_processed_total", "Tasks completed per shard.", []string{"shard"}),
		taskFailures:   newRuntimeCounterVec("task_failures_total", "Tasks that panicked per shard.", []string{"shard"}),
		pollRounds:     newRuntimeCounterVec("poll_rounds_total", "Poller loop iterations per shard.", []string{"shard"}),
		sleeps:         newRuntimeCounterVec("sleeps_total", "Times the reactor armed wakeups and slept.", []string{"shard"}),
		stalls:         newRuntimeCounterVec("stalls_total", "Stalls recorded by the watchdog.", []string{"shard"}),
		smpSent:        newRuntimeCounterVec("smp_messages_sent_total", "Cross-shard messages submitted.", []string{"shard"}),
		smpCompleted:   newRuntimeCounterVec("smp_messages_completed_total", "Cross-shard completions delivered.", []string{"shard"}),
		smpTimeouts:    newRuntimeCounterVec("smp_admission_timeouts_total", "Submissions rejected by admission deadline.", []string{"shard"}),
		queueRuntime:   newRuntimeGaugeVec("queue_runtime_seconds", "Accumulated real run time per task queue.", []string{"shard", "queue"}),
		queueBacklog:   newRuntimeGaugeVec("queue_backlog", "Queued tasks per task queue.", []string{"shard", "queue"}),
		queueShares:    newRuntimeGaugeVec("queue_shares", "Configured weight per task queue.", []string{"shard", "queue"}),
		memFree:        newRuntimeGaugeVec("memory_free_bytes", "Free bytes in the shard allocator.", []string{"shard"}),
		memTotal:       newRuntimeGaugeVec("memory_total_bytes", "Mapped bytes in the shard allocator.", []string{"shard"}),
		registerer:     reg,
	}
}

// Register registers all collectors; calls after the first are no-ops.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.tasksProcessed, m.taskFailures, m.pollRounds, m.sleeps, m.stalls,
		m.smpSent, m.smpCompleted, m.smpTimeouts,
		m.queueRuntime, m.queueBacklog, m.queueShares,
		m.memFree, m.memTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// observeQueue refreshes the per-queue gauges after a scheduling slice.
func (m *Metrics) observeQueue(shard int, q *TaskQueue) {
	s := shardLabel(shard)
	m.queueRuntime.WithLabelValues(s, q.name).Set(q.runtime.Seconds())
	m.queueBacklog.WithLabelValues(s, q.name).Set(float64(q.tasks.len()))
	m.queueShares.WithLabelValues(s, q.name).Set(float64(q.shares))
}

// observeShard refreshes shard-level counters from the reactor's local
// tallies; called from the shard thread at poll cadence.
func (m *Metrics) observeShard(r *Reactor) {
	s := shardLabel(r.shard)
	m.tasksProcessed.WithLabelValues(s).Add(float64(r.tasksProcessed))
	r.tasksProcessed = 0
	m.pollRounds.WithLabelValues(s).Add(float64(r.pollRounds))
	r.pollRounds = 0
	m.sleeps.WithLabelValues(s).Add(float64(r.sleeps))
	r.sleeps = 0
	if r.mem != nil {
		st := r.mem.Stats()
		m.memFree.WithLabelValues(s).Set(float64(st.FreeMemory))
		m.memTotal.WithLabelValues(s).Set(float64(st.TotalMemory))
	}
}

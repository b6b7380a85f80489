package sender

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of counters and gauges the drive loop and its handlers
// update. A nil *Metrics is safe to use; every method is a no-op in that
// case so metrics stay optional for callers that do not register a
// collector.
type Metrics struct {
	inFlightNodes   prometheus.Gauge
	mutedPartitions prometheus.Gauge
	produceBatches  *prometheus.CounterVec // label: outcome=done|retry|fail|noack
	handlerRetries  *prometheus.CounterVec // label: handler=init_pid|add_partitions_to_txn|add_offsets_to_txn|txn_offset_commit|end_txn
	fenced          prometheus.Counter
}

// NewMetrics constructs a Metrics and registers it with reg. namespace and
// subsystem prefix every metric name, following the convention of this
// client's other Prometheus-backed components.
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) *Metrics {
	m := &Metrics{
		inFlightNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "inflight_nodes", Help: "Number of broker nodes with an outstanding produce request.",
		}),
		mutedPartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "muted_partitions", Help: "Number of partitions currently excluded from drain.",
		}),
		produceBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "produce_batches_total", Help: "Produce batches by terminal outcome.",
		}, []string{"outcome"}),
		handlerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "handler_retries_total", Help: "Retries issued by each handler kind.",
		}, []string{"handler"}),
		fenced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "fenced_total", Help: "Times the producer observed invalid_producer_epoch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inFlightNodes, m.mutedPartitions, m.produceBatches, m.handlerRetries, m.fenced)
	}
	return m
}

func (m *Metrics) setInFlightNodes(n int) {
	if m == nil {
		return
	}
	m.inFlightNodes.Set(float64(n))
}

func (m *Metrics) setMutedPartitions(n int) {
	if m == nil {
		return
	}
	m.mutedPartitions.Set(float64(n))
}

func (m *Metrics) batchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.produceBatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) handlerRetry(handler string) {
	if m == nil {
		return
	}
	m.handlerRetries.WithLabelValues(handler).Inc()
}

func (m *Metrics) fencedOnce() {
	if m == nil {
		return
	}
	m.fenced.Inc()
}

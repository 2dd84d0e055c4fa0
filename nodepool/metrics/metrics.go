// Package metrics exposes proxy pool events as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"proxynode/nodepool/model"
)

const namespace = "proxynode"

// Recorder holds every metric of the node pool and the gateway.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	// Registry for this instance
	Registry *prometheus.Registry

	ConnectAttempts *prometheus.CounterVec
	PoolExhausted   prometheus.Counter
	ProbeResults    *prometheus.CounterVec
	SweepDuration   prometheus.Histogram

	NodePenalty *prometheus.GaugeVec
	NodeLatency *prometheus.GaugeVec
	NodeActive  *prometheus.GaugeVec

	ActiveConnections prometheus.Gauge
	BytesUp           prometheus.Counter
	BytesDown         prometheus.Counter
}

// NewRecorder creates and registers the metrics on a private registry.
func NewRecorder() *Recorder {
	// Create a new registry to avoid conflicts with default registry
	registry := prometheus.NewRegistry()
	r := &Recorder{Registry: registry}

	r.ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_attempts_total",
		Help:      "Connection attempts through upstream nodes, by result",
	}, []string{"result"})
	registry.MustRegister(r.ConnectAttempts)

	r.PoolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_exhausted_total",
		Help:      "Connect calls that failed on every candidate node",
	})
	registry.MustRegister(r.PoolExhausted)

	r.ProbeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_results_total",
		Help:      "Health probe outcomes, by result",
	}, []string{"result"})
	registry.MustRegister(r.ProbeResults)

	r.SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of completed health sweeps",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
	registry.MustRegister(r.SweepDuration)

	r.NodePenalty = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "node_penalty",
		Help:      "Current penalty points of a node",
	}, []string{"node"})
	registry.MustRegister(r.NodePenalty)

	r.NodeLatency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "node_latency_seconds",
		Help:      "Latency of the last successful connect or probe",
	}, []string{"node"})
	registry.MustRegister(r.NodeLatency)

	r.NodeActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "node_active",
		Help:      "1 if the last probe of the node succeeded",
	}, []string{"node"})
	registry.MustRegister(r.NodeActive)

	r.ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gateway_active_connections",
		Help:      "Number of open gateway connections",
	})
	registry.MustRegister(r.ActiveConnections)

	r.BytesUp = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_bytes_up_total",
		Help:      "Total bytes sent from clients to upstream nodes",
	})
	registry.MustRegister(r.BytesUp)

	r.BytesDown = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_bytes_down_total",
		Help:      "Total bytes received from upstream nodes",
	})
	registry.MustRegister(r.BytesDown)

	return r
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveProbe implements prober.Observer.
func (r *Recorder) ObserveProbe(record model.NodeRecord, ok bool, _ time.Duration) {
	if r == nil {
		return
	}
	r.ProbeResults.WithLabelValues(resultLabel(ok)).Inc()
}

func (r *Recorder) ObserveConnect(ok bool) {
	if r == nil {
		return
	}
	r.ConnectAttempts.WithLabelValues(resultLabel(ok)).Inc()
}

func (r *Recorder) ObservePoolExhausted() {
	if r == nil {
		return
	}
	r.PoolExhausted.Inc()
}

func (r *Recorder) ObserveSweep(d time.Duration) {
	if r == nil {
		return
	}
	r.SweepDuration.Observe(d.Seconds())
}

// SetNodeHealth mirrors a node's health into the per-node gauges.
func (r *Recorder) SetNodeHealth(nodeID string, h model.HealthState) {
	if r == nil {
		return
	}
	r.NodePenalty.WithLabelValues(nodeID).Set(float64(h.Penalty))
	r.NodeLatency.WithLabelValues(nodeID).Set(h.Latency.Seconds())
	active := 0.0
	if h.IsActive {
		active = 1
	}
	r.NodeActive.WithLabelValues(nodeID).Set(active)
}

// ForgetNode drops the per-node series of a node removed from the pool.
func (r *Recorder) ForgetNode(nodeID string) {
	if r == nil {
		return
	}
	r.NodePenalty.DeleteLabelValues(nodeID)
	r.NodeLatency.DeleteLabelValues(nodeID)
	r.NodeActive.DeleteLabelValues(nodeID)
}

func (r *Recorder) ConnOpened() {
	if r == nil {
		return
	}
	r.ActiveConnections.Inc()
}

// ConnClosed records the end of a gateway connection and its traffic.
func (r *Recorder) ConnClosed(up, down uint64) {
	if r == nil {
		return
	}
	r.ActiveConnections.Dec()
	r.BytesUp.Add(float64(up))
	r.BytesDown.Add(float64(down))
}

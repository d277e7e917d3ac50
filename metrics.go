package clsproducer

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "clsproducer"

// Metrics are per client and never registered globally, pass Collectors to a registry.
type Metrics struct {
	AppendedLogs     prometheus.Counter
	DroppedLogs      *prometheus.CounterVec
	BufferedBytes    prometheus.Gauge
	SendResults      *prometheus.CounterVec
	SendLatency      prometheus.Histogram
	PersistentBytes  prometheus.Counter
	PersistentResets prometheus.Counter
}

func NewMetrics(topic string) *Metrics {
	constLabels := prometheus.Labels{"topic": topic}
	return &Metrics{
		AppendedLogs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "appended_logs_total",
			Help:        "Total records accepted by append.",
			ConstLabels: constLabels,
		}),
		DroppedLogs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "dropped_logs_total",
				Help:        "Total records rejected at append by reason.",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		BufferedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "buffered_bytes",
			Help:        "Bytes handed off to the flusher and not yet settled.",
			ConstLabels: constLabels,
		}),
		SendResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "send_results_total",
				Help:        "Total send attempts by result.",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "send_latency_seconds",
			Help:        "Latency of a single post.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		PersistentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "persistent_bytes_total",
			Help:        "Bytes written to the persistent ring file.",
			ConstLabels: constLabels,
		}),
		PersistentResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "persistent_resets_total",
			Help:        "Times the persistent state was wiped and reseeded.",
			ConstLabels: constLabels,
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.AppendedLogs,
		m.DroppedLogs,
		m.BufferedBytes,
		m.SendResults,
		m.SendLatency,
		m.PersistentBytes,
		m.PersistentResets,
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the gateway exposes.
type Metrics struct {
	SessionsOpenedTotal prometheus.Counter
	SessionsClosedTotal *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	HandshakesTotal     *prometheus.CounterVec
	AdmissionDecisions  *prometheus.CounterVec
	AvlRecordsTotal     prometheus.Counter
	AvlBatchCRCMismatch prometheus.Counter
	CommandsDispatched  *prometheus.CounterVec
	CommandLatency      prometheus.Histogram
}

// New builds and registers the gateway's metrics. Call once at
// startup.
func New() *Metrics {
	m := &Metrics{
		SessionsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_opened_total",
			Help: "Total number of TCP connections accepted",
		}),
		SessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sessions_closed_total",
			Help: "Total number of sessions closed, labeled by reason",
		}, []string{"reason"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Number of currently open device sessions",
		}),
		HandshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_handshakes_total",
			Help: "Total handshake attempts, labeled by result",
		}, []string{"result"}),
		AdmissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_decisions_total",
			Help: "Total admission decisions, labeled by decision",
		}, []string{"decision"}),
		AvlRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_avl_records_total",
			Help: "Total AVL records decoded and delivered to sinks",
		}),
		AvlBatchCRCMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_avl_batch_crc_mismatch_total",
			Help: "Total AVL batches delivered despite a CRC mismatch",
		}),
		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_commands_dispatched_total",
			Help: "Total Codec 12 responses received, labeled solicited or unsolicited",
		}, []string{"outcome"}),
		CommandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_command_latency_seconds",
			Help:    "Latency between dispatching a command and receiving its outcome",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	prometheus.MustRegister(
		m.SessionsOpenedTotal,
		m.SessionsClosedTotal,
		m.SessionsActive,
		m.HandshakesTotal,
		m.AdmissionDecisions,
		m.AvlRecordsTotal,
		m.AvlBatchCRCMismatch,
		m.CommandsDispatched,
		m.CommandLatency,
	)
}

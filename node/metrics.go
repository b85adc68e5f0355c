package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics backs the Network update-callback event and exposes the same
// gauges to a prometheus scrape when the embedder registers them.
type Metrics struct {
	BytesUp         prometheus.Counter
	BytesDown       prometheus.Counter
	LiveConnections prometheus.Gauge
	RoutingEntries  prometheus.Gauge
	QuestionsSent   prometheus.Counter
	AnswersReceived prometheus.Counter
	RoutesAllocated prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		BytesUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veilid", Subsystem: "net", Name: "bytes_up_total",
			Help: "Total bytes sent across all protocols.",
		}),
		BytesDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veilid", Subsystem: "net", Name: "bytes_down_total",
			Help: "Total bytes received across all protocols.",
		}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veilid", Subsystem: "net", Name: "live_connections",
			Help: "Connections currently held in the connection table.",
		}),
		RoutingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veilid", Subsystem: "routing", Name: "entries",
			Help: "Distinct entries in the routing table.",
		}),
		QuestionsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veilid", Subsystem: "rpc", Name: "questions_sent_total",
			Help: "RPC questions issued.",
		}),
		AnswersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veilid", Subsystem: "rpc", Name: "answers_received_total",
			Help: "RPC answers correlated to a waiter.",
		}),
		RoutesAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veilid", Subsystem: "route", Name: "allocated",
			Help: "Private routes currently allocated by this node.",
		}),
	}
}

// Register adds every collector to reg. Call at most once per registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.BytesUp, m.BytesDown, m.LiveConnections, m.RoutingEntries,
		m.QuestionsSent, m.AnswersReceived, m.RoutesAllocated,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

package agent

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// Readings counts readings by outcome: forwarded, buffered, dropped,
	// evicted or rejected.
	Readings    metrics.Counter
	Uploads     metrics.Counter
	BufferDepth metrics.Gauge
	State       metrics.Gauge
}

func NewMetrics() Metrics {
	return Metrics{
		Readings: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "rfid_agent",
			Subsystem: "pipeline",
			Name:      "readings_total",
			Help:      "Readings handled by the agent, by outcome.",
		}, []string{"outcome"}),
		Uploads: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "rfid_agent",
			Subsystem: "pipeline",
			Name:      "uploads_total",
			Help:      "Reading batches sent to the control plane, by result.",
		}, []string{"result"}),
		BufferDepth: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: "rfid_agent",
			Subsystem: "buffer",
			Name:      "entries",
			Help:      "Readings waiting in the offline buffer.",
		}, []string{}),
		State: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: "rfid_agent",
			Subsystem: "session",
			Name:      "state",
			Help:      "Agent state: 0 unauthenticated, 1 active, 2 degraded, 3 halted.",
		}, []string{}),
	}
}

func NopMetrics() Metrics {
	return Metrics{
		Readings:    discard.NewCounter(),
		Uploads:     discard.NewCounter(),
		BufferDepth: discard.NewGauge(),
		State:       discard.NewGauge(),
	}
}

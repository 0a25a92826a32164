package governor

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// admitsTotal tracks admission decisions by domain and result.
	admitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_admits_total",
		Help: "Total admission decisions, labeled by domain and result.",
	}, []string{"domain", "result"})
	// rotationsTotal tracks session rotations by trigger.
	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_session_rotations_total",
		Help: "Total session rotations, labeled by domain and reason.",
	}, []string{"domain", "reason"})
	// emergenciesTotal tracks detected blocking signals.
	emergenciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_emergencies_total",
		Help: "Total emergency events, labeled by domain and kind.",
	}, []string{"domain", "kind"})
	// waitSeconds observes the delays handed to callers.
	waitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "governor_wait_seconds",
		Help:    "Histogram of delays returned by Admit.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
	}, []string{"domain"})
	// circuitState exposes the breaker state per domain (0 closed, 1 open,
	// 2 half-open).
	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "governor_circuit_state",
		Help: "Circuit breaker state per domain: 0=closed, 1=open, 2=half_open.",
	}, []string{"domain"})
)

func observeCircuitState(domain string, state CircuitState) {
	circuitState.WithLabelValues(strings.ToLower(domain)).Set(float64(state))
}

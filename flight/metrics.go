package flight

import "github.com/prometheus/client_golang/prometheus"

var (
	batchesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ntuple_flight_batches_sent_total",
		Help: "Batches streamed by DoGet",
	})
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ntuple_flight_breaker_state",
		Help: "Client circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"breaker"})
)

func init() {
	prometheus.MustRegister(batchesSent, breakerState)
}

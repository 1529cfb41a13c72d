package processor

import "github.com/prometheus/client_golang/prometheus"

var entriesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "ntuple_processor_entries_total",
	Help: "Entries loaded by processors",
})

func init() {
	prometheus.MustRegister(entriesProcessed)
}

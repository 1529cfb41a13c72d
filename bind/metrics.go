package bind

import "github.com/prometheus/client_golang/prometheus"

var bindResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ntuple_bind_total",
	Help: "Bind attempts by resulting status",
}, []string{"status"})

func init() {
	prometheus.MustRegister(bindResults)
}

package store

import "github.com/prometheus/client_golang/prometheus"

var (
	appendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "ntuple_store_append_latency_seconds",
		Help: "Record append latency distribution",
	})
	readLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "ntuple_store_read_latency_seconds",
		Help: "Record read latency distribution",
	})
	entriesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ntuple_store_entries_appended_total",
		Help: "Entries appended across all stores",
	})
	batchesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ntuple_store_batches_decoded_total",
		Help: "Stored batches decoded from files",
	})
)

func init() {
	prometheus.MustRegister(appendLatency, readLatency, entriesAppended, batchesDecoded)
}

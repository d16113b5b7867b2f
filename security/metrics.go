package security

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingRequestsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sipgo",
		Subsystem: "security",
		Name:      "pending_requests",
		Help:      "Security operations currently suspended awaiting certificate/key fetches.",
	})

	fetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sipgo",
		Subsystem: "security",
		Name:      "fetch_duration_seconds",
		Help:      "Time from issuing a certificate/key fetch to its FetchResult arriving.",
		Buckets:   prometheus.DefBuckets,
	})

	fetchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sipgo",
		Subsystem: "security",
		Name:      "fetch_failures_total",
		Help:      "Certificate/key fetches that came back unsuccessful.",
	})
)

func init() {
	prometheus.MustRegister(pendingRequestsGauge, fetchLatency, fetchFailuresTotal)
}

package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics for the stream transports (TCP/TLS/WS/WSS/QUIC). UDP is
// datagram-framed and has no Frame Reader, so it is not labeled here.
var (
	connectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sipgo",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Currently open stream connections, by network.",
	}, []string{"network"})

	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipgo",
		Subsystem: "transport",
		Name:      "frames_total",
		Help:      "Messages framed off stream connections, by network and outcome.",
	}, []string{"network", "outcome"})

	bytesReadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipgo",
		Subsystem: "transport",
		Name:      "bytes_read_total",
		Help:      "Bytes read off stream connections, by network.",
	}, []string{"network"})
)

func init() {
	prometheus.MustRegister(connectionsActive, framesTotal, bytesReadTotal)
}

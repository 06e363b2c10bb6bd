// Package metrics holds the process-wide Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive  = promauto.NewGauge(prometheus.GaugeOpts{Name: "rdpmitm_sessions_active", Help: "Sessions currently relayed"})
	SessionsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rdpmitm_sessions_total", Help: "Finished sessions by termination kind"}, []string{"kind"})
	SessionsRefused = promauto.NewCounter(prometheus.CounterOpts{Name: "rdpmitm_sessions_refused_total", Help: "Connections refused at the session limit"})

	PDUsRelayed    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rdpmitm_pdus_relayed_total", Help: "PDUs forwarded by direction and type"}, []string{"direction", "pdu"})
	BytesRelayed   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rdpmitm_bytes_relayed_total", Help: "Encoded bytes written by direction"}, []string{"direction"})
	PDUsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rdpmitm_pdus_suppressed_total", Help: "PDUs dropped by an interception stage"}, []string{"direction", "pdu"})

	NegotiationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rdpmitm_negotiation_seconds", Help: "Time from accept to pass-through", Buckets: prometheus.ExponentialBuckets(0.01, 2, 12)})
	SessionSeconds     = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rdpmitm_session_seconds", Help: "Session lifetime", Buckets: prometheus.ExponentialBuckets(0.1, 2, 16)})

	CredentialsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rdpmitm_credentials_captured_total", Help: "Credentials and hashes captured by source"}, []string{"source"})
	SinkFailures        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rdpmitm_sink_failures_total", Help: "Interception stage failures"}, []string{"stage"})
	LiveDropped         = promauto.NewCounter(prometheus.CounterOpts{Name: "rdpmitm_live_dropped_total", Help: "Live-stream records dropped on a full queue"})
)

// Direction labels.
const (
	ClientToServer = "client_to_server"
	ServerToClient = "server_to_client"
)

package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveBridges         = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridgeproxy_active_bridges", Help: "Bridges currently relaying"})
	BridgesTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "bridgeproxy_bridges_total", Help: "Bridges created"})
	PendingSlots          = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridgeproxy_pending_rendezvous_slots", Help: "Rendezvous slots waiting for a data connection"})
	RendezvousRequests    = promauto.NewCounter(prometheus.CounterOpts{Name: "bridgeproxy_rendezvous_requests_total", Help: "Data connections requested over a control channel"})
	ManagerReplacedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "bridgeproxy_manager_replaced_total", Help: "Control channel replacements"})
	PoolSockets           = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "bridgeproxy_pool_sockets", Help: "Auxiliary pre-accepted sockets by pool"}, []string{"pool"})
	BytesForwardedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridgeproxy_bytes_forwarded_total", Help: "Bytes written per sink kind"}, []string{"sink"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridgeproxy_errors_total", Help: "Errors by type"}, []string{"type"})
	BridgeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bridgeproxy_bridge_duration_seconds", Help: "Bridge lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

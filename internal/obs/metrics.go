package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions     = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "pwremote_active_sessions", Help: "Admitted sessions by client type"}, []string{"client_type"})
	QueuedAcquires     = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "pwremote_queued_acquires", Help: "Sessions waiting for a permit by pool"}, []string{"pool"})
	PermitWaitSeconds  = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "pwremote_permit_wait_seconds", Help: "Time spent waiting for admission", Buckets: prometheus.ExponentialBuckets(0.001, 4, 10)}, []string{"pool"})
	SocksTunnelsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "pwremote_socks_tunnels_total", Help: "SOCKS tunnels by route"}, []string{"route"})
	SocksFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "pwremote_socks_failures_total", Help: "SOCKS connect failures by error code"}, []string{"code"})
	RunningBrowsers    = promauto.NewGauge(prometheus.GaugeOpts{Name: "pwremote_running_browsers", Help: "Browsers launched and not yet closed"})
	UpgradeRejected    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "pwremote_upgrade_rejected_total", Help: "Rejected WebSocket upgrades by reason"}, []string{"reason"})
	ErrorsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "pwremote_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDuration    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "pwremote_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

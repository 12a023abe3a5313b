package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's prometheus instruments on a private registry so
// multiple instances (tests, embedded mode) never collide.
type Metrics struct {
	registry *prometheus.Registry

	// ProxyRequests counts proxy requests by terminal outcome: allowed,
	// rate_limited, captcha_rejected, pow_rejected, bad_signature,
	// unknown_action, upstream_error, internal_error.
	ProxyRequests *prometheus.CounterVec

	// ChallengesIssued counts issued PoW challenges.
	ChallengesIssued prometheus.Counter

	// UpstreamDuration observes forward latency by HTTP method.
	UpstreamDuration *prometheus.HistogramVec

	// ActiveKeys tracks live rate-limit keys per bucket kind after each sweep.
	ActiveKeys *prometheus.GaugeVec

	// PendingChallenges tracks unexpired, unconsumed PoW challenges.
	PendingChallenges prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ProxyRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relics",
				Subsystem: "gateway",
				Name:      "proxy_requests_total",
				Help:      "Proxy requests by terminal outcome",
			},
			[]string{"outcome"},
		),
		ChallengesIssued: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relics",
				Subsystem: "gateway",
				Name:      "pow_challenges_issued_total",
				Help:      "Issued proof-of-work challenges",
			},
		),
		UpstreamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relics",
				Subsystem: "gateway",
				Name:      "upstream_duration_seconds",
				Help:      "Upstream forward latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveKeys: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relics",
				Subsystem: "gateway",
				Name:      "ratelimit_active_keys",
				Help:      "Live rate-limit keys per bucket kind",
			},
			[]string{"bucket"},
		),
		PendingChallenges: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relics",
				Subsystem: "gateway",
				Name:      "pow_pending_challenges",
				Help:      "Unexpired, unconsumed proof-of-work challenges",
			},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

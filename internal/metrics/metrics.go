package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gateway's Prometheus collectors.
type Registry struct {
	reg              *prometheus.Registry
	Requests         prometheus.Counter
	RateLimited      prometheus.Counter
	UpstreamErrors   prometheus.Counter
	SessionsCredited prometheus.Counter
	CreditLatency    prometheus.Histogram
}

// NewRegistry creates the collectors on a dedicated registry so tests can
// construct it repeatedly.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total requests received",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Total rate limited responses",
		}),
		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total failures reaching the provisioning upstream or chain verifier",
		}),
		SessionsCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_credited_total",
			Help: "Total topup sessions that reached the credited state",
		}),
		CreditLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_credit_latency_seconds",
			Help:    "Latency of the ledger credit call",
			Buckets: prometheus.DefBuckets,
		}),
	}
	r.reg.MustRegister(r.Requests, r.RateLimited, r.UpstreamErrors, r.SessionsCredited, r.CreditLatency)
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder counts engine events. A nil *Recorder records nothing.
type Recorder struct {
	registry      *prometheus.Registry
	providerCalls *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "defi_agent",
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by operation, provider and outcome.",
		}, []string{"operation", "provider", "outcome"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "defi_agent",
			Name:      "confirmations_total",
			Help:      "Confirmation waits by operation label and outcome.",
		}, []string{"operation", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "defi_agent",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
	}
	reg.MustRegister(
		r.providerCalls,
		r.confirmations,
		r.cacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) ProviderAttempt(operation, provider, outcome string) {
	if r == nil {
		return
	}
	r.providerCalls.WithLabelValues(operation, provider, outcome).Inc()
}

func (r *Recorder) Confirmation(operation, outcome string) {
	if r == nil {
		return
	}
	r.confirmations.WithLabelValues(operation, outcome).Inc()
}

func (r *Recorder) CacheLookup(cache string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(cache, result).Inc()
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

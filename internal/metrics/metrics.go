// Package metrics exposes Prometheus counters for the navigation
// classification pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline counters. Register once at startup.
type Metrics struct {
	NavigationsObserved  prometheus.Counter
	Classifications      *prometheus.CounterVec
	TransportFailures    prometheus.Counter
	StaleDiscards        prometheus.Counter
	Interceptions        prometheus.Counter
	InterstitialProceeds prometheus.Counter
	SkippedInternal      prometheus.Counter
	Allowlisted          prometheus.Counter
}

// New creates and registers the counters with reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		NavigationsObserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_navigations_observed_total",
			Help: "Top-level navigation events received from the browser.",
		}),
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_classifications_total",
			Help: "Completed classification requests by verdict.",
		}, []string{"verdict"}),
		TransportFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_classifier_transport_failures_total",
			Help: "Classification requests that failed at the transport layer.",
		}),
		StaleDiscards: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_stale_responses_discarded_total",
			Help: "Classification responses discarded because the tab navigated again.",
		}),
		Interceptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_interceptions_total",
			Help: "Navigations redirected to the warning page.",
		}),
		InterstitialProceeds: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_interstitial_proceeds_total",
			Help: "User overrides continuing to a blocked URL from the warning page.",
		}),
		SkippedInternal: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_navigations_skipped_internal_total",
			Help: "Navigations skipped because the URL is browser-internal.",
		}),
		Allowlisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_navigations_allowlisted_total",
			Help: "Navigations marked Safe from the allowlist without a classifier call.",
		}),
	}
}

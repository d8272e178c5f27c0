package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	CommandsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_commands_processed_total",
			Help: "Total number of creation commands handled by outcome",
		},
		[]string{"outcome"},
	)
	CommandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenant_command_duration_seconds",
			Help:    "Duration of creation command handling in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_events_published_total",
			Help: "Total number of events published by type and outcome",
		},
		[]string{"type", "outcome"},
	)
	PublisherBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenant_publisher_breaker_state",
			Help: "Event publisher circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
	TenantsProvisioned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenants_provisioned_total",
			Help: "Total number of tenants provisioned by status",
		},
		[]string{"status"},
	)
)

func InitMetrics() {
	collectors := []prometheus.Collector{
		CommandsProcessed,
		CommandDuration,
		EventsPublished,
		PublisherBreakerState,
		TenantsProvisioned,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msg("Failed to register metric")
		}
	}
}

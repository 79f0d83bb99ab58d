package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "geofix"

// Metrics holds the Prometheus counters, histograms, and gauges for the geo-fix service.
type Metrics struct {
	MessagesConsumed prometheus.Counter
	MessagesProduced prometheus.Counter
	DecodeErrors     prometheus.Counter
	PipelineRunning  prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Stage lifecycle metrics, fed by the metrics monitor.
	ElementsStarted   prometheus.Counter
	ElementsEnded     prometheus.Counter
	ElementsInFlight  prometheus.Gauge
	ElementDuration   prometheus.Histogram
	StageTerminations *prometheus.CounterVec // labels: outcome={completed,errored}

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: tier={memory,store}, result={hit,miss}
	GeocodeAPIDuration prometheus.Histogram
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates all service metrics and registers them with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Total messages read from the source topic.",
		}),
		MessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_produced_total",
			Help:      "Total messages written to the sink topic.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total source messages that could not be decoded into a profile.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of messages per batch extracted from Kafka.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete batch extract-fix-load cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		ElementsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elements_started_total",
			Help:      "Profiles the geo-fix stage started processing.",
		}),
		ElementsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elements_ended_total",
			Help:      "Profiles the geo-fix stage finished processing.",
		}),
		ElementsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "elements_in_flight",
			Help:      "Profiles started but not yet ended.",
		}),
		ElementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "element_duration_seconds",
			Help:      "Time between a profile's started and ended signals.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		StageTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_terminations_total",
			Help:      "Stage subscriptions that ended, by outcome.",
		}, []string{"outcome"}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		GeocodeAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when remote geocoding is enabled, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesConsumed,
		m.MessagesProduced,
		m.DecodeErrors,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.ElementsStarted,
		m.ElementsEnded,
		m.ElementsInFlight,
		m.ElementDuration,
		m.StageTerminations,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}

package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the scheduler. A Metrics built
// from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	// Schedule metrics
	schedules        *prometheus.CounterVec
	scheduleDuration *prometheus.HistogramVec
	searchIterations prometheus.Histogram
	earlyExits       prometheus.Counter
	temporalRejects  prometheus.Counter
	iterationCapHits prometheus.Counter

	// Ledger metrics
	reservations     *prometheus.CounterVec
	reservedQuantity *prometheus.CounterVec
	releases         *prometheus.CounterVec
	ledgerRecords    *prometheus.GaugeVec
	utilisation      *prometheus.GaugeVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Policy metrics
	admissionDenials *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		schedules: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedules_total",
				Help:      "Total number of schedule calls by final state and algorithm",
			},
			[]string{"state", "algorithm"},
		),
		scheduleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "schedule_duration_seconds",
				Help:      "Duration of schedule calls in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		searchIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_iterations",
				Help:      "Windows examined per schedule call",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
			},
		),
		earlyExits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "viability_early_exits_total",
				Help:      "Total number of searches or windows rejected by the static viability check",
			},
		),
		temporalRejects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "temporal_rejections_total",
				Help:      "Total number of windows whose summed availability fell short",
			},
		),
		iterationCapHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iteration_cap_hits_total",
				Help:      "Total number of searches stopped by the iteration cap",
			},
		),
		reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservations_total",
				Help:      "Total number of allocations per unit",
			},
			[]string{"unit"},
		),
		reservedQuantity: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reserved_quantity_total",
				Help:      "Total quantity reserved per unit",
			},
			[]string{"unit"},
		),
		releases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "released_records_total",
				Help:      "Total number of occupation records released by scope",
			},
			[]string{"scope"},
		),
		ledgerRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_records",
				Help:      "Current number of occupation records per unit",
			},
			[]string{"unit"},
		),
		utilisation: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unit_utilisation_ratio",
				Help:      "Busy-time ratio per unit over the last reported horizon",
			},
			[]string{"unit"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of failed schedule calls by error class and kind",
			},
			[]string{"class", "kind"},
		),
		admissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_denials_total",
				Help:      "Total number of units excluded by admission policy",
			},
			[]string{"unit"},
		),
	}

	collectors := []prometheus.Collector{
		m.schedules,
		m.scheduleDuration,
		m.searchIterations,
		m.earlyExits,
		m.temporalRejects,
		m.iterationCapHits,
		m.reservations,
		m.reservedQuantity,
		m.releases,
		m.ledgerRecords,
		m.utilisation,
		m.errorsByKind,
		m.admissionDenials,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSchedule records one schedule call and its search counters.
func (m *Metrics) RecordSchedule(state, algorithm string, duration time.Duration, iterations, earlyExits, temporalRejections int, capHit bool) {
	if m.schedules == nil {
		return
	}
	if algorithm == "" {
		algorithm = "none"
	}
	m.schedules.WithLabelValues(state, algorithm).Inc()
	m.scheduleDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.searchIterations.Observe(float64(iterations))
	m.earlyExits.Add(float64(earlyExits))
	m.temporalRejects.Add(float64(temporalRejections))
	if capHit {
		m.iterationCapHits.Inc()
	}
}

// RecordReservation records one unit's allocation.
func (m *Metrics) RecordReservation(unit string, quantity float64) {
	if m.reservations == nil {
		return
	}
	m.reservations.WithLabelValues(unit).Inc()
	m.reservedQuantity.WithLabelValues(unit).Add(quantity)
}

// RecordRelease records released occupation records.
func (m *Metrics) RecordRelease(scope string, count int) {
	if m.releases == nil {
		return
	}
	m.releases.WithLabelValues(scope).Add(float64(count))
}

// RecordError records a failed schedule call.
func (m *Metrics) RecordError(class, kind string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(class, kind).Inc()
}

// RecordAdmissionDenial records a unit excluded by policy.
func (m *Metrics) RecordAdmissionDenial(unit string) {
	if m.admissionDenials == nil {
		return
	}
	m.admissionDenials.WithLabelValues(unit).Inc()
}

// SetLedgerState publishes a unit's record count and utilisation.
func (m *Metrics) SetLedgerState(unit string, records int, utilisation float64) {
	if m.ledgerRecords == nil {
		return
	}
	m.ledgerRecords.WithLabelValues(unit).Set(float64(records))
	m.utilisation.WithLabelValues(unit).Set(utilisation)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The server
// runs until Shutdown.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("metrics server stopped")
		}
	}(m.server)

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

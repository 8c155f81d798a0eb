// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Seat locks
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatline_lock_acquisitions_total",
			Help: "Seat lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	LockReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatline_lock_releases_total",
			Help: "Seat locks removed without a booking, by reason",
		},
		[]string{"reason"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seatline_lock_sweep_duration_seconds",
			Help:    "Time spent in one expired lock sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bookings
	Bookings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatline_bookings_total",
			Help: "Booking finalization and cancellation outcomes",
		},
		[]string{"operation", "result"},
	)

	// Fanout
	HubConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seatline_hub_connections",
			Help: "Currently registered realtime connections",
		},
	)

	HubSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seatline_hub_subscriptions",
			Help: "Currently active channel subscriptions",
		},
	)

	HubDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatline_hub_deliveries_total",
			Help: "Per-connection event deliveries by result",
		},
		[]string{"result"},
	)

	// Telemetry
	TelemetryDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatline_telemetry_decisions_total",
			Help: "Vehicle position samples by decision and movement class",
		},
		[]string{"decision", "class"},
	)

	// API
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seatline_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(LockAcquisitions)
	prometheus.MustRegister(LockReleases)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(Bookings)
	prometheus.MustRegister(HubConnections)
	prometheus.MustRegister(HubSubscriptions)
	prometheus.MustRegister(HubDeliveries)
	prometheus.MustRegister(TelemetryDecisions)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}

// Package metrics exposes Prometheus collectors for the mirror service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsArchivedTotal    *prometheus.CounterVec
	referencesTotal       *prometheus.CounterVec
	eventsDispatchedTotal *prometheus.CounterVec
	eventsDroppedTotal    *prometheus.CounterVec
	gatewayWaitSeconds    *prometheus.HistogramVec
	watchdogResendsTotal  *prometheus.CounterVec
	listenerRestartsTotal prometheus.Counter
	occupiedSlots         prometheus.Gauge
	runningTasks          prometheus.Gauge
	httpRequestSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsArchivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_items_archived_total",
				Help: "Total content items archived, labeled by provenance type.",
			},
			[]string{"source"},
		)

		referencesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_references_classified_total",
				Help: "Total references classified, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		eventsDispatchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_events_dispatched_total",
				Help: "Total live events delivered to a consumer.",
			},
			[]string{"consumer"},
		)

		eventsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_events_dropped_total",
				Help: "Total live events dropped because a consumer lagged.",
			},
			[]string{"consumer"},
		)

		gatewayWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mirror_gateway_wait_seconds",
				Help:    "Histogram of gateway gate wait durations, labeled by category.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 300},
			},
			[]string{"category"},
		)

		watchdogResendsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_watchdog_resends_total",
				Help: "Total watchdog stimulus resends, labeled by keyword.",
			},
			[]string{"keyword"},
		)

		listenerRestartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mirror_listener_restarts_total",
				Help: "Total restarts of the live-event listener task.",
			},
		)

		occupiedSlots = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mirror_occupied_slots",
				Help: "Destinations currently marked as occupying a subscription slot.",
			},
		)

		runningTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mirror_running_tasks",
				Help: "Supervised tasks currently running.",
			},
		)

		httpRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mirror_http_request_seconds",
				Help:    "Histogram of operational HTTP request durations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveArchived increments the archived-items counter.
func ObserveArchived(source string) {
	if itemsArchivedTotal != nil {
		itemsArchivedTotal.WithLabelValues(source).Inc()
	}
}

// ObserveReference counts one classification outcome (invite, chat_message,
// maybe_channel, dead).
func ObserveReference(outcome string) {
	if referencesTotal != nil {
		referencesTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveDispatch counts one delivery to a consumer.
func ObserveDispatch(consumer string) {
	if eventsDispatchedTotal != nil {
		eventsDispatchedTotal.WithLabelValues(consumer).Inc()
	}
}

// ObserveDrop counts one event dropped for a lagging consumer.
func ObserveDrop(consumer string) {
	if eventsDroppedTotal != nil {
		eventsDroppedTotal.WithLabelValues(consumer).Inc()
	}
}

// ObserveGateWait records time spent blocked on a gateway gate.
func ObserveGateWait(category string, d time.Duration) {
	if gatewayWaitSeconds != nil {
		gatewayWaitSeconds.WithLabelValues(category).Observe(d.Seconds())
	}
}

// ObserveResend counts one watchdog stimulus resend.
func ObserveResend(keyword string) {
	if watchdogResendsTotal != nil {
		watchdogResendsTotal.WithLabelValues(keyword).Inc()
	}
}

// ObserveListenerRestart counts one auto-restart of the live-event listener.
func ObserveListenerRestart() {
	if listenerRestartsTotal != nil {
		listenerRestartsTotal.Inc()
	}
}

// SetOccupiedSlots records the occupancy count after a reconcile sweep.
func SetOccupiedSlots(n int) {
	if occupiedSlots != nil {
		occupiedSlots.Set(float64(n))
	}
}

// ObserveHTTPRequest records one operational HTTP request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if httpRequestSeconds != nil {
		httpRequestSeconds.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
	}
}

// IncRunningTasks increments the running-tasks gauge.
func IncRunningTasks() {
	if runningTasks != nil {
		runningTasks.Inc()
	}
}

// DecRunningTasks decrements the running-tasks gauge.
func DecRunningTasks() {
	if runningTasks != nil {
		runningTasks.Dec()
	}
}

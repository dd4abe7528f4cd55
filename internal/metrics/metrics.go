package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conhon"

var (
	once sync.Once

	admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission gate decisions by check and reason.",
		},
		[]string{"check", "reason"},
	)

	pushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_events_total",
			Help:      "Push events received by type.",
		},
		[]string{"type"},
	)

	pushMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_malformed_total",
			Help:      "Push messages rejected as malformed.",
		},
	)

	pushReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_reconnects_total",
			Help:      "Push channel reconnect attempts.",
		},
	)

	pushConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connected",
			Help:      "1 while the push channel is connected.",
		},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order submissions by outcome.",
		},
		[]string{"outcome"},
	)

	clampCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clamp_corrections_total",
			Help:      "Slot end times clamped before the draw, by pool.",
		},
		[]string{"pool"},
	)

	capacityStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_stale_discarded_total",
			Help:      "Capacity fetches discarded because the selection changed.",
		},
	)

	forcedLogouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_logouts_total",
			Help:      "User sessions terminated by the master switch.",
		},
	)

	backendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend requests by operation and result.",
		},
		[]string{"op", "result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Local API requests by route.",
		},
		[]string{"route"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			admissionDecisions,
			pushEvents,
			pushMalformed,
			pushReconnects,
			pushConnected,
			orders,
			clampCorrections,
			capacityStale,
			forcedLogouts,
			backendRequests,
			httpRequests,
		)
	})
}

func IncAdmission(check, reason string) {
	if reason == "" {
		reason = "allowed"
	}
	admissionDecisions.WithLabelValues(check, reason).Inc()
}

func IncPushEvent(eventType string) {
	pushEvents.WithLabelValues(eventType).Inc()
}

func IncPushMalformed() {
	pushMalformed.Inc()
}

func IncReconnect() {
	pushReconnects.Inc()
}

func SetPushConnected(connected bool) {
	if connected {
		pushConnected.Set(1)
		return
	}
	pushConnected.Set(0)
}

func IncOrder(outcome string) {
	orders.WithLabelValues(outcome).Inc()
}

func IncClampCorrection(poolID string) {
	clampCorrections.WithLabelValues(poolID).Inc()
}

func IncCapacityStale() {
	capacityStale.Inc()
}

func IncForcedLogout() {
	forcedLogouts.Inc()
}

func IncBackend(op, result string) {
	backendRequests.WithLabelValues(op, result).Inc()
}

func IncHTTP(route string) {
	httpRequests.WithLabelValues(route).Inc()
}

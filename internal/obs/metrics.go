package obs

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Token, cache and synchronisation metrics.
var (
	tokenDecodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsauth_token_decodes_total",
			Help: "Token decode attempts by result.",
		},
		[]string{"result"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsauth_membership_cache_lookups_total",
			Help: "Role membership cache lookups by result.",
		},
		[]string{"result"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsauth_sync_duration_seconds",
			Help:    "Duration of synchronisation operations in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	permissionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsauth_permission_events_published_total",
			Help: "Permission lifecycle events published downstream.",
		},
		[]string{"routing_key"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsauth_deliveries_total",
			Help: "Consumed deliveries by routing key and outcome.",
		},
		[]string{"routing_key", "outcome"},
	)

	initOnce sync.Once
)

// Init registers the library metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(tokenDecodesTotal, cacheLookupsTotal, syncDuration, permissionEventsTotal, deliveriesTotal)
	})
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecode records the outcome of a token decode. result is "ok" or an error reason.
func ObserveDecode(result string) {
	tokenDecodesTotal.WithLabelValues(result).Inc()
}

// ObserveCache records a membership cache hit or miss.
func ObserveCache(hit bool) {
	if hit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()
}

// ObserveSync records how long a synchronisation operation took.
func ObserveSync(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	syncDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

// ObservePublished counts a permission event handed to the message channel.
func ObservePublished(routingKey string) {
	permissionEventsTotal.WithLabelValues(routingKey).Inc()
}

// ObserveDelivery counts a consumed delivery. outcome is "ack", "requeue" or "reject".
func ObserveDelivery(routingKey, outcome string) {
	deliveriesTotal.WithLabelValues(routingKey, outcome).Inc()
}

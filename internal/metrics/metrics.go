package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wgfleet_gateway_calls_total",
			Help: "Total number of calls issued to gateways, by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	gatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wgfleet_gateway_call_duration_seconds",
			Help:    "Gateway call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	gatewayUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wgfleet_gateway_up",
			Help: "Result of the last health check per gateway (1 = ok)",
		},
		[]string{"gateway_id"},
	)

	sessionLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wgfleet_gateway_session_logins_total",
			Help: "Session establishments against gateways, by outcome",
		},
		[]string{"outcome"},
	)

	fanoutItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wgfleet_fanout_items_total",
			Help: "Items processed by bounded fan-outs, by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	driftRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wgfleet_drift_records_total",
			Help: "Drift records written, by kind",
		},
		[]string{"kind"},
	)

	trafficSamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wgfleet_traffic_samples_total",
			Help: "Traffic samples recorded across all gateways and peers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		gatewayCallsTotal,
		gatewayCallDuration,
		gatewayUp,
		sessionLogins,
		fanoutItems,
		driftRecords,
		trafficSamples,
	)
}

// ObserveGatewayCall records one gateway call. outcome is "ok" or an error kind.
func ObserveGatewayCall(op, outcome string, elapsed time.Duration) {
	gatewayCallsTotal.WithLabelValues(op, outcome).Inc()
	gatewayCallDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetGatewayUp publishes the latest health check result for a gateway.
func SetGatewayUp(gatewayID uint64, ok bool) {
	value := 0.0
	if ok {
		value = 1
	}
	gatewayUp.WithLabelValues(strconv.FormatUint(gatewayID, 10)).Set(value)
}

// ForgetGateway drops the per-gateway series of a deleted gateway.
func ForgetGateway(gatewayID uint64) {
	gatewayUp.DeleteLabelValues(strconv.FormatUint(gatewayID, 10))
}

// ObserveSessionLogin counts a session establishment attempt.
func ObserveSessionLogin(outcome string) {
	sessionLogins.WithLabelValues(outcome).Inc()
}

// ObserveFanoutItem counts one settled fan-out item.
func ObserveFanoutItem(op, outcome string) {
	fanoutItems.WithLabelValues(op, outcome).Inc()
}

// ObserveDriftRecord counts a drift record write.
func ObserveDriftRecord(kind string) {
	driftRecords.WithLabelValues(kind).Inc()
}

// AddTrafficSamples counts recorded traffic samples.
func AddTrafficSamples(n int) {
	if n > 0 {
		trafficSamples.Add(float64(n))
	}
}

// Handler exposes the default registry for gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

package settings

// DB setting keys and their defaults.
const (
	// HealthPollIntervalSecondsKey overrides the background health check interval.
	HealthPollIntervalSecondsKey = "HEALTH_POLL_INTERVAL_SECONDS"
	// TrafficSampleIntervalSecondsKey overrides the traffic sampling interval.
	TrafficSampleIntervalSecondsKey = "TRAFFIC_SAMPLE_INTERVAL_SECONDS"
	// GatewayMaxConcurrencyKey caps concurrent calls issued by one fan-out.
	GatewayMaxConcurrencyKey = "GATEWAY_MAX_CONCURRENCY"
	// MaxGatewayConcurrency is the hard ceiling applied to GatewayMaxConcurrencyKey.
	MaxGatewayConcurrency = 32
)

// KnownKeys lists the settings accepted by the admin API.
var KnownKeys = []string{
	HealthPollIntervalSecondsKey,
	TrafficSampleIntervalSecondsKey,
	GatewayMaxConcurrencyKey,
}

// IsKnownKey reports whether key is an accepted setting.
func IsKnownKey(key string) bool {
	for _, known := range KnownKeys {
		if known == key {
			return true
		}
	}
	return false
}

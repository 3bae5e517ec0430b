package realtime

import (
	"math/rand"
	"time"
)

const (
	// protocolVersion is sent as the `v` connect param
	protocolVersion = "2"

	agent = "realtime-go/1.0"

	defaultRealtimeHost = "realtime.ably.io"
	defaultRestHost     = "rest.ably.io"

	defaultDisconnectedRetryTimeout = 15 * time.Second
	defaultSuspendedRetryTimeout    = 30 * time.Second
	defaultHTTPRequestTimeout       = 10 * time.Second
	defaultHTTPMaxRetryDuration     = 15 * time.Second
	defaultFallbackRetryTimeout     = 10 * time.Minute
	defaultConnectionStateTTL       = 120 * time.Second
	defaultRealtimeRequestTimeout   = 10 * time.Second
	defaultWebSocketConnectTimeout  = 10 * time.Second
	defaultWebSocketSlowTimeout     = 4 * time.Second
	defaultMaxIdleInterval          = 15 * time.Second
	defaultTransportPreferenceTTL   = 10 * time.Minute

	defaultHTTPMaxRetryCount = 3
	defaultMaxMessageSize    = 65536

	// minImmediateRetryInterval throttles immediate reconnects after a drop
	minImmediateRetryInterval = time.Second

	defaultConnectivityCheckURL   = "https://internet-up.ably-realtime.com/is-the-internet-up.txt"
	defaultWSConnectivityCheckURL = "wss://ws-up.ably-realtime.com"
)

var defaultFallbackHosts = []string{
	"main.a.fallback.ably-realtime.com",
	"main.b.fallback.ably-realtime.com",
	"main.c.fallback.ably-realtime.com",
	"main.d.fallback.ably-realtime.com",
	"main.e.fallback.ably-realtime.com",
}

// retryDelay returns the backoff for the given 1-based attempt: the base
// delay grows to twice its value over the first attempts and is jittered
// down by up to 20%.
func retryDelay(base time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coefficient := float64(attempt+2) / 3
	if coefficient > 2 {
		coefficient = 2
	}
	jitter := 1.0
	if rng != nil {
		jitter = 1 - rng.Float64()*0.2
	}
	return time.Duration(float64(base) * coefficient * jitter)
}

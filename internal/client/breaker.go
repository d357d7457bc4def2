package client

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/location-weather/internal/observability"
)

// NewCircuitBreaker returns a breaker that opens after failures consecutive provider failures
// and half-opens after timeout. State changes are exported as metrics.
func NewCircuitBreaker(failures uint32, timeout time.Duration) *gobreaker.CircuitBreaker {
	if failures == 0 {
		failures = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweather",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			observability.CircuitBreakerState.Set(observability.CircuitBreakerStateValue(to.String()))
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
		},
	})
}

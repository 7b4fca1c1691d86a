package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestEventsProcessedCountsByOutcome(t *testing.T) {
	EventsProcessed.Reset()

	EventsProcessed.WithLabelValues("committed").Inc()
	EventsProcessed.WithLabelValues("committed").Inc()
	EventsProcessed.WithLabelValues("soft_failed").Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(EventsProcessed.WithLabelValues("committed")))
	require.Equal(t, float64(1), testutil.ToFloat64(EventsProcessed.WithLabelValues("soft_failed")))
}

func TestCircuitBreakerStateTracksPerDestination(t *testing.T) {
	CircuitBreakerState.Reset()

	CircuitBreakerState.WithLabelValues("b.test").Set(1)
	require.Equal(t, float64(1), testutil.ToFloat64(CircuitBreakerState.WithLabelValues("b.test")))
	require.Equal(t, float64(0), testutil.ToFloat64(CircuitBreakerState.WithLabelValues("a.test")))
}

func TestMustRegisterIsIdempotent(t *testing.T) {
	require.NotPanics(t, func() {
		MustRegister()
		MustRegister()
	})
}

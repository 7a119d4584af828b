package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalhq/portal/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Lifecycle.ShutdownTimeoutSeconds = 1
	return cfg
}

func TestRuntime_IsAcceptingWorkTogglesOnShutdown(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	assert.True(t, r.IsAcceptingWork())

	r.Shutdown(context.Background())
	assert.False(t, r.IsAcceptingWork())
}

func TestRuntime_ShutdownRunsCallbacksInPriorityOrder(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)

	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	r.RegisterShutdownCallback(ShutdownCallback{Name: "low", Priority: PriorityLow, Run: record("low")})
	r.RegisterShutdownCallback(ShutdownCallback{Name: "critical", Priority: PriorityCritical, Run: record("critical")})
	r.RegisterShutdownCallback(ShutdownCallback{Name: "normal", Priority: PriorityNormal, Run: record("normal")})

	r.Shutdown(context.Background())

	require.Equal(t, []string{"critical", "normal", "low"}, order)
}

func TestRuntime_ShutdownCallbackFailureDoesNotStopOthers(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)

	var ranSecond atomic.Bool
	r.RegisterShutdownCallback(ShutdownCallback{
		Name: "fails", Priority: PriorityHigh,
		Run: func(context.Context) error { panic("boom") },
	})
	r.RegisterShutdownCallback(ShutdownCallback{
		Name: "succeeds", Priority: PriorityNormal,
		Run: func(context.Context) error { ranSecond.Store(true); return nil },
	})

	r.Shutdown(context.Background())

	assert.True(t, ranSecond.Load())
}

func TestRuntime_DrainTasksWaitsForCompletion(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	done := r.TrackTask("task-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		done()
	}()

	start := time.Now()
	r.Shutdown(context.Background())
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestRuntime_WaitForShutdownRespectsContext(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	r.WaitForShutdown(ctx)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRuntime_CircuitBreakerStatesEmptyWithoutSource(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	assert.Empty(t, r.CircuitBreakerStates())
}

func TestRuntime_CircuitBreakerStatesUsesRegisteredSource(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	r.RegisterHealthSource(func() map[string]string { return map[string]string{"ollama": "closed"} })
	assert.Equal(t, "closed", r.CircuitBreakerStates()["ollama"])
}

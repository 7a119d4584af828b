package execengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalhq/portal/internal/catalog"
	"github.com/portalhq/portal/internal/router"
)

func newTestRegistry(ollamaURL string) *catalog.Registry {
	reg := catalog.New()
	for _, m := range reg.All() {
		reg.SetAvailable(m.ModelID, false)
	}
	reg.Register(&catalog.Model{
		ModelID:        "test_model",
		Backend:        "ollama",
		DisplayName:    "Test Model",
		Capabilities:   []catalog.Capability{catalog.CapGeneral},
		SpeedClass:     catalog.SpeedFast,
		GeneralQuality: 0.8,
		Cost:           0.1,
		Available:      true,
		APIModelName:   "test-model",
	})
	_ = ollamaURL
	return reg
}

func TestEngine_ExecuteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		w.Write([]byte(`{"message":{"content":"hello there"},"eval_count":4}`))
	}))
	defer server.Close()

	reg := newTestRegistry(server.URL)
	r := router.New(reg, router.Speed, nil)
	e := New(reg, r, Config{OllamaBaseURL: server.URL}, nil)

	result := e.Execute(context.Background(), "hi", "", 100, 0.7, 1.0, nil)
	require.True(t, result.Success)
	assert.Equal(t, "hello there", result.Response)
	assert.Equal(t, 4, result.TokensGenerated)
}

func TestEngine_ExecuteFallsBackOnFailure(t *testing.T) {
	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failServer.Close()
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"recovered"}}],"usage":{"completion_tokens":2}}`))
	}))
	defer okServer.Close()

	reg := catalog.New()
	for _, m := range reg.All() {
		reg.SetAvailable(m.ModelID, false)
	}
	reg.Register(&catalog.Model{
		ModelID: "primary", Backend: "ollama", DisplayName: "Primary",
		Capabilities: []catalog.Capability{catalog.CapGeneral}, SpeedClass: catalog.SpeedFast,
		GeneralQuality: 0.9, Cost: 0.1, Available: true, APIModelName: "primary-model",
	})
	reg.Register(&catalog.Model{
		ModelID: "secondary", Backend: "lmstudio", DisplayName: "Secondary",
		Capabilities: []catalog.Capability{catalog.CapGeneral}, SpeedClass: catalog.SpeedFast,
		GeneralQuality: 0.5, Cost: 0.1, Available: true, APIModelName: "secondary-model",
	})

	r := router.New(reg, router.Auto, map[string][]string{"simple": {"primary", "secondary"}})
	e := New(reg, r, Config{OllamaBaseURL: failServer.URL, LMStudioBaseURL: okServer.URL}, nil)

	result := e.Execute(context.Background(), "hi", "", 100, 0.7, 1.0, nil)
	require.True(t, result.Success)
	assert.Equal(t, "recovered", result.Response)
	assert.GreaterOrEqual(t, result.FallbacksUsed, 1)
}

func TestEngine_ExecuteAllModelsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := catalog.New()
	for _, m := range reg.All() {
		reg.SetAvailable(m.ModelID, false)
	}
	reg.Register(&catalog.Model{
		ModelID: "only", Backend: "ollama", DisplayName: "Only",
		Capabilities: []catalog.Capability{catalog.CapGeneral}, SpeedClass: catalog.SpeedFast,
		GeneralQuality: 0.5, Cost: 0.1, Available: true, APIModelName: "only-model",
	})
	r := router.New(reg, router.Speed, nil)
	e := New(reg, r, Config{OllamaBaseURL: server.URL}, nil)

	result := e.Execute(context.Background(), "hi", "", 100, 0.7, 1.0, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "all models failed")
}

func TestEngine_CircuitBreakerSkipsOpenBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := catalog.New()
	for _, m := range reg.All() {
		reg.SetAvailable(m.ModelID, false)
	}
	reg.Register(&catalog.Model{
		ModelID: "flaky", Backend: "ollama", DisplayName: "Flaky",
		Capabilities: []catalog.Capability{catalog.CapGeneral}, SpeedClass: catalog.SpeedFast,
		GeneralQuality: 0.5, Cost: 0.1, Available: true, APIModelName: "flaky-model",
	})
	r := router.New(reg, router.Speed, nil)
	e := New(reg, r, Config{
		OllamaBaseURL:           server.URL,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 1,
		CircuitBreakerTimeout:   time.Hour,
	}, nil)

	e.Execute(context.Background(), "hi", "", 100, 0.7, 1.0, nil)
	states := map[string]string{}
	for _, h := range e.HealthCheck(context.Background()) {
		states[h.Backend] = h.CircuitState
	}
	assert.Equal(t, "open", states["ollama"])
}

func TestEngine_HealthCheckDisabledBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reg := catalog.New()
	r := router.New(reg, router.Speed, nil)
	e := New(reg, r, Config{OllamaBaseURL: server.URL, LMStudioBaseURL: server.URL, CircuitBreakerEnabled: false}, nil)

	for _, h := range e.HealthCheck(context.Background()) {
		assert.Equal(t, "disabled", h.CircuitState)
	}
}

func TestEngine_GenerateStreamSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		w.Write([]byte(`{"message":{"content":"a"}}` + "\n" + `{"message":{"content":"b"}}` + "\n"))
	}))
	defer server.Close()

	reg := newTestRegistry(server.URL)
	r := router.New(reg, router.Speed, nil)
	e := New(reg, r, Config{OllamaBaseURL: server.URL}, nil)

	chunks, errs := e.GenerateStream(context.Background(), "hi", "", 100, 0.7, nil)
	var got []string
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			got = append(got, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

// TestEngine_GenerateStreamFallsBackBeforeFirstChunk exercises the
// no-mid-stream-fallback contract: the primary backend's connection
// dies before it emits anything, so the engine falls back to the
// secondary backend, which streams successfully. The breaker should
// record exactly one failure (primary) and one success (secondary).
func TestEngine_GenerateStreamFallsBackBeforeFirstChunk(t *testing.T) {
	primaryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer primaryServer.Close()

	secondaryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.Write([]byte(`{"data":[]}`))
			return
		}
		w.Write([]byte("data: " + `{"choices":[{"delta":{"content":"a"}}]}` + "\n"))
		w.Write([]byte("data: " + `{"choices":[{"delta":{"content":"b"}}]}` + "\n"))
		w.Write([]byte("data: [DONE]\n"))
	}))
	defer secondaryServer.Close()

	reg := catalog.New()
	for _, m := range reg.All() {
		reg.SetAvailable(m.ModelID, false)
	}
	reg.Register(&catalog.Model{
		ModelID: "primary", Backend: "ollama", DisplayName: "Primary",
		Capabilities: []catalog.Capability{catalog.CapGeneral}, SpeedClass: catalog.SpeedFast,
		GeneralQuality: 0.9, Cost: 0.1, Available: true, APIModelName: "primary-model",
	})
	reg.Register(&catalog.Model{
		ModelID: "secondary", Backend: "lmstudio", DisplayName: "Secondary",
		Capabilities: []catalog.Capability{catalog.CapGeneral}, SpeedClass: catalog.SpeedFast,
		GeneralQuality: 0.5, Cost: 0.1, Available: true, APIModelName: "secondary-model",
	})

	r := router.New(reg, router.Auto, map[string][]string{"simple": {"primary", "secondary"}})
	e := New(reg, r, Config{
		OllamaBaseURL:           primaryServer.URL,
		LMStudioBaseURL:         secondaryServer.URL,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   time.Hour,
	}, nil)

	chunks, errs := e.GenerateStream(context.Background(), "hi", "", 100, 0.7, nil)
	var got []string
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			got = append(got, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)

	snapshot := map[string]int{}
	for _, s := range e.breaker.Snapshot() {
		snapshot[s.ModelID] = s.FailureCount
	}
	assert.Equal(t, 1, snapshot["ollama"])
	assert.Equal(t, 0, snapshot["lmstudio"])
}

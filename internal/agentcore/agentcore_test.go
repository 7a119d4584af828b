package agentcore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalhq/portal/internal/catalog"
	"github.com/portalhq/portal/internal/convo"
	"github.com/portalhq/portal/internal/eventbus"
	"github.com/portalhq/portal/internal/execengine"
	"github.com/portalhq/portal/internal/prompt"
	"github.com/portalhq/portal/internal/router"
	"github.com/portalhq/portal/internal/tools"
)

func newTestCore(t *testing.T, ollamaHandler http.HandlerFunc) *Core {
	t.Helper()
	server := httptest.NewServer(ollamaHandler)
	t.Cleanup(server.Close)

	reg := catalog.New()
	for _, m := range reg.All() {
		reg.SetAvailable(m.ModelID, false)
	}
	reg.Register(&catalog.Model{
		ModelID: "test_model", Backend: "ollama", DisplayName: "Test Model",
		Capabilities: []catalog.Capability{catalog.CapGeneral}, SpeedClass: catalog.SpeedFast,
		GeneralQuality: 0.8, Cost: 0.1, Available: true, APIModelName: "test-model",
	})

	r := router.New(reg, router.Speed, nil)
	engine := execengine.New(reg, r, execengine.Config{OllamaBaseURL: server.URL}, nil)

	dbPath := filepath.Join(t.TempDir(), "convo.db")
	convoMgr, err := convo.New(dbPath, 10)
	require.NoError(t, err)
	t.Cleanup(func() { convoMgr.Close() })

	bus := eventbus.New()
	prompts := prompt.New(t.TempDir(), 0)
	toolRegistry := tools.NewRegistry()

	return New(engine, r, convoMgr, bus, prompts, toolRegistry, nil)
}

func TestCore_ProcessSuccess(t *testing.T) {
	core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		w.Write([]byte(`{"message":{"content":"hi there"},"eval_count":3}`))
	})

	result, err := core.Process(context.Background(), "chat1", "hello", "web", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hi there", result.Response)
	assert.NotEmpty(t, result.TraceID)

	stats := core.Stats()
	assert.Equal(t, 1, stats.MessagesProcessed)
	assert.Equal(t, 1, stats.ByInterface["web"])
}

func TestCore_ProcessPersistsUserMessageBeforeGeneration(t *testing.T) {
	core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := core.Process(context.Background(), "chat2", "will this fail", "web", nil)
	require.Error(t, err)

	history, herr := core.context.History("chat2", 10, true)
	require.NoError(t, herr)
	require.Len(t, history, 1)
	assert.Equal(t, "user", history[0].Role)

	stats := core.Stats()
	assert.Equal(t, 1, stats.Errors)
}

func TestCore_ExecuteToolNotFound(t *testing.T) {
	core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[]}`))
	})

	_, err := core.ExecuteTool(context.Background(), "missing", nil, "chat1", "user1")
	require.Error(t, err)
}

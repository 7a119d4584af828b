package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	meta Metadata
}

func (s stubTool) Metadata() Metadata { return s.meta }
func (s stubTool) Execute(ctx context.Context, parameters map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool{meta: Metadata{Name: "search"}})
	r.Register(stubTool{meta: Metadata{Name: "fetch"}})

	loaded, failed := r.DiscoverAndLoad()
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []string{"fetch", "search"}, r.Names())

	tool, ok := r.Get("search")
	require.True(t, ok)
	assert.Equal(t, "search", tool.Metadata().Name)
}

func TestConfirmationMiddleware_AllowlistPassesWithoutBlocking(t *testing.T) {
	policy := DefaultPolicy()
	policy.Allowlist = []string{"search"}
	mw := NewConfirmationMiddleware(policy, nil)

	ok, err := mw.RequestConfirmation(context.Background(), "search", nil, "chat1", "user1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConfirmationMiddleware_DenylistWinsOverAllowlist(t *testing.T) {
	policy := DefaultPolicy()
	policy.Denylist = []string{"rm_*"}
	policy.Allowlist = []string{"rm_*"}
	mw := NewConfirmationMiddleware(policy, nil)

	ok, err := mw.RequestConfirmation(context.Background(), "rm_files", nil, "chat1", "user1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfirmationMiddleware_RequireApprovalBlocksUntilResponder(t *testing.T) {
	policy := DefaultPolicy()
	policy.RequireApproval = []string{"deploy"}
	mw := NewConfirmationMiddleware(policy, func(ctx context.Context, req *ApprovalRequest) (Decision, error) {
		assert.Equal(t, "deploy", req.ToolName)
		return Allowed, nil
	})

	ok, err := mw.RequestConfirmation(context.Background(), "deploy", nil, "chat1", "user1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConfirmationMiddleware_NoResponderDeniesPending(t *testing.T) {
	policy := DefaultPolicy()
	policy.RequireApproval = []string{"deploy"}
	mw := NewConfirmationMiddleware(policy, nil)

	ok, err := mw.RequestConfirmation(context.Background(), "deploy", nil, "chat1", "user1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfirmationMiddleware_TimeoutTreatedAsDenial(t *testing.T) {
	policy := DefaultPolicy()
	policy.RequireApproval = []string{"deploy"}
	policy.RequestTTL = 10 * time.Millisecond
	mw := NewConfirmationMiddleware(policy, func(ctx context.Context, req *ApprovalRequest) (Decision, error) {
		<-ctx.Done()
		return Denied, ctx.Err()
	})

	ok, err := mw.RequestConfirmation(context.Background(), "deploy", nil, "chat1", "user1")
	require.Error(t, err)
	assert.False(t, ok)
}

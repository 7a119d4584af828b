package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalhq/portal/internal/portalerr"
	"github.com/portalhq/portal/internal/ratelimit"
)

type stubCore struct {
	lastMessage string
	called      bool
}

func (s *stubCore) ProcessMessage(ctx context.Context, chatID, message, iface string, userContext map[string]any) (Result, error) {
	s.called = true
	s.lastMessage = message
	return Result{Reply: "ok"}, nil
}

func TestMiddleware_RejectsEmptyMessage(t *testing.T) {
	core := &stubCore{}
	mw := New(core, ratelimit.New(30, 60, ""))

	_, err := mw.ProcessMessage(context.Background(), "chat1", "   ", "web", nil)
	require.Error(t, err)
	var pe *portalerr.PortalError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, portalerr.ValidationError, pe.Code)
	assert.False(t, core.called)
}

func TestMiddleware_RejectsDangerousPattern(t *testing.T) {
	core := &stubCore{}
	mw := New(core, ratelimit.New(30, 60, ""))

	_, err := mw.ProcessMessage(context.Background(), "chat1", "rm -rf /", "web", nil)
	require.Error(t, err)
	var pe *portalerr.PortalError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, portalerr.PolicyViolation, pe.Code)
	assert.False(t, core.called)
}

func TestMiddleware_EnforcesRateLimit(t *testing.T) {
	core := &stubCore{}
	mw := New(core, ratelimit.New(1, 60, ""))
	ctx := context.Background()

	_, err := mw.ProcessMessage(ctx, "chat1", "hello", "web", map[string]any{"user_id": "u1"})
	require.NoError(t, err)

	_, err = mw.ProcessMessage(ctx, "chat1", "hello again", "web", map[string]any{"user_id": "u1"})
	require.Error(t, err)
	var rle *portalerr.RateLimitExceededError
	require.ErrorAs(t, err, &rle)
}

func TestMiddleware_ForwardsSanitizedMessageToCore(t *testing.T) {
	core := &stubCore{}
	mw := New(core, ratelimit.New(30, 60, ""))

	_, err := mw.ProcessMessage(context.Background(), "chat1", "  hello world  ", "web", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", core.lastMessage)
}

func TestMiddleware_RejectsOverlongMessage(t *testing.T) {
	core := &stubCore{}
	mw := New(core, ratelimit.New(30, 60, ""), WithMaxMessageLength(5))

	_, err := mw.ProcessMessage(context.Background(), "chat1", "too long message", "web", nil)
	require.Error(t, err)
	var pe *portalerr.PortalError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, portalerr.ValidationError, pe.Code)
}

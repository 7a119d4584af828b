// Package security wraps an agent core with rate limiting and input
// sanitization so no message reaches core logic without having
// passed both checks first.
package security

import (
	"context"
	"strings"

	"github.com/portalhq/portal/internal/portalerr"
	"github.com/portalhq/portal/internal/ratelimit"
	"github.com/portalhq/portal/internal/sanitize"
)

// Processor is the minimal surface a wrapped agent core must expose.
type Processor interface {
	ProcessMessage(ctx context.Context, chatID, message, iface string, userContext map[string]any) (Result, error)
}

// Result is the processor's outcome, widened here only to attach
// security warnings accumulated ahead of the call.
type Result struct {
	Reply    string
	Warnings []string
}

// Context carries the per-request security bookkeeping from
// sanitization through to the final result.
type Context struct {
	UserID         string
	ChatID         string
	Interface      string
	SanitizedInput string
	Warnings       []string
}

// Middleware is the Interface -> Middleware -> AgentCore gate: every
// message is rate-limited, sanitized, and policy-checked before the
// wrapped Processor ever sees it.
type Middleware struct {
	core Processor

	limiter *ratelimit.Limiter

	enableRateLimiting      bool
	enableInputSanitization bool
	maxMessageLength        int
}

type Option func(*Middleware)

func WithRateLimiting(enabled bool) Option {
	return func(m *Middleware) { m.enableRateLimiting = enabled }
}

func WithInputSanitization(enabled bool) Option {
	return func(m *Middleware) { m.enableInputSanitization = enabled }
}

func WithMaxMessageLength(n int) Option {
	return func(m *Middleware) { m.maxMessageLength = n }
}

func New(core Processor, limiter *ratelimit.Limiter, opts ...Option) *Middleware {
	m := &Middleware{
		core:                    core,
		limiter:                 limiter,
		enableRateLimiting:      true,
		enableInputSanitization: true,
		maxMessageLength:        10000,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProcessMessage runs the full rate-limit -> sanitize -> policy ->
// core pipeline and appends any accumulated warnings to the result.
func (m *Middleware) ProcessMessage(ctx context.Context, chatID, message, iface string, userContext map[string]any) (Result, error) {
	secCtx := &Context{ChatID: chatID, Interface: iface}
	if uid, ok := userContext["user_id"].(string); ok {
		secCtx.UserID = uid
	}

	if m.enableRateLimiting && secCtx.UserID != "" {
		if err := m.checkRateLimit(secCtx); err != nil {
			return Result{}, err
		}
	}

	if m.enableInputSanitization {
		if err := m.sanitizeInput(message, secCtx); err != nil {
			return Result{}, err
		}
	} else {
		secCtx.SanitizedInput = message
	}

	if err := m.validatePolicies(secCtx); err != nil {
		return Result{}, err
	}

	result, err := m.core.ProcessMessage(ctx, chatID, secCtx.SanitizedInput, iface, userContext)
	if err != nil {
		return Result{}, err
	}

	if len(secCtx.Warnings) > 0 {
		result.Warnings = append(result.Warnings, secCtx.Warnings...)
	}
	return result, nil
}

func (m *Middleware) checkRateLimit(secCtx *Context) error {
	allowed, retryAfter := m.limiter.Check(secCtx.UserID)
	if allowed {
		return nil
	}
	return portalerr.NewRateLimitExceeded(
		"Rate limit exceeded. Please try again later",
		retryAfter,
		map[string]any{"user_id": secCtx.UserID, "interface": secCtx.Interface},
	)
}

func (m *Middleware) sanitizeInput(message string, secCtx *Context) error {
	sanitized, warnings := sanitize.SanitizeCommand(message)
	secCtx.SanitizedInput = sanitized
	secCtx.Warnings = warnings

	for _, warning := range warnings {
		if strings.Contains(warning, "Dangerous pattern detected") {
			return portalerr.NewPolicyViolation(
				"Dangerous command pattern detected",
				map[string]any{"warning": warning, "chat_id": secCtx.ChatID, "interface": secCtx.Interface},
			)
		}
	}
	return nil
}

func (m *Middleware) validatePolicies(secCtx *Context) error {
	trimmed := strings.TrimSpace(secCtx.SanitizedInput)
	if trimmed == "" {
		return portalerr.NewValidationError("Message cannot be empty", map[string]any{"chat_id": secCtx.ChatID})
	}
	if len(secCtx.SanitizedInput) > m.maxMessageLength {
		return portalerr.NewValidationError(
			"Message exceeds maximum length",
			map[string]any{"length": len(secCtx.SanitizedInput), "max_length": m.maxMessageLength},
		)
	}
	return nil
}

func (m *Middleware) RateLimitStats(userID string) ratelimit.Stats {
	return m.limiter.GetStats(userID)
}

func (m *Middleware) ResetRateLimit(userID string) {
	m.limiter.ResetUser(userID)
}

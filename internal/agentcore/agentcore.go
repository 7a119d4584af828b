// Package agentcore is Portal's unified brain: every front-end,
// regardless of transport, funnels a message through the same
// process pipeline here — load context, persist the user's turn,
// build a system prompt, route and execute against a model, persist
// the response, and emit progress events throughout.
package agentcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portalhq/portal/internal/backend"
	"github.com/portalhq/portal/internal/convo"
	"github.com/portalhq/portal/internal/eventbus"
	"github.com/portalhq/portal/internal/execengine"
	"github.com/portalhq/portal/internal/portalerr"
	"github.com/portalhq/portal/internal/prompt"
	"github.com/portalhq/portal/internal/router"
	"github.com/portalhq/portal/internal/tools"
)

// Result is the outcome of one process() call.
type Result struct {
	Success       bool
	Response      string
	ModelUsed     string
	ExecutionTime time.Duration
	ToolsUsed     []string
	Warnings      []string
	Metadata      map[string]any
	TraceID       string
}

// Stats tracks process-wide counters since startup.
type Stats struct {
	MessagesProcessed  int
	TotalExecutionTime time.Duration
	ToolsExecuted      int
	ByInterface        map[string]int
	Errors             int
	StartedAt          time.Time
}

// Core orchestrates message processing. Every dependency is injected
// so the core can be exercised in tests without a live backend.
type Core struct {
	registry               *execengine.Engine
	router                 *router.Router
	context                *convo.Manager
	events                 *eventbus.Bus
	prompts                *prompt.Manager
	tools                  *tools.Registry
	confirmationMiddleware *tools.ConfirmationMiddleware

	historyLimit int
	maxTokens    int
	temperature  float64
	maxCost      float64

	mu    sync.Mutex
	stats Stats

	log *slog.Logger
}

type Option func(*Core)

func WithConfirmationMiddleware(mw *tools.ConfirmationMiddleware) Option {
	return func(c *Core) { c.confirmationMiddleware = mw }
}

func WithHistoryLimit(n int) Option {
	return func(c *Core) { c.historyLimit = n }
}

func WithGenerationParams(maxTokens int, temperature, maxCost float64) Option {
	return func(c *Core) { c.maxTokens, c.temperature, c.maxCost = maxTokens, temperature, maxCost }
}

func New(
	engine *execengine.Engine,
	r *router.Router,
	contextManager *convo.Manager,
	events *eventbus.Bus,
	prompts *prompt.Manager,
	toolRegistry *tools.Registry,
	log *slog.Logger,
	opts ...Option,
) *Core {
	if log == nil {
		log = slog.Default()
	}
	c := &Core{
		registry:     engine,
		router:       r,
		context:      contextManager,
		events:       events,
		prompts:      prompts,
		tools:        toolRegistry,
		historyLimit: 10,
		maxTokens:    2048,
		temperature:  0.7,
		maxCost:      1.0,
		stats:        Stats{ByInterface: make(map[string]int), StartedAt: time.Now()},
		log:          log,
	}
	for _, opt := range opts {
		opt(c)
	}

	loaded, failed := c.tools.DiscoverAndLoad()
	c.log.Info("agent core initialized", "tools_loaded", loaded, "tools_failed", failed,
		"confirmation_middleware_enabled", c.confirmationMiddleware != nil)

	return c
}

// Process runs the full ten-step pipeline for a single message from
// any interface. Sanitization and rate limiting happen upstream in
// the security middleware; the message arriving here is already clean.
func (c *Core) Process(ctx context.Context, chatID, message, iface string, userContext map[string]any) (Result, error) {
	start := time.Now()
	traceID := uuid.New().String()
	log := c.log.With("trace_id", traceID, "chat_id", chatID)

	c.mu.Lock()
	c.stats.MessagesProcessed++
	c.stats.ByInterface[iface]++
	c.mu.Unlock()

	log.Info("processing message", "interface", iface, "message_length", len(message))
	c.events.Publish(eventbus.ProcessingStarted, chatID, map[string]any{"message": message}, traceID)

	history, err := c.loadContext(chatID, traceID)
	if err != nil {
		return c.fail(chatID, traceID, start, err)
	}
	_ = history

	if err := c.context.Add(chatID, "user", message, iface, nil); err != nil {
		return c.fail(chatID, traceID, start, portalerr.Wrap(portalerr.DatabaseError, "failed to save user message", err, nil))
	}
	log.Debug("user message saved")

	userPrefs, _ := userContext["preferences"].(map[string]any)
	systemPrompt := c.prompts.BuildSystemPrompt(iface, userPrefs)

	availableTools := c.tools.Names()

	execResult, decision, err := c.executeWithRouting(ctx, message, systemPrompt, chatID, traceID, availableTools)
	if err != nil {
		return c.fail(chatID, traceID, start, err)
	}

	if err := c.context.Add(chatID, "assistant", execResult.Response, iface, nil); err != nil {
		log.Warn("failed to save assistant response", "error", err)
	}
	log.Debug("assistant response saved")

	elapsed := time.Since(start)
	c.mu.Lock()
	c.stats.TotalExecutionTime += elapsed
	c.mu.Unlock()

	toolsUsed := toolNamesFromCalls(execResult.ToolCalls)
	c.mu.Lock()
	c.stats.ToolsExecuted += len(toolsUsed)
	c.mu.Unlock()

	log.Info("completed processing", "model", execResult.ModelUsed, "execution_time", elapsed, "tools_count", len(toolsUsed))

	c.events.Publish(eventbus.ProcessingCompleted, chatID, map[string]any{
		"model":          execResult.ModelUsed,
		"execution_time": elapsed.Seconds(),
		"tools_used":     toolsUsed,
	}, traceID)

	return Result{
		Success:       true,
		Response:      execResult.Response,
		ModelUsed:     execResult.ModelUsed,
		ExecutionTime: elapsed,
		ToolsUsed:     toolsUsed,
		Metadata: map[string]any{
			"chat_id":          chatID,
			"interface":        iface,
			"timestamp":        time.Now().Format(time.RFC3339),
			"routing_strategy": string(decision.StrategyUsed),
		},
		TraceID: traceID,
	}, nil
}

func (c *Core) loadContext(chatID, traceID string) ([]convo.Message, error) {
	history, err := c.context.History(chatID, c.historyLimit, false)
	if err != nil {
		return nil, err
	}
	c.events.Publish(eventbus.ContextLoaded, chatID, map[string]any{"messages_loaded": len(history)}, traceID)
	return history, nil
}

func (c *Core) executeWithRouting(ctx context.Context, query, systemPrompt, chatID, traceID string, availableTools []string) (execengine.Result, router.Decision, error) {
	decision, err := c.router.Route(query, c.maxCost)
	if err != nil {
		return execengine.Result{}, router.Decision{}, portalerr.NewModelNotAvailable(err.Error(), nil)
	}

	c.events.Publish(eventbus.RoutingDecision, chatID, map[string]any{
		"model":      decision.ModelID,
		"reasoning":  decision.Reasoning,
		"complexity": string(decision.Classification.Complexity),
	}, traceID)
	c.log.Info("routing decision", "model", decision.ModelID, "complexity", decision.Classification.Complexity)

	c.events.Publish(eventbus.ModelGenerating, chatID, map[string]any{"model": decision.ModelID}, traceID)

	_ = availableTools // collected for parity with the original signature; dispatch to tools happens via execute_tool

	result := c.registry.Execute(ctx, query, systemPrompt, c.maxTokens, c.temperature, c.maxCost, nil)
	if !result.Success {
		return execengine.Result{}, decision, portalerr.NewModelNotAvailable(
			fmt.Sprintf("model execution failed: %s", result.Error),
			map[string]any{"model": decision.ModelID, "error": result.Error},
		)
	}
	return result, decision, nil
}

func (c *Core) fail(chatID, traceID string, start time.Time, err error) (Result, error) {
	c.mu.Lock()
	c.stats.Errors++
	c.mu.Unlock()

	type portalErrorLike interface {
		error
		ToMap() map[string]any
	}
	if pe, ok := err.(portalErrorLike); ok {
		c.log.Error("processing failed", "error_type", fmt.Sprintf("%T", err), "error_message", pe.Error())
		c.events.Publish(eventbus.ProcessingFailed, chatID, map[string]any{"error": pe.ToMap()}, traceID)
		return Result{}, err
	}

	c.log.Error("unexpected error", "error", err.Error())
	c.events.Publish(eventbus.ProcessingFailed, chatID, map[string]any{"error": err.Error()}, traceID)
	return Result{}, portalerr.NewProcessingFailed(fmt.Sprintf("unexpected error: %s", err), map[string]any{"original_error": err.Error()})
}

func toolNamesFromCalls(calls []backend.ToolCall) []string {
	if len(calls) == 0 {
		return nil
	}
	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.Name
	}
	return names
}

// Stats returns a snapshot of process-wide counters plus derived uptime
// and average latency.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.stats
	snapshot.ByInterface = make(map[string]int, len(c.stats.ByInterface))
	for k, v := range c.stats.ByInterface {
		snapshot.ByInterface[k] = v
	}
	return snapshot
}

func (s Stats) Uptime() time.Duration { return time.Since(s.StartedAt) }

func (s Stats) AverageExecutionTime() time.Duration {
	if s.MessagesProcessed == 0 {
		return 0
	}
	return s.TotalExecutionTime / time.Duration(s.MessagesProcessed)
}

// ExecuteTool runs a specific tool directly, requesting human
// confirmation first if the tool is flagged as requiring it and a
// confirmation middleware is configured.
func (c *Core) ExecuteTool(ctx context.Context, toolName string, parameters map[string]any, chatID, userID string) (map[string]any, error) {
	tool, ok := c.tools.Get(toolName)
	if !ok {
		return nil, portalerr.NewToolExecutionFailed(toolName, fmt.Sprintf("tool not found: %s", toolName), nil)
	}

	if tool.Metadata().RequiresConfirmation && c.confirmationMiddleware != nil {
		c.log.Info("tool requires confirmation, requesting approval", "tool", toolName, "chat_id", chatID)
		approved, err := c.confirmationMiddleware.RequestConfirmation(ctx, toolName, parameters, chatID, userID)
		if err != nil || !approved {
			c.log.Warn("tool execution denied", "tool", toolName, "chat_id", chatID)
			return nil, portalerr.NewToolExecutionFailed(toolName, "tool execution denied by administrator",
				map[string]any{"parameters": parameters, "requires_confirmation": true})
		}
		c.log.Info("tool execution approved", "tool", toolName, "chat_id", chatID)
	}

	result, err := tool.Execute(ctx, parameters)
	if err != nil {
		c.log.Error("tool execution error", "tool", toolName, "error", err)
		return nil, portalerr.NewToolExecutionFailed(toolName, err.Error(), map[string]any{"parameters": parameters})
	}
	return result, nil
}

// Cleanup releases resources held by the execution engine's backends.
func (c *Core) Cleanup() {
	c.log.Info("cleaning up agent core")
	c.registry.Close()
	c.log.Info("agent core cleanup complete")
}

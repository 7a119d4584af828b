// Package execengine walks a router's model chain, consulting the
// circuit breaker before every attempt and falling back to the next
// model in the chain on failure, timeout, or an unavailable backend.
package execengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/portalhq/portal/internal/backend"
	"github.com/portalhq/portal/internal/breaker"
	"github.com/portalhq/portal/internal/catalog"
	"github.com/portalhq/portal/internal/router"
)

// Result is the outcome of one Execute call.
type Result struct {
	Success         bool
	Response        string
	ModelUsed       string
	ExecutionTimeMS float64
	TokensGenerated int
	RoutingDecision router.Decision
	FallbacksUsed   int
	Error           string
	ToolCalls       []backend.ToolCall
}

// Config holds the execution engine's tunables. Zero numeric values
// fall back to defaults (60s timeout, threshold 3, 60s recovery, one
// half-open call); CircuitBreakerEnabled has no default, and its zero
// value leaves the breaker off.
type Config struct {
	TimeoutSeconds            int
	CircuitBreakerEnabled     bool
	CircuitBreakerThreshold   int
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerHalfOpenMax int
	OllamaBaseURL             string
	LMStudioBaseURL           string
}

func (c Config) withDefaults() Config {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 60
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 3
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = 60 * time.Second
	}
	if c.CircuitBreakerHalfOpenMax <= 0 {
		c.CircuitBreakerHalfOpenMax = 1
	}
	return c
}

// Engine executes queries against the model chain a Router produces,
// recording circuit-breaker outcomes and falling back on failure.
type Engine struct {
	registry *catalog.Registry
	router   *router.Router
	config   Config
	backends map[string]backend.Backend
	breaker  *breaker.Breaker
	log      *slog.Logger
}

// New wires up the default local backends (ollama, lmstudio) behind
// the supplied registry and router. The circuit breaker is built only
// when cfg.CircuitBreakerEnabled is true; otherwise no breaker is
// consulted.
func New(registry *catalog.Registry, r *router.Router, cfg Config, log *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		registry: registry,
		router:   r,
		config:   cfg,
		backends: map[string]backend.Backend{
			"ollama":   backend.NewOllama(cfg.OllamaBaseURL),
			"lmstudio": backend.NewLMStudio(cfg.LMStudioBaseURL),
		},
		log: log,
	}
	if cfg.CircuitBreakerEnabled {
		e.breaker = breaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, cfg.CircuitBreakerHalfOpenMax)
	}
	e.log.Info("execution engine initialized",
		"circuit_breaker", cfg.CircuitBreakerEnabled, "timeout_seconds", cfg.TimeoutSeconds)
	return e
}

// backendReady checks the circuit breaker and live availability for a
// given backend name before the engine spends a generation attempt on it.
func (e *Engine) backendReady(ctx context.Context, b backend.Backend, backendName string) bool {
	if e.breaker != nil {
		allowed, reason := e.breaker.ShouldAllow(backendName)
		if !allowed {
			e.log.Info("circuit breaker blocked backend", "backend", backendName, "reason", reason)
			return false
		}
	}
	if !b.IsAvailable(ctx) {
		e.log.Warn("backend not available", "backend", backendName)
		if e.breaker != nil {
			e.breaker.RecordFailure(backendName)
		}
		return false
	}
	return true
}

// Execute runs query through the routed model chain, falling back to
// the next model whenever the current one is unreachable, circuit-open,
// or returns an unsuccessful GenerationResult.
func (e *Engine) Execute(ctx context.Context, query, systemPrompt string, maxTokens int, temperature, maxCost float64, messages []backend.ChatMessage) Result {
	start := time.Now()

	decision, err := e.router.Route(query, maxCost)
	if err != nil {
		return Result{Success: false, ModelUsed: "none", Error: err.Error(), ExecutionTimeMS: elapsedMS(start)}
	}

	chain := append([]string{decision.ModelID}, decision.FallbackModels...)
	fallbacksUsed := 0
	var lastError string

	for _, modelID := range chain {
		model, ok := e.registry.Get(modelID)
		if !ok {
			continue
		}
		b, ok := e.backends[model.Backend]
		if !ok {
			e.log.Warn("no backend registered", "backend", model.Backend)
			continue
		}
		if !e.backendReady(ctx, b, model.Backend) {
			fallbacksUsed++
			continue
		}

		result := e.executeWithTimeout(ctx, b, model, query, systemPrompt, maxTokens, temperature, messages)
		if result.Success {
			if e.breaker != nil {
				e.breaker.RecordSuccess(model.Backend)
			}
			return Result{
				Success:         true,
				Response:        result.Text,
				ModelUsed:       model.DisplayName,
				ExecutionTimeMS: elapsedMS(start),
				TokensGenerated: result.TokensGenerated,
				RoutingDecision: decision,
				FallbacksUsed:   fallbacksUsed,
				ToolCalls:       result.ToolCalls,
			}
		}
		if e.breaker != nil {
			e.breaker.RecordFailure(model.Backend)
		}
		lastError = result.Error
		fallbacksUsed++
		e.log.Warn("model failed", "model", modelID, "error", result.Error)
	}

	return Result{
		Success:         false,
		ModelUsed:       "none",
		ExecutionTimeMS: elapsedMS(start),
		RoutingDecision: decision,
		FallbacksUsed:   fallbacksUsed,
		Error:           fmt.Sprintf("all models failed. Last error: %s", lastError),
	}
}

func (e *Engine) executeWithTimeout(ctx context.Context, b backend.Backend, model *catalog.Model, query, systemPrompt string, maxTokens int, temperature float64, messages []backend.ChatMessage) backend.GenerationResult {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(e.config.TimeoutSeconds)*time.Second)
	defer cancel()

	modelName := model.APIModelName
	if modelName == "" {
		modelName = model.ModelID
	}

	resultCh := make(chan backend.GenerationResult, 1)
	go func() {
		result, err := b.Generate(timeoutCtx, backend.Request{
			Prompt:       query,
			ModelName:    modelName,
			SystemPrompt: systemPrompt,
			MaxTokens:    maxTokens,
			Temperature:  temperature,
			Messages:     messages,
		})
		if err != nil {
			result = backend.GenerationResult{ModelID: model.ModelID, Success: false, Error: err.Error()}
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		return result
	case <-timeoutCtx.Done():
		return backend.GenerationResult{
			ModelID: model.ModelID,
			Success: false,
			Error:   fmt.Sprintf("timeout after %ds", e.config.TimeoutSeconds),
		}
	}
}

// GenerateStream streams tokens from the first ready model in the
// chain. Unlike Execute, it never falls back once streaming has begun:
// if any chunk was emitted before an error occurs, the attempt counts
// as a success for circuit-breaker purposes and the stream ends there.
func (e *Engine) GenerateStream(ctx context.Context, query, systemPrompt string, maxTokens int, temperature float64, messages []backend.ChatMessage) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		decision, err := e.router.Route(query, 1.0)
		if err != nil {
			errs <- err
			return
		}
		chain := append([]string{decision.ModelID}, decision.FallbackModels...)

		for _, modelID := range chain {
			model, ok := e.registry.Get(modelID)
			if !ok {
				continue
			}
			b, ok := e.backends[model.Backend]
			if !ok {
				e.log.Warn("no backend registered", "backend", model.Backend)
				continue
			}
			if !e.backendReady(ctx, b, model.Backend) {
				continue
			}

			modelName := model.APIModelName
			if modelName == "" {
				modelName = model.ModelID
			}
			chunks, srcErrs := b.GenerateStream(ctx, backend.Request{
				Prompt:       query,
				ModelName:    modelName,
				SystemPrompt: systemPrompt,
				MaxTokens:    maxTokens,
				Temperature:  temperature,
				Messages:     messages,
			})

			yielded := false
			streamErr := drainStream(ctx, chunks, srcErrs, out, &yielded)

			if streamErr == nil {
				if yielded && e.breaker != nil {
					e.breaker.RecordSuccess(model.Backend)
				}
				return
			}
			if yielded {
				e.log.Error("streaming error after output began", "model", modelID, "error", streamErr)
				if e.breaker != nil {
					e.breaker.RecordSuccess(model.Backend)
				}
				errs <- streamErr
				return
			}
			e.log.Error("streaming error", "model", modelID, "error", streamErr)
			if e.breaker != nil {
				e.breaker.RecordFailure(model.Backend)
			}
		}
		e.log.Error("no models available for streaming")
	}()

	return out, errs
}

func drainStream(ctx context.Context, chunks <-chan string, srcErrs <-chan error, out chan<- string, yielded *bool) error {
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// The adapters close their error channel before the chunk
				// channel, so an error sent just before the end is
				// already buffered here.
				select {
				case err := <-srcErrs:
					return err
				default:
					return nil
				}
			}
			*yielded = true
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err := <-srcErrs:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HealthStatus reports availability and circuit-breaker state for a
// single backend.
type HealthStatus struct {
	Backend      string
	Available    bool
	CircuitState string
	FailureCount int
	Error        string
}

func (e *Engine) HealthCheck(ctx context.Context) []HealthStatus {
	out := make([]HealthStatus, 0, len(e.backends))
	for name, b := range e.backends {
		status := HealthStatus{Backend: name, Available: b.IsAvailable(ctx)}
		if e.breaker != nil {
			status.CircuitState = e.breaker.State(name).String()
			for _, s := range e.breaker.Snapshot() {
				if s.ModelID == name {
					status.FailureCount = s.FailureCount
				}
			}
		} else {
			status.CircuitState = "disabled"
		}
		out = append(out, status)
	}
	return out
}

// CircuitBreakerStates reports each backend's current circuit state
// without probing live availability, for use by health endpoints that
// must not block on a network round trip.
func (e *Engine) CircuitBreakerStates() map[string]string {
	states := make(map[string]string, len(e.backends))
	for name := range e.backends {
		if e.breaker == nil {
			states[name] = "disabled"
			continue
		}
		states[name] = e.breaker.State(name).String()
	}
	return states
}

// Close releases every backend's HTTP session. Callers invoke this once,
// during shutdown, after the engine has stopped accepting new work.
func (e *Engine) Close() {
	for name, b := range e.backends {
		b.Close()
		e.log.Info("backend closed", "backend", name)
	}
}

// ResetCircuitBreaker manually closes the circuit for backendName.
func (e *Engine) ResetCircuitBreaker(backendName string) {
	if e.breaker == nil {
		e.log.Warn("circuit breaker is disabled, cannot reset")
		return
	}
	if _, ok := e.backends[backendName]; !ok {
		e.log.Warn("unknown backend", "backend", backendName)
		return
	}
	e.breaker.Reset(backendName)
	e.log.Info("manually reset circuit breaker", "backend", backendName)
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

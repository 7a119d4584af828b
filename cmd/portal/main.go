// Command portal is the entry point for the Portal local-first LLM
// gateway: it wires the dependency graph, bootstraps the runtime, and
// blocks until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/portalhq/portal/internal/agentcore"
	"github.com/portalhq/portal/internal/catalog"
	"github.com/portalhq/portal/internal/config"
	"github.com/portalhq/portal/internal/convo"
	"github.com/portalhq/portal/internal/eventbus"
	"github.com/portalhq/portal/internal/execengine"
	"github.com/portalhq/portal/internal/observability"
	"github.com/portalhq/portal/internal/prompt"
	"github.com/portalhq/portal/internal/ratelimit"
	"github.com/portalhq/portal/internal/router"
	"github.com/portalhq/portal/internal/runtime"
	"github.com/portalhq/portal/internal/security"
	"github.com/portalhq/portal/internal/tools"
)

var (
	version    = "dev"
	commit     = "none"
	configPath string
)

func main() {
	logger := observability.NewLogger(slog.LevelInfo)
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "portal",
		Short:        "Portal - local-first multi-interface LLM gateway",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "portal.yaml", "path to Portal's YAML config file")
	rootCmd.AddCommand(buildServeCmd(), buildHealthCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start Portal and block until a shutdown signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func buildHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print backend availability and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			reg := catalog.New()
			r := router.New(reg, router.Strategy(cfg.Routing.Strategy), cfg.Routing.ModelPreferences)
			engine := execengine.New(reg, r, engineConfig(cfg), slog.Default())
			for _, status := range engine.HealthCheck(cmd.Context()) {
				fmt.Printf("%-10s available=%-5v circuit=%s\n", status.Backend, status.Available, status.CircuitState)
			}
			return nil
		},
	}
}

func engineConfig(cfg *config.Config) execengine.Config {
	return execengine.Config{
		TimeoutSeconds:            cfg.Routing.TimeoutSeconds,
		CircuitBreakerEnabled:     cfg.Routing.CircuitBreakerEnabled,
		CircuitBreakerThreshold:   cfg.Routing.CircuitBreakerThreshold,
		CircuitBreakerTimeout:     cfg.Routing.CircuitBreakerTimeout,
		CircuitBreakerHalfOpenMax: cfg.Routing.CircuitBreakerHalfOpenMax,
		OllamaBaseURL:             cfg.Backends.OllamaBaseURL,
		LMStudioBaseURL:           cfg.Backends.LMStudioBaseURL,
	}
}

// coreProcessor adapts agentcore.Core's Process method to the narrower
// security.Processor interface the middleware expects, translating
// between the two packages' Result types.
type coreProcessor struct {
	core *agentcore.Core
}

func (c coreProcessor) ProcessMessage(ctx context.Context, chatID, message, iface string, userContext map[string]any) (security.Result, error) {
	result, err := c.core.Process(ctx, chatID, message, iface, userContext)
	if err != nil {
		return security.Result{}, err
	}
	return security.Result{Reply: result.Response, Warnings: result.Warnings}, nil
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	reg := catalog.New()
	r := router.New(reg, router.Strategy(cfg.Routing.Strategy), cfg.Routing.ModelPreferences)
	engine := execengine.New(reg, r, engineConfig(cfg), log)

	if discovered, err := reg.DiscoverFromOllama(ctx, cfg.Backends.OllamaBaseURL, false); err != nil {
		log.Warn("ollama model discovery failed, continuing with static catalog", "error", err)
	} else if len(discovered) > 0 {
		log.Info("discovered ollama models", "count", len(discovered))
	}

	contextManager, err := convo.New(cfg.Context.DBPath, cfg.Context.MaxContextMessages)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}

	busOpts := []eventbus.Option{eventbus.WithErrorHandler(func(eventType eventbus.Type, recovered any) {
		log.Error("event handler panicked", "event_type", eventType, "panic", recovered)
	})}
	if cfg.EventBus.EnableHistory {
		busOpts = append(busOpts, eventbus.WithHistory(cfg.EventBus.MaxHistory))
	}
	bus := eventbus.New(busOpts...)

	prompts := prompt.New("prompts", 5*time.Minute)
	toolRegistry := tools.NewRegistry()

	core := agentcore.New(engine, r, contextManager, bus, prompts, toolRegistry, log)

	limiter := ratelimit.New(cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindowSeconds,
		filepath.Join(cfg.DataDir, "ratelimit.json"))
	secMiddleware := security.New(coreProcessor{core: core}, limiter,
		security.WithMaxMessageLength(cfg.Security.MaxMessageLength),
	)

	rt := runtime.New(cfg, core, secMiddleware, log)
	rt.RegisterHealthSource(engine.CircuitBreakerStates)
	rt.RegisterShutdownCallback(runtime.ShutdownCallback{
		Name:     "conversation-store",
		Priority: runtime.PriorityHigh,
		Run:      func(context.Context) error { return contextManager.Close() },
	})
	rt.RegisterShutdownCallback(runtime.ShutdownCallback{
		Name:     "rate-limiter",
		Priority: runtime.PriorityHigh,
		Run: func(context.Context) error {
			limiter.FlushIfDirty()
			return nil
		},
	})

	if err := rt.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	log.Info("portal is running", "strategy", cfg.Routing.Strategy)
	rt.WaitForShutdown(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Lifecycle.ShutdownTimeoutSeconds*float64(time.Second))+5*time.Second)
	defer cancel()
	rt.Shutdown(shutdownCtx)

	return nil
}

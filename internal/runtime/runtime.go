// Package runtime wires Portal's dependency graph together and owns
// the process lifecycle: bootstrap, signal handling, task tracking,
// and an ordered graceful shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/portalhq/portal/internal/agentcore"
	"github.com/portalhq/portal/internal/config"
	"github.com/portalhq/portal/internal/observability"
	"github.com/portalhq/portal/internal/security"
)

// ShutdownPriority orders shutdown callbacks: higher values run first.
type ShutdownPriority int

const (
	PriorityCritical ShutdownPriority = 100
	PriorityHigh     ShutdownPriority = 75
	PriorityNormal   ShutdownPriority = 50
	PriorityLow      ShutdownPriority = 25
	PriorityLowest   ShutdownPriority = 0
)

// ShutdownCallback is one unit of teardown work run during shutdown.
type ShutdownCallback struct {
	Name     string
	Priority ShutdownPriority
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

const defaultCallbackTimeout = 10 * time.Second

// Runtime owns Portal's process-wide dependencies and shutdown sequence.
// It mirrors the bootstrap/shutdown split of the original lifecycle
// controller: bootstrap wires dependencies and installs signal
// handlers; shutdown drains work and tears components down in
// descending priority order.
type Runtime struct {
	cfg      *config.Config
	core     *agentcore.Core
	security *security.Middleware
	obsSrv   *observability.Server
	log      *slog.Logger

	mu                sync.Mutex
	acceptingWork     bool
	activeTasks       map[string]struct{}
	shutdownCallbacks []ShutdownCallback
	breakerSource     func() map[string]string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a Runtime around already-built dependencies. Wiring
// the dependency graph itself (catalog, router, execution engine,
// conversation manager, event bus, prompts, tools, agent core,
// security middleware) is the caller's job, typically cmd/portal's
// main function — Runtime only owns what happens after that graph exists.
func New(cfg *config.Config, core *agentcore.Core, sec *security.Middleware, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		cfg:           cfg,
		core:          core,
		security:      sec,
		log:           log,
		acceptingWork: true,
		activeTasks:   make(map[string]struct{}),
		shutdownCh:    make(chan struct{}),
	}
}

// Bootstrap starts the optional observability server and installs OS
// signal handlers. It runs no startup checks of its own: the fatal
// placeholder-secret refusal already ran inside config.Load before
// Runtime exists. Bootstrap does not construct the agent core or
// security middleware either; those are supplied to New.
func (r *Runtime) Bootstrap() error {
	r.log.Info("bootstrapping portal runtime", "environment", config.Environment())

	obsSrv, err := observability.Start(r.cfg.Server.MetricsAddr, r, r.log)
	if err != nil {
		// Non-fatal: a metrics/health surface failing to bind should
		// not prevent Portal from serving its primary interfaces.
		r.log.Warn("observability server failed to start", "error", err)
	} else {
		r.obsSrv = obsSrv
	}

	r.setupSignalHandlers()

	r.log.Info("bootstrap complete")
	return nil
}

// Uptime implements observability.HealthReporter.
func (r *Runtime) Uptime() time.Duration {
	if r.core == nil {
		return 0
	}
	return r.core.Stats().Uptime()
}

// CircuitBreakerStates implements observability.HealthReporter. Portal's
// Runtime doesn't hold the execution engine directly, so the agent
// core's stats snapshot alone can't report backend states; callers that
// need accurate circuit data should register the engine separately via
// RegisterHealthSource. Absent that, an empty map is reported rather
// than a fabricated one.
func (r *Runtime) CircuitBreakerStates() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.breakerSource == nil {
		return map[string]string{}
	}
	return r.breakerSource()
}

// RegisterHealthSource wires a live circuit-breaker state source (the
// execution engine's CircuitBreakerStates) into the /healthz payload,
// without Runtime needing a direct execengine import.
func (r *Runtime) RegisterHealthSource(source func() map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakerSource = source
}

func (r *Runtime) setupSignalHandlers() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		r.log.Info("received shutdown signal", "signal", sig.String())
		r.shutdownOnce.Do(func() { close(r.shutdownCh) })
	}()
}

// WaitForShutdown blocks until a shutdown signal arrives or ctx is canceled.
func (r *Runtime) WaitForShutdown(ctx context.Context) {
	select {
	case <-r.shutdownCh:
	case <-ctx.Done():
	}
}

// RegisterShutdownCallback adds a teardown step run during Shutdown.
func (r *Runtime) RegisterShutdownCallback(cb ShutdownCallback) {
	if cb.Timeout <= 0 {
		cb.Timeout = defaultCallbackTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdownCallbacks = append(r.shutdownCallbacks, cb)
}

// TrackTask registers an in-flight unit of work under id so shutdown
// can drain it before tearing components down. done must be called
// exactly once when the task finishes.
func (r *Runtime) TrackTask(id string) (done func()) {
	r.mu.Lock()
	r.activeTasks[id] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.activeTasks, id)
			r.mu.Unlock()
		})
	}
}

// IsAcceptingWork reports whether new work should still be admitted.
// Interfaces should check this before dispatching a new message.
func (r *Runtime) IsAcceptingWork() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acceptingWork
}

// Shutdown runs the full graceful-shutdown sequence: stop admitting
// work, drain active tasks, stop optional subsystems, run shutdown
// callbacks in descending priority order, then clean up the agent core.
func (r *Runtime) Shutdown(ctx context.Context) {
	start := time.Now()
	budget := time.Duration(r.cfg.Lifecycle.ShutdownTimeoutSeconds * float64(time.Second))
	if budget <= 0 {
		budget = 30 * time.Second
	}
	r.log.Info("shutdown starting", "budget", budget)

	r.mu.Lock()
	r.acceptingWork = false
	r.mu.Unlock()

	r.drainTasks(ctx, budget/2)
	r.stopOptionalComponents(ctx)
	r.runShutdownCallbacks(ctx)
	r.cleanupAgentCore(ctx)

	elapsed := time.Since(start)
	r.log.Info("shutdown complete", "elapsed", elapsed, "within_budget", elapsed <= budget)
}

func (r *Runtime) drainTasks(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		r.mu.Lock()
		remaining := len(r.activeTasks)
		r.mu.Unlock()
		if remaining == 0 {
			return
		}
		if time.Now().After(deadline) {
			r.log.Warn("shutdown proceeding with active tasks still running", "remaining", remaining)
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) stopOptionalComponents(ctx context.Context) {
	if r.obsSrv == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	r.obsSrv.Stop(stopCtx)
}

func (r *Runtime) runShutdownCallbacks(ctx context.Context) {
	r.mu.Lock()
	callbacks := make([]ShutdownCallback, len(r.shutdownCallbacks))
	copy(callbacks, r.shutdownCallbacks)
	r.mu.Unlock()

	sort.SliceStable(callbacks, func(i, j int) bool { return callbacks[i].Priority > callbacks[j].Priority })

	for _, cb := range callbacks {
		cbCtx, cancel := context.WithTimeout(ctx, cb.Timeout)
		err := runWithRecover(cbCtx, cb.Run)
		cancel()
		if err != nil {
			r.log.Error("shutdown callback failed", "name", cb.Name, "error", err)
			continue
		}
		r.log.Info("shutdown callback completed", "name", cb.Name)
	}
}

func runWithRecover(ctx context.Context, run func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return run(ctx)
}

func (r *Runtime) cleanupAgentCore(ctx context.Context) {
	if r.core == nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.core.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-cleanupCtx.Done():
		r.log.Warn("agent core cleanup timed out")
	}
}

// Package tools is Portal's narrow tool-registry contract: named,
// discoverable collaborators the agent core can list and invoke, plus
// a confirmation middleware implementing the allow/deny/pending
// human-in-the-loop resolution for tools flagged as sensitive.
//
// Concrete tool implementations (a git wrapper, document converters,
// and so on) are out of scope; only the registry surface and the
// confirmation flow are.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metadata describes one registered tool.
type Metadata struct {
	Name                 string
	Description          string
	Category             string
	RequiresConfirmation bool
	JSONSchema           map[string]any
}

// Tool is the contract every registered collaborator satisfies.
type Tool interface {
	Metadata() Metadata
	Execute(ctx context.Context, parameters map[string]any) (map[string]any, error)
}

// Registry holds the discoverable tool set the agent core consumes.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Metadata().Name] = t
}

// DiscoverAndLoad returns the count of tools currently registered and
// the count that failed to load. Portal's registry is populated via
// Register rather than filesystem discovery, so failures are always
// zero; the two-count return shape matches the original's discovery
// report for callers (e.g. agentcore's startup log line) that expect it.
func (r *Registry) DiscoverAndLoad() (loaded, failed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools), 0
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata().Name < out[j].Metadata().Name })
	return out
}

// Names returns the sorted names of every registered tool.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Metadata().Name
	}
	return names
}

// ---- Confirmation middleware ----

// Decision is the outcome of an approval check.
type Decision string

const (
	Allowed Decision = "allowed"
	Denied  Decision = "denied"
	Pending Decision = "pending"
)

// ApprovalRequest tracks one human-in-the-loop confirmation.
type ApprovalRequest struct {
	ID        string
	ToolName  string
	Input     map[string]any
	ChatID    string
	UserID    string
	Reason    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Decision  Decision
	DecidedAt time.Time
}

// Policy configures the allow/deny/require-approval resolution order:
// denylist, allowlist, require-approval, then a default decision.
// Matching follows matchesPattern's "tool", "tool_*", or "*" semantics.
type Policy struct {
	Allowlist       []string
	Denylist        []string
	RequireApproval []string
	DefaultDecision Decision
	RequestTTL      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultDecision: Allowed,
		RequestTTL:      5 * time.Minute,
	}
}

func matchesPattern(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == "*" || p == name {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// Responder resolves a pending approval request by blocking until a
// decision is made or ctx is cancelled. Implementations forward the
// request to a human operator via whatever interface is live.
type Responder func(ctx context.Context, req *ApprovalRequest) (Decision, error)

// ConfirmationMiddleware evaluates tool calls against a Policy and, for
// pending decisions, blocks on a Responder until approved, denied, or
// the request's TTL elapses — expiry is treated as denial.
type ConfirmationMiddleware struct {
	mu      sync.Mutex
	policy  Policy
	pending map[string]*ApprovalRequest
	respond Responder
	nextID  int
}

func NewConfirmationMiddleware(policy Policy, respond Responder) *ConfirmationMiddleware {
	if policy.DefaultDecision == "" {
		policy.DefaultDecision = Allowed
	}
	if policy.RequestTTL <= 0 {
		policy.RequestTTL = 5 * time.Minute
	}
	return &ConfirmationMiddleware{policy: policy, pending: make(map[string]*ApprovalRequest), respond: respond}
}

// Check resolves the static decision for toolName without blocking.
func (c *ConfirmationMiddleware) Check(toolName string) (Decision, string) {
	if matchesPattern(c.policy.Denylist, toolName) {
		return Denied, "tool in denylist"
	}
	if matchesPattern(c.policy.Allowlist, toolName) {
		return Allowed, "tool in allowlist"
	}
	if matchesPattern(c.policy.RequireApproval, toolName) {
		return Pending, "tool requires approval"
	}
	return c.policy.DefaultDecision, "default policy"
}

// RequestConfirmation blocks until the tool call is approved, denied,
// or the approval TTL elapses (treated as denial), returning whether
// execution may proceed.
func (c *ConfirmationMiddleware) RequestConfirmation(ctx context.Context, toolName string, input map[string]any, chatID, userID string) (bool, error) {
	decision, _ := c.Check(toolName)
	switch decision {
	case Allowed:
		return true, nil
	case Denied:
		return false, nil
	}

	c.mu.Lock()
	c.nextID++
	req := &ApprovalRequest{
		ID:        fmt.Sprintf("approval-%d", c.nextID),
		ToolName:  toolName,
		Input:     input,
		ChatID:    chatID,
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(c.policy.RequestTTL),
		Decision:  Pending,
	}
	c.pending[req.ID] = req
	c.mu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, c.policy.RequestTTL)
	defer cancel()

	if c.respond == nil {
		c.resolve(req.ID, Denied)
		return false, nil
	}

	final, err := c.respond(timeoutCtx, req)
	if err != nil {
		c.resolve(req.ID, Denied)
		return false, err
	}
	c.resolve(req.ID, final)
	return final == Allowed, nil
}

func (c *ConfirmationMiddleware) resolve(id string, decision Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req, ok := c.pending[id]; ok {
		req.Decision = decision
		req.DecidedAt = time.Now()
	}
}

// Pending returns a snapshot of currently pending requests.
func (c *ConfirmationMiddleware) Pending() []*ApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ApprovalRequest, 0)
	for _, req := range c.pending {
		if req.Decision == Pending {
			out = append(out, req)
		}
	}
	return out
}

// Package eventbus is Portal's pub/sub channel for intermediate
// processing feedback: the agent core emits events as it works
// ("selected model X", "running tool Y") and front-ends subscribe to
// relay them to the user in real time.
package eventbus

import (
	"sync"
	"time"
)

type Type string

const (
	ProcessingStarted   Type = "processing_started"
	ProcessingCompleted Type = "processing_completed"
	ProcessingFailed    Type = "processing_failed"

	ModelSelected  Type = "model_selected"
	ModelGenerating Type = "model_generating"
	ModelCompleted Type = "model_completed"

	ToolStarted              Type = "tool_started"
	ToolProgress             Type = "tool_progress"
	ToolCompleted            Type = "tool_completed"
	ToolFailed               Type = "tool_failed"
	ToolConfirmationRequired Type = "tool_confirmation_required"
	ToolConfirmationApproved Type = "tool_confirmation_approved"
	ToolConfirmationDenied   Type = "tool_confirmation_denied"

	RoutingDecision   Type = "routing_decision"
	FallbackTriggered Type = "fallback_triggered"

	ContextLoaded Type = "context_loaded"
	ContextSaved  Type = "context_saved"

	SecurityWarning   Type = "security_warning"
	RateLimitWarning  Type = "rate_limit_warning"
)

// Event is a single point-in-time occurrence published on the bus.
type Event struct {
	Type      Type
	ChatID    string
	Timestamp time.Time
	Data      map[string]any
	TraceID   string
}

// Handler receives a published event. A handler that panics is
// recovered and, when WithErrorHandler installed a callback, reported
// to it; it never brings down the publisher or other handlers.
type Handler func(Event)

// SubscriptionID identifies one Subscribe call so it can later be
// removed with Unsubscribe. Go funcs aren't comparable, so handlers are
// keyed by this token rather than by the callback value itself, the
// way the original compares callbacks for removal.
type SubscriptionID int64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus is the subscriber registry and dispatcher. History is disabled
// by default to avoid unbounded growth in long-running processes;
// callers that need auditing should persist events themselves and
// enable bounded in-memory history only for short-lived debugging.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]subscription
	nextID      SubscriptionID

	historyEnabled bool
	maxHistory     int
	history        []Event

	onHandlerError func(eventType Type, recovered any)
}

type Option func(*Bus)

// WithHistory enables bounded in-memory history, evicting the oldest
// event once maxHistory is exceeded.
func WithHistory(maxHistory int) Option {
	return func(b *Bus) {
		b.historyEnabled = true
		b.maxHistory = maxHistory
	}
}

// WithErrorHandler installs a callback invoked when a subscriber
// panics, so the caller can route it into structured logging.
func WithErrorHandler(fn func(eventType Type, recovered any)) Option {
	return func(b *Bus) {
		b.onHandlerError = fn
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[Type][]subscription),
		maxHistory:  1000,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for eventType and returns a token that
// can later be passed to Unsubscribe to remove it.
func (b *Bus) Subscribe(eventType Type, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes the handler registered under id for eventType.
// Unsubscribing an unknown id is a no-op, mirroring the original's
// tolerant removal (a missing callback only logs a warning there).
func (b *Bus) Unsubscribe(eventType Type, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish dispatches event to every subscriber of eventType
// concurrently. Dispatch is error-isolated: a panicking handler never
// prevents the others from running, and Publish always returns once
// all handlers have returned.
func (b *Bus) Publish(eventType Type, chatID string, data map[string]any, traceID string) {
	event := Event{
		Type:      eventType,
		ChatID:    chatID,
		Timestamp: time.Now(),
		Data:      data,
		TraceID:   traceID,
	}

	b.mu.Lock()
	if b.historyEnabled {
		b.history = append(b.history, event)
		if len(b.history) > b.maxHistory {
			b.history = b.history[1:]
		}
	}
	subs := append([]subscription(nil), b.subscribers[eventType]...)
	b.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, s := range subs {
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil && b.onHandlerError != nil {
					b.onHandlerError(eventType, r)
				}
			}()
			h(event)
		}(s.handler)
	}
	wg.Wait()
}

// History returns recorded events, most recent first, optionally
// filtered by chat ID and/or event type, capped at limit.
func (b *Bus) History(chatID string, eventType Type, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Event
	for _, e := range b.history {
		if chatID != "" && e.ChatID != chatID {
			continue
		}
		if eventType != "" && e.Type != eventType {
			continue
		}
		matched = append(matched, e)
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	reversed := make([]Event, len(matched))
	for i, e := range matched {
		reversed[len(matched)-1-i] = e
	}
	return reversed
}

func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// Stats summarizes the bus's current subscriber and history counts.
type Stats struct {
	TotalEvents      int
	EventCounts      map[Type]int
	SubscriberCounts map[Type]int
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	eventCounts := make(map[Type]int)
	for _, e := range b.history {
		eventCounts[e.Type]++
	}

	subscriberCounts := make(map[Type]int)
	for t, subs := range b.subscribers {
		subscriberCounts[t] = len(subs)
	}

	return Stats{
		TotalEvents:      len(b.history),
		EventCounts:      eventCounts,
		SubscriberCounts: subscriberCounts,
	}
}

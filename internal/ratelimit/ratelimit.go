// Package ratelimit implements a per-user sliding-window rate limiter
// whose state survives process restarts: without persistence, a
// restart would silently reset every user's window and defeat the
// limit entirely.
package ratelimit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Limiter enforces maxRequests per user within a sliding window of
// windowSeconds, periodically flushing state to persistPath so a
// restart cannot be used to bypass the limit.
type Limiter struct {
	mu sync.Mutex

	maxRequests int
	window      time.Duration

	requests   map[string][]time.Time
	violations map[string]int

	persistPath  string
	saveInterval time.Duration
	lastSave     time.Time
	dirty        bool
}

func New(maxRequests int, windowSeconds int, persistPath string) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 30
	}
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	l := &Limiter{
		maxRequests:  maxRequests,
		window:       time.Duration(windowSeconds) * time.Second,
		requests:     make(map[string][]time.Time),
		violations:   make(map[string]int),
		persistPath:  persistPath,
		saveInterval: 5 * time.Second,
		lastSave:     time.Now(),
	}
	l.loadState()
	return l
}

// Check reports whether userID may proceed, and if not, the number of
// seconds until the oldest request in their window expires.
func (l *Limiter) Check(userID string) (allowed bool, retryAfterSeconds int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	recent := l.recentLocked(userID, now)

	if len(recent) >= l.maxRequests {
		l.violations[userID]++
		wait := int(recent[0].Add(l.window).Sub(now).Seconds())
		if wait < 0 {
			wait = 0
		}
		l.markDirtyLocked(now)
		return false, wait
	}

	recent = append(recent, now)
	if len(recent) > l.maxRequests {
		recent = recent[len(recent)-l.maxRequests:]
	}
	l.requests[userID] = recent

	l.evictExpiredLocked(now)
	l.markDirtyLocked(now)
	return true, 0
}

func (l *Limiter) recentLocked(userID string, now time.Time) []time.Time {
	var recent []time.Time
	for _, t := range l.requests[userID] {
		if now.Sub(t) < l.window {
			recent = append(recent, t)
		}
	}
	return recent
}

func (l *Limiter) markDirtyLocked(now time.Time) {
	l.dirty = true
	if now.Sub(l.lastSave) >= l.saveInterval {
		l.saveStateLocked()
		l.lastSave = now
		l.dirty = false
	}
}

func (l *Limiter) ResetUser(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, userID)
	l.violations[userID] = 0
	l.flushIfDirtyLocked()
}

// FlushIfDirty persists pending state. Callers invoke this from a
// shutdown hook so in-flight counters are never lost.
func (l *Limiter) FlushIfDirty() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushIfDirtyLocked()
}

func (l *Limiter) flushIfDirtyLocked() {
	if l.dirty {
		l.saveStateLocked()
		l.dirty = false
	}
}

type Stats struct {
	TotalRequests  int
	RecentRequests int
	Remaining      int
	Violations     int
}

func (l *Limiter) GetStats(userID string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	all := l.requests[userID]
	recent := l.recentLocked(userID, now)

	return Stats{
		TotalRequests:  len(all),
		RecentRequests: len(recent),
		Remaining:      l.maxRequests - len(recent),
		Violations:     l.violations[userID],
	}
}

func (l *Limiter) evictExpiredLocked(now time.Time) {
	for userID := range l.requests {
		recent := l.recentLocked(userID, now)
		if len(recent) == 0 {
			delete(l.requests, userID)
		} else {
			l.requests[userID] = recent
		}
	}
}

type persistedState struct {
	Requests   map[string][]int64 `json:"requests"`
	Violations map[string]int     `json:"violations"`
	Timestamp  float64            `json:"timestamp"`
}

func (l *Limiter) loadState() {
	if l.persistPath == "" {
		return
	}
	data, err := os.ReadFile(l.persistPath)
	if err != nil {
		return
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		bakPath := l.persistPath[:len(l.persistPath)-len(filepath.Ext(l.persistPath))] + ".json.bak"
		_ = os.Rename(l.persistPath, bakPath)
		return
	}

	l.requests = make(map[string][]time.Time, len(state.Requests))
	for user, timestamps := range state.Requests {
		times := make([]time.Time, 0, len(timestamps))
		for _, ts := range timestamps {
			times = append(times, time.Unix(ts, 0))
		}
		l.requests[user] = times
	}
	l.violations = state.Violations
	if l.violations == nil {
		l.violations = make(map[string]int)
	}

	l.evictExpiredLocked(time.Now())
}

// saveStateLocked writes state atomically: write to a temp file in
// the same directory, fsync, then rename over the target so a crash
// mid-write never leaves a truncated file in place.
func (l *Limiter) saveStateLocked() {
	if l.persistPath == "" {
		return
	}
	dir := filepath.Dir(l.persistPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	requests := make(map[string][]int64, len(l.requests))
	for user, times := range l.requests {
		ts := make([]int64, 0, len(times))
		for _, t := range times {
			ts = append(ts, t.Unix())
		}
		requests[user] = ts
	}

	state := persistedState{
		Requests:   requests,
		Violations: l.violations,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
	}

	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}

	tmp, err := os.CreateTemp(dir, ".rate_limits_tmp_*.json")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}

	if err := os.Rename(tmpPath, l.persistPath); err != nil {
		os.Remove(tmpPath)
	}
}

package ratelimit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsUnderThreshold(t *testing.T) {
	l := New(3, 60, "")
	for i := 0; i < 3; i++ {
		allowed, _ := l.Check("user1")
		assert.True(t, allowed)
	}
}

func TestLimiter_BlocksOverThreshold(t *testing.T) {
	l := New(2, 60, "")
	l.Check("user1")
	l.Check("user1")
	allowed, retryAfter := l.Check("user1")
	assert.False(t, allowed)
	assert.GreaterOrEqual(t, retryAfter, 0)
}

func TestLimiter_PerUserIndependent(t *testing.T) {
	l := New(1, 60, "")
	l.Check("user1")
	allowed, _ := l.Check("user2")
	assert.True(t, allowed)
}

func TestLimiter_ResetUser(t *testing.T) {
	l := New(1, 60, "")
	l.Check("user1")
	allowed, _ := l.Check("user1")
	require.False(t, allowed)

	l.ResetUser("user1")
	allowed, _ = l.Check("user1")
	assert.True(t, allowed)
}

func TestLimiter_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate_limits.json")
	l1 := New(1, 60, path)
	l1.Check("user1")
	l1.FlushIfDirty()

	l2 := New(1, 60, path)
	allowed, _ := l2.Check("user1")
	assert.False(t, allowed)
}

func TestLimiter_CorruptFileRenamedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate_limits.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	l := New(5, 60, path)
	allowed, _ := l.Check("user1")
	assert.True(t, allowed)
	assert.FileExists(t, filepath.Join(dir, "rate_limits.json.bak"))
}

func TestLimiter_GetStats(t *testing.T) {
	l := New(5, 60, "")
	l.Check("user1")
	l.Check("user1")
	stats := l.GetStats("user1")
	assert.Equal(t, 2, stats.RecentRequests)
	assert.Equal(t, 3, stats.Remaining)
}

package logx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugGating(t *testing.T) {
	defer SetDebug(false, nil)

	SetDebug(false, nil)
	assert.False(t, DebugEnabledFor("orch"))

	SetDebug(true, nil)
	assert.True(t, DebugEnabledFor("orch"))
	assert.True(t, DebugEnabledFor("workspace"))

	SetDebug(true, []string{"workspace"})
	assert.True(t, DebugEnabledFor("workspace"))
	assert.False(t, DebugEnabledFor("orch"))
}

func TestRecentEntriesFiltering(t *testing.T) {
	logger := NewLogger("logx-test")
	logger.Info("first message")
	logger.Warn("second message")

	entries := RecentEntries("logx-test", time.Time{})
	require.NotEmpty(t, entries)

	last := entries[len(entries)-1]
	assert.Equal(t, "logx-test", last.Component)
	assert.Equal(t, "WARN", last.Level)
	assert.Equal(t, "second message", last.Message)

	// A component filter that matches nothing returns nothing.
	assert.Empty(t, RecentEntries("no-such-component", time.Time{}))
}

func TestRingBufferBounded(t *testing.T) {
	logger := NewLogger("logx-bound")
	for i := 0; i < 1100; i++ {
		logger.Info("entry %d", i)
	}

	entries := RecentEntries("", time.Time{})
	assert.LessOrEqual(t, len(entries), 1000)
}

package chat

import (
	"sync"
	"testing"
	"time"

	"tably/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingRecorder struct {
	mu    sync.Mutex
	sends []bool
}

func (r *typingRecorder) send(v bool) {
	r.mu.Lock()
	r.sends = append(r.sends, v)
	r.mu.Unlock()
}

func (r *typingRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.sends))
	copy(out, r.sends)
	return out
}

func TestTypingDebouncerRisingEdgeOnly(t *testing.T) {
	rec := &typingRecorder{}
	d := &TypingDebouncer{idle: 50 * time.Millisecond, send: rec.send}

	d.Input()
	d.Input()
	d.Input()

	assert.Equal(t, []bool{true}, rec.snapshot(), "burst should write true once")
}

func TestTypingDebouncerTrailingFalse(t *testing.T) {
	rec := &typingRecorder{}
	d := &TypingDebouncer{idle: 30 * time.Millisecond, send: rec.send}

	d.Input()
	require.Eventually(t, func() bool {
		s := rec.snapshot()
		return len(s) == 2 && !s[1]
	}, time.Second, 5*time.Millisecond)

	// Idle already fired; no further writes happen on their own.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.snapshot())
}

func TestTypingDebouncerRefreshExtendsIdle(t *testing.T) {
	rec := &typingRecorder{}
	d := &TypingDebouncer{idle: 60 * time.Millisecond, send: rec.send}

	d.Input()
	time.Sleep(30 * time.Millisecond)
	d.Input() // refresh inside the idle window, no new write
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, []bool{true}, rec.snapshot(), "still inside refreshed idle window")
}

func TestTypingDebouncerStopClearsActiveFlag(t *testing.T) {
	rec := &typingRecorder{}
	d := &TypingDebouncer{idle: time.Minute, send: rec.send}

	d.Input()
	d.Stop()

	assert.Equal(t, []bool{true, false}, rec.snapshot())

	// Stop again is a no-op.
	d.Stop()
	assert.Equal(t, []bool{true, false}, rec.snapshot())
}

func TestActiveTypersDecay(t *testing.T) {
	now := time.Now()
	typing := map[string]models.TypingFlag{
		"fresh": {IsTyping: true, SetAt: now.Add(-time.Second).UnixMilli()},
		"stale": {IsTyping: true, SetAt: now.Add(-10 * time.Second).UnixMilli()},
		"off":   {IsTyping: false, SetAt: now.UnixMilli()},
	}

	assert.Equal(t, []string{"fresh"}, ActiveTypers(typing, "me", now))
}

func TestActiveTypersExcludesSelf(t *testing.T) {
	now := time.Now()
	typing := map[string]models.TypingFlag{
		"me":   {IsTyping: true, SetAt: now.UnixMilli()},
		"peer": {IsTyping: true, SetAt: now.UnixMilli()},
	}

	assert.Equal(t, []string{"peer"}, ActiveTypers(typing, "me", now))
}

func TestActiveTypersEmpty(t *testing.T) {
	assert.Nil(t, ActiveTypers(nil, "me", time.Now()))
}

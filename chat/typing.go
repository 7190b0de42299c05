package chat

import (
	"sort"
	"sync"
	"time"

	"tably/models"
)

const (
	// typingIdle is how long after the last keystroke the outgoing typing
	// flag is cleared.
	typingIdle = 2 * time.Second
	// typingStale is the incoming decay threshold: a stored typing flag
	// older than this renders as not typing, covering peers that crashed
	// before clearing it.
	typingStale = 5 * time.Second
)

// TypingDebouncer rate-limits outgoing typing signals. The first keystroke
// of a burst sends true (rising edge only, further keystrokes just refresh
// the idle timer); a trailing idle timer sends false exactly once.
type TypingDebouncer struct {
	mu     sync.Mutex
	idle   time.Duration
	send   func(bool)
	active bool
	timer  *time.Timer
}

func NewTypingDebouncer(send func(bool)) *TypingDebouncer {
	return &TypingDebouncer{idle: typingIdle, send: send}
}

// Input records one keystroke.
func (d *TypingDebouncer) Input() {
	d.mu.Lock()
	rising := !d.active
	d.active = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, d.expire)
	d.mu.Unlock()

	if rising {
		d.send(true)
	}
}

func (d *TypingDebouncer) expire() {
	d.mu.Lock()
	wasActive := d.active
	d.active = false
	d.mu.Unlock()

	if wasActive {
		d.send(false)
	}
}

// Stop cancels the idle timer and, if a typing-true is outstanding, clears it
// immediately. Used on session close so the peer never sees a dangling flag.
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	wasActive := d.active
	d.active = false
	d.mu.Unlock()

	if wasActive {
		d.send(false)
	}
}

// ActiveTypers filters a conversation's typing map down to participants whose
// flag is both set and fresh. The stored map is authoritative but may go
// stale; anything older than the staleness threshold is treated as false.
// Output is sorted for deterministic rendering. The viewer is excluded.
func ActiveTypers(typing map[string]models.TypingFlag, selfID string, now time.Time) []string {
	if len(typing) == 0 {
		return nil
	}
	cutoff := now.Add(-typingStale).UnixMilli()
	var out []string
	for userID, flag := range typing {
		if userID == selfID {
			continue
		}
		if flag.IsTyping && flag.SetAt >= cutoff {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

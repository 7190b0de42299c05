package chat

import (
	"strings"

	"tably/models"
)

const (
	// reconcileWindow is the tolerance for matching an optimistic entry to
	// its authoritative echo. Entries still unmatched past it are failed.
	reconcileWindowMillis = int64(10_000)
	// bodyPrefixLen bounds the body portion of a reconcile key.
	bodyPrefixLen = 32
)

// FailCause distinguishes why a send is shown as failed.
type FailCause string

const (
	// FailTransport: the append itself was rejected by the store.
	FailTransport FailCause = "transport"
	// FailTimeout: no authoritative echo arrived within the tolerance
	// window. The write may or may not have landed.
	FailTimeout FailCause = "timeout"
)

// Entry is one transcript row: either an authoritative message or a local
// optimistic shadow still awaiting (or denied) its echo.
type Entry struct {
	// LocalID is set only on optimistic entries; it is the retry handle.
	LocalID   string
	Message   models.Message
	Pending   bool
	Failed    bool
	FailCause FailCause
}

// optimistic is a client-only message shadow created on send.
type optimistic struct {
	localID   string
	msg       models.Message // temp id-less message, local timestamp
	failed    bool
	failCause FailCause
}

// reconcileKey identifies a logical send without its store-assigned id:
// sender, kind and a body prefix. Time proximity is checked separately.
func reconcileKey(senderHex string, kind models.MessageKind, body string) string {
	if len(body) > bodyPrefixLen {
		body = body[:bodyPrefixLen]
	}
	var b strings.Builder
	b.WriteString(senderHex)
	b.WriteByte('|')
	b.WriteString(string(kind))
	b.WriteByte('|')
	b.WriteString(body)
	return b.String()
}

// reconcile drops every optimistic entry matched by an authoritative message
// (same key, created within the tolerance window) and fails the unmatched
// ones that have outlived the window. Matching consumes the authoritative
// message so two identical pending sends need two echoes. Returns the
// surviving shadows; replayed snapshots are harmless because a matched shadow
// is simply gone on the next pass.
func reconcile(authoritative []models.Message, pending []*optimistic, nowMillis int64) []*optimistic {
	type slot struct {
		at      int64
		claimed bool
	}
	byKey := make(map[string][]*slot, len(authoritative))
	for _, m := range authoritative {
		k := reconcileKey(m.SenderID.Hex(), m.Kind, m.Body)
		byKey[k] = append(byKey[k], &slot{at: m.CreatedAt})
	}

	var remaining []*optimistic
	for _, p := range pending {
		if p.failed {
			remaining = append(remaining, p)
			continue
		}
		k := reconcileKey(p.msg.SenderID.Hex(), p.msg.Kind, p.msg.Body)
		matched := false
		for _, s := range byKey[k] {
			if s.claimed {
				continue
			}
			delta := s.at - p.msg.CreatedAt
			if delta < 0 {
				delta = -delta
			}
			if delta <= reconcileWindowMillis {
				s.claimed = true
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if nowMillis-p.msg.CreatedAt > reconcileWindowMillis {
			p.failed = true
			p.failCause = FailTimeout
		}
		remaining = append(remaining, p)
	}
	return remaining
}

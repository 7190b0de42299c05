package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tably/models"
	"tably/store"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// State is the session lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateResolving
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResolving:
		return "resolving"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// readDebounce batches read-receipt writes during message bursts.
const readDebounce = 300 * time.Millisecond

const persistTimeout = 15 * time.Second

// Snapshot is what the session hands the UI after every change: the merged
// transcript, decayed typers, the single active media player and whether the
// view is running on stale data after a subscription error.
type Snapshot struct {
	State        State
	Entries      []Entry
	Typers       []string
	ActivePlayer string
	Stale        bool
}

// Session is the per-open-conversation state machine. It owns the two store
// subscriptions, the optimistic send shadows and their reconciliation, typing
// debounce in both directions, and debounced read receipts. All store calls
// complete asynchronously; their results interleave with subscription pushes
// and user input, which is exactly the race reconcile exists to absorb.
type Session struct {
	store    store.MessageStore
	self     models.Profile
	scope    store.Scope
	onUpdate func(Snapshot)
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	conv          models.Conversation
	authoritative []models.Message
	pending       []*optimistic
	typers        []string
	activePlayer  string
	stale         bool
	foreground    bool
	readTimer     *time.Timer
	readQueued    bool

	typing *TypingDebouncer

	unsubMessages func()
	unsubConv     func()

	// test hooks
	now       func() time.Time
	readDelay time.Duration
}

// NewSession wires a session for one conversation scope. onUpdate receives a
// snapshot after every observable change; it must not block.
func NewSession(st store.MessageStore, self models.Profile, scope store.Scope, onUpdate func(Snapshot)) *Session {
	s := &Session{
		store:     st,
		self:      self,
		scope:     scope,
		onUpdate:  onUpdate,
		logger:    slog.Default().With("scope", string(scope.Kind)),
		now:       time.Now,
		readDelay: readDebounce,
	}
	s.typing = NewTypingDebouncer(s.sendTyping)
	return s
}

// Open resolves (or lazily creates) the conversation and opens both the
// ordered-message and conversation-document subscriptions. The session is
// ready once the first message batch lands, which for the in-memory store
// happens before Open returns.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("chat: open from state %s", state)
	}
	s.state = StateResolving
	s.mu.Unlock()

	conv, err := s.store.GetOrCreateConversation(ctx, s.scope)
	if err != nil {
		s.mu.Lock()
		s.state = StateUninitialized
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.conv = conv
	s.mu.Unlock()

	s.unsubMessages = s.store.SubscribeMessages(conv.ID, s.onBatch)
	s.unsubConv = s.store.SubscribeConversation(conv.ID, s.onConversation)
	return nil
}

// Close releases both subscriptions and all timers. Idempotent. In-flight
// sends are left to complete; their resolution is ignored from here on.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	if s.readTimer != nil {
		s.readTimer.Stop()
	}
	unsubMsgs, unsubConv := s.unsubMessages, s.unsubConv
	s.unsubMessages, s.unsubConv = nil, nil
	s.mu.Unlock()

	if unsubMsgs != nil {
		unsubMsgs()
	}
	if unsubConv != nil {
		unsubConv()
	}
	s.typing.Stop()
}

// Conversation returns the resolved conversation document.
func (s *Session) Conversation() models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendText sends a trimmed text message, auto-upgrading short emoji-only
// bodies to emoji-big. Empty input is a deliberate silent no-op, not an
// error. Returns the optimistic entry's local id, or "" when nothing was
// sent.
func (s *Session) SendText(body string, replyTo *models.ReplySnapshot) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	kind := models.KindText
	if IsBigEmoji(body) {
		kind = models.KindEmojiBig
	}
	return s.send(store.MessageDraft{
		SenderID: s.self.ID,
		Kind:     kind,
		Body:     body,
		ReplyTo:  replyTo,
	})
}

// SendMedia sends an image or voice message whose blob is already uploaded.
// An empty URL means the upload never resolved; the send is silently
// rejected so a broken-link message row can never exist.
func (s *Session) SendMedia(kind models.MessageKind, url string, durationSeconds int) string {
	if strings.TrimSpace(url) == "" {
		return ""
	}
	return s.send(store.MessageDraft{
		SenderID: s.self.ID,
		Kind:     kind,
		Body:     url,
		Duration: durationSeconds,
	})
}

func (s *Session) send(draft store.MessageDraft) string {
	s.mu.Lock()
	if s.state != StateSubscribed {
		s.mu.Unlock()
		return ""
	}
	entry := &optimistic{
		localID: uuid.NewString(),
		msg: models.Message{
			ConversationID: s.conv.ID,
			SenderID:       draft.SenderID,
			Kind:           draft.Kind,
			Body:           draft.Body,
			ReplyTo:        draft.ReplyTo,
			Duration:       draft.Duration,
			CreatedAt:      s.now().UnixMilli(),
		},
	}
	s.pending = append(s.pending, entry)
	convID := s.conv.ID
	s.mu.Unlock()

	s.emit()
	go s.persist(convID, entry.localID, draft)

	// Expire the shadow if no echo ever claims it.
	time.AfterFunc(time.Duration(reconcileWindowMillis)*time.Millisecond, func() {
		s.expirePending(entry.localID)
	})
	return entry.localID
}

// Retry re-submits a failed optimistic entry. The shadow flips back to
// pending with a fresh timestamp so the next echo can claim it.
func (s *Session) Retry(localID string) {
	s.mu.Lock()
	if s.state != StateSubscribed {
		s.mu.Unlock()
		return
	}
	var draft store.MessageDraft
	found := false
	for _, p := range s.pending {
		if p.localID == localID && p.failed {
			p.failed = false
			p.failCause = ""
			p.msg.CreatedAt = s.now().UnixMilli()
			draft = store.MessageDraft{
				SenderID: p.msg.SenderID,
				Kind:     p.msg.Kind,
				Body:     p.msg.Body,
				ReplyTo:  p.msg.ReplyTo,
				Duration: p.msg.Duration,
			}
			found = true
			break
		}
	}
	convID := s.conv.ID
	s.mu.Unlock()

	if !found {
		return
	}
	s.emit()
	go s.persist(convID, localID, draft)
	time.AfterFunc(time.Duration(reconcileWindowMillis)*time.Millisecond, func() {
		s.expirePending(localID)
	})
}

func (s *Session) persist(convID primitive.ObjectID, localID string, draft store.MessageDraft) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	_, err := s.store.AppendMessage(ctx, convID, draft)
	if err == nil {
		// The authoritative echo arrives through the subscription and
		// reconciles the shadow; nothing to do here.
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// Session is gone; no UI update after close.
		s.mu.Unlock()
		return
	}
	for _, p := range s.pending {
		if p.localID == localID && !p.failed {
			p.failed = true
			p.failCause = FailTransport
		}
	}
	s.mu.Unlock()

	s.logger.Warn("send failed", "local_id", localID, "err", err)
	s.emit()
}

// expirePending fails a shadow that outlived the tolerance window without an
// echo, distinct from an explicit transport rejection.
func (s *Session) expirePending(localID string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	changed := false
	for _, p := range s.pending {
		if p.localID == localID && !p.failed {
			if s.now().UnixMilli()-p.msg.CreatedAt >= reconcileWindowMillis {
				p.failed = true
				p.failCause = FailTimeout
				changed = true
			}
		}
	}
	s.mu.Unlock()
	if changed {
		s.emit()
	}
}

// React sets (or with an empty emoji clears) the caller's reaction. Point
// update straight to the store; the echo comes back through the message
// subscription.
func (s *Session) React(ctx context.Context, messageID primitive.ObjectID, emoji string) error {
	s.mu.Lock()
	if s.state != StateSubscribed {
		s.mu.Unlock()
		return fmt.Errorf("chat: react on %s session", s.state)
	}
	convID := s.conv.ID
	s.mu.Unlock()
	return s.store.SetReaction(ctx, convID, messageID, s.self.ID, emoji)
}

// Input records one composer keystroke for typing-presence broadcast.
func (s *Session) Input() {
	s.mu.Lock()
	open := s.state == StateSubscribed
	s.mu.Unlock()
	if open {
		s.typing.Input()
	}
}

// SetForeground tells the session whether the transcript is visible. Read
// receipts are only written while it is.
func (s *Session) SetForeground(fg bool) {
	s.mu.Lock()
	s.foreground = fg
	s.mu.Unlock()
	if fg {
		s.scheduleRead()
	}
}

// StartPlayback marks one message's media player active and returns the id
// of the player that must stop, if any. Single active player per session.
func (s *Session) StartPlayback(messageID string) (stopped string) {
	s.mu.Lock()
	stopped = s.activePlayer
	s.activePlayer = messageID
	s.mu.Unlock()
	s.emit()
	return stopped
}

// StopPlayback clears the active player if it still is messageID.
func (s *Session) StopPlayback(messageID string) {
	s.mu.Lock()
	if s.activePlayer == messageID {
		s.activePlayer = ""
	}
	s.mu.Unlock()
	s.emit()
}

// --- subscription callbacks ---

func (s *Session) onBatch(batch []models.Message, err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	if err != nil {
		// Degrade to stale rather than blank when prior data exists.
		s.stale = true
		if len(s.authoritative) == 0 {
			s.authoritative = nil
		}
		s.mu.Unlock()
		s.logger.Warn("message subscription error", "err", err)
		s.emit()
		return
	}

	s.stale = false
	s.authoritative = batch
	s.pending = reconcile(batch, s.pending, s.now().UnixMilli())
	if s.state == StateResolving {
		s.state = StateSubscribed
	}
	fg := s.foreground
	s.mu.Unlock()

	s.emit()
	if fg {
		s.scheduleRead()
	}
}

func (s *Session) onConversation(doc models.Conversation, err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("conversation subscription error", "err", err)
		return
	}
	s.conv = doc
	s.typers = ActiveTypers(doc.Typing, s.self.ID.Hex(), s.now())
	s.mu.Unlock()
	s.emit()
}

// --- read receipts ---

// scheduleRead debounces markConversationRead so a burst of incoming
// messages costs one write, not one per message.
func (s *Session) scheduleRead() {
	s.mu.Lock()
	if s.state != StateSubscribed || !s.foreground || s.readQueued {
		s.mu.Unlock()
		return
	}
	s.readQueued = true
	s.readTimer = time.AfterFunc(s.readDelay, s.flushRead)
	s.mu.Unlock()
}

func (s *Session) flushRead() {
	s.mu.Lock()
	s.readQueued = false
	if s.state != StateSubscribed || !s.foreground {
		s.mu.Unlock()
		return
	}
	convID := s.conv.ID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.MarkConversationRead(ctx, convID, s.self.ID); err != nil {
		s.logger.Warn("mark read failed", "err", err)
	}
}

// --- typing ---

func (s *Session) sendTyping(isTyping bool) {
	s.mu.Lock()
	if s.state != StateSubscribed {
		s.mu.Unlock()
		return
	}
	convID := s.conv.ID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.SetTyping(ctx, convID, s.self.ID, isTyping); err != nil {
		s.logger.Warn("set typing failed", "err", err)
	}
}

// --- snapshot assembly ---

// emit builds and delivers a snapshot outside the lock.
func (s *Session) emit() {
	s.mu.Lock()
	if s.state == StateClosed || s.onUpdate == nil {
		s.mu.Unlock()
		return
	}
	snap := s.buildSnapshotLocked()
	cb := s.onUpdate
	s.mu.Unlock()
	cb(snap)
}

func (s *Session) buildSnapshotLocked() Snapshot {
	entries := make([]Entry, 0, len(s.authoritative)+len(s.pending))
	for _, m := range s.authoritative {
		m.Status = s.deriveStatusLocked(m)
		entries = append(entries, Entry{Message: m})
	}
	// Optimistic shadows (pending and failed) render after the
	// authoritative tail; failed sends stay visible for manual retry.
	for _, p := range s.pending {
		entries = append(entries, Entry{
			LocalID:   p.localID,
			Message:   p.msg,
			Pending:   !p.failed,
			Failed:    p.failed,
			FailCause: p.failCause,
		})
	}

	typers := make([]string, len(s.typers))
	copy(typers, s.typers)

	return Snapshot{
		State:        s.state,
		Entries:      entries,
		Typers:       typers,
		ActivePlayer: s.activePlayer,
		Stale:        s.stale,
	}
}

// deriveStatusLocked computes the derived status for the caller's own
// messages in a direct conversation from the peer's read marker.
func (s *Session) deriveStatusLocked(m models.Message) models.MessageStatus {
	if m.SenderID != s.self.ID || s.scope.Kind != models.ScopeDirect {
		return ""
	}
	for userID, at := range s.conv.ReadMarkers {
		if userID == s.self.ID.Hex() {
			continue
		}
		if at >= m.CreatedAt {
			return models.StatusRead
		}
	}
	return models.StatusDelivered
}

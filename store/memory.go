package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"tably/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Memory is an in-process MessageStore and NotificationStore. It backs the
// test suite and local development; it honors the same contract as the Mongo
// adapter, including full-snapshot delivery on every mutation.
type Memory struct {
	mu sync.Mutex

	conversations map[primitive.ObjectID]*models.Conversation
	messages      map[primitive.ObjectID][]models.Message // conversation -> ordered
	notifications map[primitive.ObjectID][]models.Notification

	pairIndex map[string]primitive.ObjectID // PairKey / room id -> conversation

	nextSub   int
	msgSubs   map[primitive.ObjectID]map[int]MessageBatchFunc
	convSubs  map[primitive.ObjectID]map[int]ConversationFunc
	notifSubs map[primitive.ObjectID]map[int]NotificationBatchFunc

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[primitive.ObjectID]*models.Conversation),
		messages:      make(map[primitive.ObjectID][]models.Message),
		notifications: make(map[primitive.ObjectID][]models.Notification),
		pairIndex:     make(map[string]primitive.ObjectID),
		msgSubs:       make(map[primitive.ObjectID]map[int]MessageBatchFunc),
		convSubs:      make(map[primitive.ObjectID]map[int]ConversationFunc),
		notifSubs:     make(map[primitive.ObjectID]map[int]NotificationBatchFunc),
		now:           time.Now,
	}
}

// SetClock overrides the timestamp source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) GetOrCreateConversation(ctx context.Context, scope Scope) (models.Conversation, error) {
	m.mu.Lock()
	key := scope.PairKey()
	if scope.Kind == models.ScopeRoom {
		key = "room:" + scope.RoomID
	}
	if id, ok := m.pairIndex[key]; ok {
		conv := *m.conversations[id]
		m.mu.Unlock()
		return conv, nil
	}
	conv := models.Conversation{
		ID:        primitive.NewObjectID(),
		Kind:      scope.Kind,
		CreatedAt: m.now().UnixMilli(),
	}
	if scope.Kind == models.ScopeRoom {
		conv.RoomID = scope.RoomID
	} else {
		conv.PairKey = key
		conv.Participants = scope.Participants()
	}
	m.pairIndex[key] = conv.ID
	stored := conv
	m.conversations[conv.ID] = &stored
	m.mu.Unlock()
	return conv, nil
}

func (m *Memory) AppendMessage(ctx context.Context, conversationID primitive.ObjectID, draft MessageDraft) (models.Message, error) {
	m.mu.Lock()
	if _, ok := m.conversations[conversationID]; !ok {
		m.mu.Unlock()
		return models.Message{}, &WriteError{Op: "append", Err: errNoConversation}
	}
	msg := models.Message{
		ID:             primitive.NewObjectID(),
		ConversationID: conversationID,
		SenderID:       draft.SenderID,
		Kind:           draft.Kind,
		Body:           draft.Body,
		ReplyTo:        draft.ReplyTo,
		Duration:       draft.Duration,
		CreatedAt:      m.now().UnixMilli(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	sortMessages(m.messages[conversationID])

	conv := m.conversations[conversationID]
	conv.LastMessage = draft.Body
	conv.LastMessageAt = msg.CreatedAt
	m.mu.Unlock()

	m.publishMessages(conversationID)
	return msg, nil
}

func (m *Memory) ListMessages(ctx context.Context, conversationID primitive.ObjectID) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(conversationID), nil
}

func (m *Memory) SubscribeMessages(conversationID primitive.ObjectID, fn MessageBatchFunc) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.msgSubs[conversationID] == nil {
		m.msgSubs[conversationID] = make(map[int]MessageBatchFunc)
	}
	m.msgSubs[conversationID][id] = fn
	snap := m.snapshotLocked(conversationID)
	m.mu.Unlock()

	// Initial snapshot, possibly empty: subscribers are ready once it lands.
	fn(snap, nil)

	return func() {
		m.mu.Lock()
		delete(m.msgSubs[conversationID], id)
		m.mu.Unlock()
	}
}

func (m *Memory) SubscribeConversation(conversationID primitive.ObjectID, fn ConversationFunc) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.convSubs[conversationID] == nil {
		m.convSubs[conversationID] = make(map[int]ConversationFunc)
	}
	m.convSubs[conversationID][id] = fn
	var doc models.Conversation
	if c, ok := m.conversations[conversationID]; ok {
		doc = cloneConversation(c)
	}
	m.mu.Unlock()

	fn(doc, nil)

	return func() {
		m.mu.Lock()
		delete(m.convSubs[conversationID], id)
		m.mu.Unlock()
	}
}

func (m *Memory) SetReaction(ctx context.Context, conversationID, messageID, userID primitive.ObjectID, emoji string) error {
	m.mu.Lock()
	msgs := m.messages[conversationID]
	found := false
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		found = true
		msgs[i].Reactions = setReaction(msgs[i].Reactions, userID, emoji, m.now().UnixMilli())
	}
	m.mu.Unlock()
	if !found {
		return &WriteError{Op: "setReaction", Err: errNoMessage}
	}
	m.publishMessages(conversationID)
	return nil
}

func (m *Memory) MarkConversationRead(ctx context.Context, conversationID, userID primitive.ObjectID) error {
	m.mu.Lock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		m.mu.Unlock()
		return &WriteError{Op: "markRead", Err: errNoConversation}
	}
	if conv.ReadMarkers == nil {
		conv.ReadMarkers = make(map[string]int64)
	}
	conv.ReadMarkers[userID.Hex()] = m.now().UnixMilli()
	m.mu.Unlock()
	m.publishConversation(conversationID)
	return nil
}

func (m *Memory) SetTyping(ctx context.Context, conversationID, userID primitive.ObjectID, isTyping bool) error {
	m.mu.Lock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		m.mu.Unlock()
		return &WriteError{Op: "setTyping", Err: errNoConversation}
	}
	if conv.Typing == nil {
		conv.Typing = make(map[string]models.TypingFlag)
	}
	conv.Typing[userID.Hex()] = models.TypingFlag{IsTyping: isTyping, SetAt: m.now().UnixMilli()}
	m.mu.Unlock()
	m.publishConversation(conversationID)
	return nil
}

// Republish re-delivers the current snapshot to all message subscribers.
// Simulates the at-least-once replay the contract allows.
func (m *Memory) Republish(conversationID primitive.ObjectID) {
	m.publishMessages(conversationID)
}

// FailSubscription delivers a subscription error to all message subscribers.
func (m *Memory) FailSubscription(conversationID primitive.ObjectID, err error) {
	m.mu.Lock()
	subs := make([]MessageBatchFunc, 0, len(m.msgSubs[conversationID]))
	for _, fn := range m.msgSubs[conversationID] {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(nil, &ReadError{Op: "subscribe", Err: err})
	}
}

// --- notification log ---

func (m *Memory) Append(ctx context.Context, n models.Notification) (models.Notification, error) {
	m.mu.Lock()
	n.ID = primitive.NewObjectID()
	if n.CreatedAt == 0 {
		n.CreatedAt = m.now().UnixMilli()
	}
	m.notifications[n.OwnerID] = append(m.notifications[n.OwnerID], n)
	m.mu.Unlock()
	m.publishNotifications(n.OwnerID)
	return n, nil
}

func (m *Memory) List(ctx context.Context, ownerID primitive.ObjectID) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifSnapshotLocked(ownerID), nil
}

func (m *Memory) Subscribe(ownerID primitive.ObjectID, fn NotificationBatchFunc) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.notifSubs[ownerID] == nil {
		m.notifSubs[ownerID] = make(map[int]NotificationBatchFunc)
	}
	m.notifSubs[ownerID][id] = fn
	snap := m.notifSnapshotLocked(ownerID)
	m.mu.Unlock()

	fn(snap, nil)

	return func() {
		m.mu.Lock()
		delete(m.notifSubs[ownerID], id)
		m.mu.Unlock()
	}
}

func (m *Memory) MarkRead(ctx context.Context, ownerID primitive.ObjectID, ids []primitive.ObjectID) error {
	want := make(map[primitive.ObjectID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	m.mu.Lock()
	list := m.notifications[ownerID]
	for i := range list {
		if want[list[i].ID] {
			list[i].IsRead = true
		}
	}
	m.mu.Unlock()
	m.publishNotifications(ownerID)
	return nil
}

func (m *Memory) DeleteAll(ctx context.Context, ownerID primitive.ObjectID) error {
	m.mu.Lock()
	delete(m.notifications, ownerID)
	m.mu.Unlock()
	m.publishNotifications(ownerID)
	return nil
}

// FailNotificationSubscription delivers a subscription error to the owner's
// notification subscribers.
func (m *Memory) FailNotificationSubscription(ownerID primitive.ObjectID, err error) {
	m.mu.Lock()
	subs := make([]NotificationBatchFunc, 0, len(m.notifSubs[ownerID]))
	for _, fn := range m.notifSubs[ownerID] {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(nil, &ReadError{Op: "subscribe", Err: err})
	}
}

// --- internals ---

// snapshotLocked copies the ordered message slice. Caller holds mu.
func (m *Memory) snapshotLocked(conversationID primitive.ObjectID) []models.Message {
	src := m.messages[conversationID]
	out := make([]models.Message, len(src))
	copy(out, src)
	return out
}

func (m *Memory) notifSnapshotLocked(ownerID primitive.ObjectID) []models.Notification {
	src := m.notifications[ownerID]
	out := make([]models.Notification, len(src))
	copy(out, src)
	// Newest first, id tiebreak for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID.Hex() > out[j].ID.Hex()
	})
	return out
}

// publishMessages fans the current snapshot out to subscribers. The lock is
// released before callbacks run so subscribers may call back into the store.
func (m *Memory) publishMessages(conversationID primitive.ObjectID) {
	m.mu.Lock()
	subs := make([]MessageBatchFunc, 0, len(m.msgSubs[conversationID]))
	for _, fn := range m.msgSubs[conversationID] {
		subs = append(subs, fn)
	}
	snap := m.snapshotLocked(conversationID)
	m.mu.Unlock()
	for _, fn := range subs {
		batch := make([]models.Message, len(snap))
		copy(batch, snap)
		fn(batch, nil)
	}
}

func (m *Memory) publishConversation(conversationID primitive.ObjectID) {
	m.mu.Lock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	doc := cloneConversation(conv)
	subs := make([]ConversationFunc, 0, len(m.convSubs[conversationID]))
	for _, fn := range m.convSubs[conversationID] {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(doc, nil)
	}
}

func (m *Memory) publishNotifications(ownerID primitive.ObjectID) {
	m.mu.Lock()
	snap := m.notifSnapshotLocked(ownerID)
	subs := make([]NotificationBatchFunc, 0, len(m.notifSubs[ownerID]))
	for _, fn := range m.notifSubs[ownerID] {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		batch := make([]models.Notification, len(snap))
		copy(batch, snap)
		fn(batch, nil)
	}
}

func cloneConversation(c *models.Conversation) models.Conversation {
	out := *c
	if c.Typing != nil {
		out.Typing = make(map[string]models.TypingFlag, len(c.Typing))
		for k, v := range c.Typing {
			out.Typing[k] = v
		}
	}
	if c.ReadMarkers != nil {
		out.ReadMarkers = make(map[string]int64, len(c.ReadMarkers))
		for k, v := range c.ReadMarkers {
			out.ReadMarkers[k] = v
		}
	}
	return out
}

// setReaction applies last-writer-wins per user, keeping the first-set time
// on overwrite. An empty emoji removes the user's reaction.
func setReaction(reactions []models.Reaction, userID primitive.ObjectID, emoji string, now int64) []models.Reaction {
	for i := range reactions {
		if reactions[i].UserID == userID {
			if emoji == "" {
				return append(reactions[:i], reactions[i+1:]...)
			}
			reactions[i].Emoji = emoji
			return reactions
		}
	}
	if emoji == "" {
		return reactions
	}
	return append(reactions, models.Reaction{UserID: userID, Emoji: emoji, SetAt: now})
}

// sortMessages orders by creation time ascending, store id as tiebreak.
func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID.Hex() < msgs[j].ID.Hex()
	})
}

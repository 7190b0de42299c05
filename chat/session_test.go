package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tably/models"
	"tably/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type snapCollector struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *snapCollector) add(s Snapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

func (c *snapCollector) last() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snaps) == 0 {
		return Snapshot{}
	}
	return c.snaps[len(c.snaps)-1]
}

func (c *snapCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

// flakyStore injects append failures on top of the in-memory store.
type flakyStore struct {
	*store.Memory
	mu         sync.Mutex
	failAppend bool
}

func (f *flakyStore) setFailAppend(v bool) {
	f.mu.Lock()
	f.failAppend = v
	f.mu.Unlock()
}

func (f *flakyStore) AppendMessage(ctx context.Context, convID primitive.ObjectID, draft store.MessageDraft) (models.Message, error) {
	f.mu.Lock()
	fail := f.failAppend
	f.mu.Unlock()
	if fail {
		return models.Message{}, &store.WriteError{Op: "append", Err: errors.New("transport down")}
	}
	return f.Memory.AppendMessage(ctx, convID, draft)
}

func newTestSession(t *testing.T, mem store.MessageStore, self models.Profile, peer primitive.ObjectID) (*Session, *snapCollector) {
	t.Helper()
	col := &snapCollector{}
	s := NewSession(mem, self, store.DirectScope(self.ID, peer), col.add)
	s.readDelay = 10 * time.Millisecond
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(s.Close)
	require.Equal(t, StateSubscribed, s.State(), "ready after first (empty) batch")
	return s, col
}

func selfProfile() models.Profile {
	return models.Profile{ID: primitive.NewObjectID(), Name: "Ada", Username: "ada"}
}

func TestSessionResolvesSameConversationForBothClients(t *testing.T) {
	mem := store.NewMemory()
	a, b := selfProfile(), selfProfile()

	sa, _ := newTestSession(t, mem, a, b.ID)
	sb, _ := newTestSession(t, mem, b, a.ID)

	assert.Equal(t, sa.Conversation().ID, sb.Conversation().ID,
		"sorted-pair key converges regardless of who resolves first")
}

func TestSessionOrderingNonDecreasing(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	peer := primitive.NewObjectID()
	s, col := newTestSession(t, mem, self, peer)

	convID := s.Conversation().ID
	for i := 0; i < 5; i++ {
		_, err := mem.AppendMessage(context.Background(), convID, store.MessageDraft{
			SenderID: peer, Kind: models.KindText, Body: "msg",
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(col.last().Entries) == 5 }, time.Second, 5*time.Millisecond)

	entries := col.last().Entries
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(t, entries[i-1].Message.CreatedAt, entries[i].Message.CreatedAt)
	}
}

func TestSessionDuplicateSnapshotDelivery(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, col := newTestSession(t, mem, self, primitive.NewObjectID())

	convID := s.Conversation().ID
	_, err := mem.AppendMessage(context.Background(), convID, store.MessageDraft{
		SenderID: self.ID, Kind: models.KindText, Body: "once",
	})
	require.NoError(t, err)

	mem.Republish(convID)
	mem.Republish(convID)

	require.Eventually(t, func() bool { return len(col.last().Entries) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, col.last().Entries, 1, "replayed snapshots never duplicate entries")
}

func TestSessionSendReconciliation(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, col := newTestSession(t, mem, self, primitive.NewObjectID())

	localID := s.SendText("Table for two at 8?", nil)
	require.NotEmpty(t, localID)

	// Optimistic shadow is visible immediately.
	first := col.last()
	require.Len(t, first.Entries, 1)
	assert.True(t, first.Entries[0].Pending)

	// The authoritative echo replaces it: exactly one entry, same sender
	// and body, no longer pending.
	require.Eventually(t, func() bool {
		snap := col.last()
		return len(snap.Entries) == 1 && !snap.Entries[0].Pending
	}, time.Second, 5*time.Millisecond)

	entry := col.last().Entries[0]
	assert.Equal(t, self.ID, entry.Message.SenderID)
	assert.Equal(t, "Table for two at 8?", entry.Message.Body)
	assert.False(t, entry.Message.ID.IsZero())
}

func TestSessionReconciliationSurvivesReplay(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, col := newTestSession(t, mem, self, primitive.NewObjectID())

	s.SendText("idempotent", nil)
	require.Eventually(t, func() bool {
		snap := col.last()
		return len(snap.Entries) == 1 && !snap.Entries[0].Pending
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		mem.Republish(s.Conversation().ID)
	}
	assert.Len(t, col.last().Entries, 1, "N echoes of one send still render once")
}

func TestSessionEmptySendIsSilentNoop(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, col := newTestSession(t, mem, self, primitive.NewObjectID())

	before := col.count()
	assert.Empty(t, s.SendText("   \n\t", nil))
	assert.Empty(t, s.SendMedia(models.KindImage, "  ", 0))
	assert.Equal(t, before, col.count(), "no snapshot churn on rejected input")
}

func TestSessionEmojiBigUpgrade(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, col := newTestSession(t, mem, self, primitive.NewObjectID())

	s.SendText("🎉", nil)
	require.Eventually(t, func() bool {
		snap := col.last()
		return len(snap.Entries) == 1 && !snap.Entries[0].Pending
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.KindEmojiBig, col.last().Entries[0].Message.Kind)
}

func TestSessionFailedSendStaysVisibleAndRetries(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem}
	self := selfProfile()
	s, col := newTestSession(t, flaky, self, primitive.NewObjectID())

	flaky.setFailAppend(true)
	localID := s.SendText("doomed", nil)
	require.NotEmpty(t, localID)

	require.Eventually(t, func() bool {
		snap := col.last()
		return len(snap.Entries) == 1 && snap.Entries[0].Failed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, FailTransport, col.last().Entries[0].FailCause)
	assert.Equal(t, "doomed", col.last().Entries[0].Message.Body, "failed send not removed from transcript")

	// Transport recovers; manual retry succeeds and reconciles.
	flaky.setFailAppend(false)
	s.Retry(localID)
	require.Eventually(t, func() bool {
		snap := col.last()
		return len(snap.Entries) == 1 && !snap.Entries[0].Pending && !snap.Entries[0].Failed
	}, time.Second, 5*time.Millisecond)
}

func TestSessionVoiceMessage(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, col := newTestSession(t, mem, self, primitive.NewObjectID())

	s.SendMedia(models.KindVoice, "https://cdn.example.com/clip.ogg", 12)
	require.Eventually(t, func() bool {
		snap := col.last()
		return len(snap.Entries) == 1 && !snap.Entries[0].Pending
	}, time.Second, 5*time.Millisecond)

	msg := col.last().Entries[0].Message
	assert.Equal(t, models.KindVoice, msg.Kind)
	assert.Equal(t, 12, msg.Duration)
	assert.Equal(t, "https://cdn.example.com/clip.ogg", msg.Body)
}

func TestSessionReadReceiptDebounced(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	peer := primitive.NewObjectID()
	s, _ := newTestSession(t, mem, self, peer)
	s.SetForeground(true)

	convID := s.Conversation().ID
	for i := 0; i < 3; i++ {
		_, err := mem.AppendMessage(context.Background(), convID, store.MessageDraft{
			SenderID: peer, Kind: models.KindText, Body: "burst",
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		_, ok := s.Conversation().ReadMarkers[self.ID.Hex()]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestSessionTypingRoundTrip(t *testing.T) {
	mem := store.NewMemory()
	a, b := selfProfile(), selfProfile()
	sa, _ := newTestSession(t, mem, a, b.ID)
	sb, colB := newTestSession(t, mem, b, a.ID)
	_ = sb

	sa.Input()

	require.Eventually(t, func() bool {
		return len(colB.last().Typers) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{a.ID.Hex()}, colB.last().Typers)
}

func TestSessionReactionOverwrite(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, col := newTestSession(t, mem, self, primitive.NewObjectID())

	s.SendText("react to me", nil)
	require.Eventually(t, func() bool {
		snap := col.last()
		return len(snap.Entries) == 1 && !snap.Entries[0].Pending
	}, time.Second, 5*time.Millisecond)
	msgID := col.last().Entries[0].Message.ID

	require.NoError(t, s.React(context.Background(), msgID, "👍"))
	require.NoError(t, s.React(context.Background(), msgID, "❤️"))

	require.Eventually(t, func() bool {
		reactions := col.last().Entries[0].Message.Reactions
		return len(reactions) == 1 && reactions[0].Emoji == "❤️"
	}, time.Second, 5*time.Millisecond)

	sum := AggregateReactions(col.last().Entries[0].Message.Reactions)
	assert.Equal(t, 1, sum.TotalCount, "reactor count, not reaction-call count")
}

func TestSessionSubscriptionErrorDegradesToStale(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, col := newTestSession(t, mem, self, primitive.NewObjectID())

	s.SendText("keep me", nil)
	require.Eventually(t, func() bool {
		snap := col.last()
		return len(snap.Entries) == 1 && !snap.Entries[0].Pending
	}, time.Second, 5*time.Millisecond)

	mem.FailSubscription(s.Conversation().ID, errors.New("stream broken"))

	require.Eventually(t, func() bool { return col.last().Stale }, time.Second, 5*time.Millisecond)
	assert.Len(t, col.last().Entries, 1, "prior data kept, not blanked")
}

func TestSessionCloseIgnoresLatePushes(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, col := newTestSession(t, mem, self, primitive.NewObjectID())
	convID := s.Conversation().ID

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	seen := col.count()

	_, err := mem.AppendMessage(context.Background(), convID, store.MessageDraft{
		SenderID: self.ID, Kind: models.KindText, Body: "late",
	})
	require.NoError(t, err)
	mem.Republish(convID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, col.count(), "no UI update after close")

	// Close is idempotent.
	s.Close()
}

func TestSessionReopenRejected(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, _ := newTestSession(t, mem, self, primitive.NewObjectID())

	assert.Error(t, s.Open(context.Background()))
}

func TestSessionPlaybackSingleActive(t *testing.T) {
	mem := store.NewMemory()
	self := selfProfile()
	s, col := newTestSession(t, mem, self, primitive.NewObjectID())

	stopped := s.StartPlayback("msg-1")
	assert.Empty(t, stopped)

	stopped = s.StartPlayback("msg-2")
	assert.Equal(t, "msg-1", stopped, "starting one playback stops the other")
	assert.Equal(t, "msg-2", col.last().ActivePlayer)

	s.StopPlayback("msg-1") // stale stop, ignored
	assert.Equal(t, "msg-2", col.last().ActivePlayer)

	s.StopPlayback("msg-2")
	assert.Empty(t, col.last().ActivePlayer)
}

func TestSessionDerivedReadStatus(t *testing.T) {
	mem := store.NewMemory()
	a, b := selfProfile(), selfProfile()
	sa, colA := newTestSession(t, mem, a, b.ID)
	sb, _ := newTestSession(t, mem, b, a.ID)

	sa.SendText("seen yet?", nil)
	require.Eventually(t, func() bool {
		snap := colA.last()
		return len(snap.Entries) == 1 && !snap.Entries[0].Pending
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusDelivered, colA.last().Entries[0].Message.Status)

	// Peer reads the conversation; sender's view flips to read.
	sb.SetForeground(true)
	require.Eventually(t, func() bool {
		return colA.last().Entries[0].Message.Status == models.StatusRead
	}, time.Second, 5*time.Millisecond)
}

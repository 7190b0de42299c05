package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"tably/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestGetOrCreateConversationConverges(t *testing.T) {
	mem := NewMemory()
	a, b := primitive.NewObjectID(), primitive.NewObjectID()

	// Both sides resolve simultaneously with the pair in opposite order.
	var wg sync.WaitGroup
	ids := make([]primitive.ObjectID, 2)
	for i, scope := range []Scope{DirectScope(a, b), DirectScope(b, a)} {
		wg.Add(1)
		go func(i int, scope Scope) {
			defer wg.Done()
			conv, err := mem.GetOrCreateConversation(context.Background(), scope)
			require.NoError(t, err)
			ids[i] = conv.ID
		}(i, scope)
	}
	wg.Wait()

	assert.Equal(t, ids[0], ids[1], "sorted-pair key converges on one conversation")
}

func TestGetOrCreateRoomIdempotent(t *testing.T) {
	mem := NewMemory()

	first, err := mem.GetOrCreateConversation(context.Background(), RoomScope("supper-club"))
	require.NoError(t, err)
	second, err := mem.GetOrCreateConversation(context.Background(), RoomScope("supper-club"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.ScopeRoom, second.Kind)
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	mem := NewMemory()
	conv, err := mem.GetOrCreateConversation(context.Background(), RoomScope("r"))
	require.NoError(t, err)

	msg, err := mem.AppendMessage(context.Background(), conv.ID, MessageDraft{
		SenderID: primitive.NewObjectID(), Kind: models.KindText, Body: "hi",
	})
	require.NoError(t, err)
	assert.False(t, msg.ID.IsZero())
	assert.NotZero(t, msg.CreatedAt)
}

func TestAppendToMissingConversationFails(t *testing.T) {
	mem := NewMemory()
	_, err := mem.AppendMessage(context.Background(), primitive.NewObjectID(), MessageDraft{
		SenderID: primitive.NewObjectID(), Kind: models.KindText, Body: "hi",
	})
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
}

func TestSnapshotOrderedWithTimestampTies(t *testing.T) {
	mem := NewMemory()
	fixed := time.Unix(1_700_000_000, 0)
	mem.SetClock(func() time.Time { return fixed })

	conv, err := mem.GetOrCreateConversation(context.Background(), RoomScope("r"))
	require.NoError(t, err)

	sender := primitive.NewObjectID()
	for i := 0; i < 4; i++ {
		_, err := mem.AppendMessage(context.Background(), conv.ID, MessageDraft{
			SenderID: sender, Kind: models.KindText, Body: "same instant",
		})
		require.NoError(t, err)
	}

	msgs, err := mem.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i := 1; i < len(msgs); i++ {
		require.LessOrEqual(t, msgs[i-1].ID.Hex(), msgs[i].ID.Hex(),
			"equal timestamps tie-broken by store id")
	}
}

func TestSubscribeDeliversInitialAndMutationSnapshots(t *testing.T) {
	mem := NewMemory()
	conv, err := mem.GetOrCreateConversation(context.Background(), RoomScope("r"))
	require.NoError(t, err)

	var mu sync.Mutex
	var batches [][]models.Message
	cancel := mem.SubscribeMessages(conv.ID, func(batch []models.Message, err error) {
		require.NoError(t, err)
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	})
	defer cancel()

	mu.Lock()
	require.Len(t, batches, 1, "initial snapshot delivered on subscribe")
	assert.Empty(t, batches[0])
	mu.Unlock()

	_, err = mem.AppendMessage(context.Background(), conv.ID, MessageDraft{
		SenderID: primitive.NewObjectID(), Kind: models.KindText, Body: "hi",
	})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, batches, 2)
	assert.Len(t, batches[1], 1, "full snapshot, not a diff")
	mu.Unlock()

	// Unsubscribe is idempotent and stops delivery.
	cancel()
	cancel()
	_, err = mem.AppendMessage(context.Background(), conv.ID, MessageDraft{
		SenderID: primitive.NewObjectID(), Kind: models.KindText, Body: "again",
	})
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, batches, 2)
	mu.Unlock()
}

func TestSetReactionLastWriterWinsPerUser(t *testing.T) {
	mem := NewMemory()
	conv, err := mem.GetOrCreateConversation(context.Background(), RoomScope("r"))
	require.NoError(t, err)
	user := primitive.NewObjectID()

	msg, err := mem.AppendMessage(context.Background(), conv.ID, MessageDraft{
		SenderID: user, Kind: models.KindText, Body: "hi",
	})
	require.NoError(t, err)

	require.NoError(t, mem.SetReaction(context.Background(), conv.ID, msg.ID, user, "👍"))
	require.NoError(t, mem.SetReaction(context.Background(), conv.ID, msg.ID, user, "❤️"))

	msgs, err := mem.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs[0].Reactions, 1, "one active reaction per user")
	assert.Equal(t, "❤️", msgs[0].Reactions[0].Emoji)

	// Empty emoji clears.
	require.NoError(t, mem.SetReaction(context.Background(), conv.ID, msg.ID, user, ""))
	msgs, err = mem.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs[0].Reactions)
}

func TestMarkConversationReadSetsMarkerOnly(t *testing.T) {
	mem := NewMemory()
	conv, err := mem.GetOrCreateConversation(context.Background(), RoomScope("r"))
	require.NoError(t, err)
	user := primitive.NewObjectID()

	msg, err := mem.AppendMessage(context.Background(), conv.ID, MessageDraft{
		SenderID: primitive.NewObjectID(), Kind: models.KindText, Body: "hi",
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var doc models.Conversation
	cancel := mem.SubscribeConversation(conv.ID, func(d models.Conversation, err error) {
		require.NoError(t, err)
		mu.Lock()
		doc = d
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, mem.MarkConversationRead(context.Background(), conv.ID, user))

	mu.Lock()
	assert.Contains(t, doc.ReadMarkers, user.Hex())
	mu.Unlock()

	// The message row itself is untouched.
	msgs, err := mem.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestSetTypingWritesFlagWithTimestamp(t *testing.T) {
	mem := NewMemory()
	conv, err := mem.GetOrCreateConversation(context.Background(), RoomScope("r"))
	require.NoError(t, err)
	user := primitive.NewObjectID()

	require.NoError(t, mem.SetTyping(context.Background(), conv.ID, user, true))

	var got models.Conversation
	cancel := mem.SubscribeConversation(conv.ID, func(d models.Conversation, err error) {
		require.NoError(t, err)
		got = d
	})
	cancel()

	flag, ok := got.Typing[user.Hex()]
	require.True(t, ok)
	assert.True(t, flag.IsTyping)
	assert.NotZero(t, flag.SetAt)
}

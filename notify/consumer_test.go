package notify

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

type badgeRecorder struct {
	mu      sync.Mutex
	unreads []int
}

func (b *badgeRecorder) onChange(_ []models.Notification, unread int) {
	b.mu.Lock()
	b.unreads = append(b.unreads, unread)
	b.mu.Unlock()
}

func (b *badgeRecorder) lastUnread() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.unreads) == 0 {
		return -1
	}
	return b.unreads[len(b.unreads)-1]
}

func appendNotification(t *testing.T, mem *store.Memory, owner primitive.ObjectID, title string) models.Notification {
	t.Helper()
	n, err := mem.Append(context.Background(), models.Notification{
		OwnerID: owner,
		Type:    models.NotifyInvitation,
		Title:   title,
		Message: "Dinner on Friday?",
	})
	require.NoError(t, err)
	return n
}

func newTestConsumer(t *testing.T, mem *store.Memory, owner primitive.ObjectID) (*Consumer, *badgeRecorder) {
	t.Helper()
	rec := &badgeRecorder{}
	c := NewConsumer(mem, owner, rec.onChange)
	c.Open()
	t.Cleanup(c.Close)
	return c, rec
}

func TestConsumerDerivedUnreadCount(t *testing.T) {
	mem := store.NewMemory()
	owner := primitive.NewObjectID()

	appendNotification(t, mem, owner, "A")
	appendNotification(t, mem, owner, "B")

	c, rec := newTestConsumer(t, mem, owner)
	assert.Equal(t, 2, c.UnreadCount())
	assert.Equal(t, 2, rec.lastUnread())
}

func TestConsumerNewestFirst(t *testing.T) {
	mem := store.NewMemory()
	clock := time.Unix(1_700_000_000, 0)
	mem.SetClock(func() time.Time { clock = clock.Add(time.Second); return clock })
	owner := primitive.NewObjectID()

	appendNotification(t, mem, owner, "old")
	appendNotification(t, mem, owner, "new")

	c, _ := newTestConsumer(t, mem, owner)
	items := c.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "new", items[0].Title)
	assert.Equal(t, "old", items[1].Title)
}

func TestConsumerMarkAsRead(t *testing.T) {
	mem := store.NewMemory()
	owner := primitive.NewObjectID()
	a := appendNotification(t, mem, owner, "A")

	c, _ := newTestConsumer(t, mem, owner)
	require.NoError(t, c.MarkAsRead(context.Background(), a.ID))

	require.Eventually(t, func() bool { return c.UnreadCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConsumerMarkAllAsReadSnapshotSemantics(t *testing.T) {
	mem := store.NewMemory()
	owner := primitive.NewObjectID()
	appendNotification(t, mem, owner, "A")
	appendNotification(t, mem, owner, "B")

	c, _ := newTestConsumer(t, mem, owner)
	require.Equal(t, 2, c.UnreadCount())

	require.NoError(t, c.MarkAllAsRead(context.Background()))

	// C arrives after the unread snapshot was captured: it stays unread.
	appendNotification(t, mem, owner, "C")

	require.Eventually(t, func() bool { return c.UnreadCount() == 1 }, time.Second, 5*time.Millisecond)
	for _, n := range c.Items() {
		if n.Title == "C" {
			assert.False(t, n.IsRead)
		} else {
			assert.True(t, n.IsRead)
		}
	}
}

func TestConsumerMarkAllAsReadEmptyNoop(t *testing.T) {
	mem := store.NewMemory()
	c, _ := newTestConsumer(t, mem, primitive.NewObjectID())
	assert.NoError(t, c.MarkAllAsRead(context.Background()))
}

func TestConsumerDeleteAll(t *testing.T) {
	mem := store.NewMemory()
	owner := primitive.NewObjectID()
	appendNotification(t, mem, owner, "A")

	c, rec := newTestConsumer(t, mem, owner)
	require.NoError(t, c.DeleteAll(context.Background()))

	require.Eventually(t, func() bool { return len(c.Items()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.lastUnread())
}

func TestConsumerSubscriptionErrorClearsState(t *testing.T) {
	mem := store.NewMemory()
	owner := primitive.NewObjectID()
	appendNotification(t, mem, owner, "A")

	c, rec := newTestConsumer(t, mem, owner)
	require.Equal(t, 1, c.UnreadCount())

	mem.FailNotificationSubscription(owner, errors.New("stream broken"))

	assert.Empty(t, c.Items(), "empty over stale for the notification surface")
	assert.Equal(t, 0, rec.lastUnread())
}

func TestConsumerCloseStopsUpdates(t *testing.T) {
	mem := store.NewMemory()
	owner := primitive.NewObjectID()
	c, _ := newTestConsumer(t, mem, owner)

	c.Close()
	appendNotification(t, mem, owner, "late")
	assert.Empty(t, c.Items())
	assert.Zero(t, c.UnreadCount())
}

func TestProducerAppendsToLog(t *testing.T) {
	mem := store.NewMemory()
	owner := primitive.NewObjectID()
	p := NewProducer(mem, nil)

	saved, err := p.Notify(context.Background(), models.Notification{
		OwnerID: owner,
		Type:    models.NotifyReaction,
		Title:   "New reaction",
		Message: "Ada reacted to your message",
	})
	require.NoError(t, err)
	assert.False(t, saved.ID.IsZero())

	list, err := mem.List(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].IsRead)
}

package notify

import (
	"context"
	"log/slog"
	"sync"

	"tably/models"
	"tably/store"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Consumer mirrors one user's notification log: it subscribes to the
// descending-time-ordered stream, derives the unread count, and exposes the
// read/delete operations the badge and the notification screen need. A
// subscription error clears local state to empty rather than showing stale
// data.
type Consumer struct {
	store    store.NotificationStore
	owner    primitive.ObjectID
	onChange func(items []models.Notification, unread int)
	logger   *slog.Logger

	mu     sync.Mutex
	items  []models.Notification
	unsub  func()
	closed bool
}

// NewConsumer builds a consumer for one owner. onChange, if non-nil, fires
// after every accepted batch with the current list and unread count.
func NewConsumer(ns store.NotificationStore, owner primitive.ObjectID, onChange func([]models.Notification, int)) *Consumer {
	return &Consumer{
		store:    ns,
		owner:    owner,
		onChange: onChange,
		logger:   slog.Default().With("owner", owner.Hex()),
	}
}

// Open starts the subscription.
func (c *Consumer) Open() {
	c.mu.Lock()
	if c.closed || c.unsub != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	unsub := c.store.Subscribe(c.owner, c.onBatch)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsub()
		return
	}
	c.unsub = unsub
	c.mu.Unlock()
}

// Close releases the subscription. Idempotent.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (c *Consumer) onBatch(batch []models.Notification, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if err != nil {
		// Empty over stale for the notification surface.
		c.items = nil
		c.mu.Unlock()
		c.logger.Warn("notification subscription error", "err", err)
		c.notifyChange()
		return
	}
	c.items = batch
	c.mu.Unlock()
	c.notifyChange()
}

func (c *Consumer) notifyChange() {
	c.mu.Lock()
	cb := c.onChange
	items := make([]models.Notification, len(c.items))
	copy(items, c.items)
	unread := unreadCount(c.items)
	c.mu.Unlock()
	if cb != nil {
		cb(items, unread)
	}
}

// Items returns the current list, newest first.
func (c *Consumer) Items() []models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Notification, len(c.items))
	copy(out, c.items)
	return out
}

// UnreadCount is derived from the local mirror, never stored.
func (c *Consumer) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return unreadCount(c.items)
}

// MarkAsRead flips a single notification's read flag.
func (c *Consumer) MarkAsRead(ctx context.Context, id primitive.ObjectID) error {
	return c.store.MarkRead(ctx, c.owner, []primitive.ObjectID{id})
}

// MarkAllAsRead captures the ids unread at call time and flips them in one
// atomic batch. Notifications arriving after the snapshot stay unread.
func (c *Consumer) MarkAllAsRead(ctx context.Context) error {
	c.mu.Lock()
	var ids []primitive.ObjectID
	for _, n := range c.items {
		if !n.IsRead {
			ids = append(ids, n.ID)
		}
	}
	c.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return c.store.MarkRead(ctx, c.owner, ids)
}

// DeleteAll removes every notification owned by this user.
func (c *Consumer) DeleteAll(ctx context.Context) error {
	return c.store.DeleteAll(ctx, c.owner)
}

func unreadCount(items []models.Notification) int {
	n := 0
	for _, item := range items {
		if !item.IsRead {
			n++
		}
	}
	return n
}

package notify

import (
	"context"
	"log/slog"

	"tably/models"
	"tably/store"
)

// Producer appends notifications to the owner's log and fans out a
// best-effort web push. Any event source (message, reaction, dinner
// invitation, follow) goes through here.
type Producer struct {
	log    store.NotificationStore
	push   *WebPush // nil disables the push leg
	logger *slog.Logger
}

func NewProducer(log store.NotificationStore, push *WebPush) *Producer {
	return &Producer{log: log, push: push, logger: slog.Default()}
}

// Notify persists the notification and, if push delivery is configured,
// sends it in the background. The append result is authoritative; push
// failures never surface.
func (p *Producer) Notify(ctx context.Context, n models.Notification) (models.Notification, error) {
	saved, err := p.log.Append(ctx, n)
	if err != nil {
		return models.Notification{}, err
	}

	if p.push != nil {
		owner := saved.OwnerID
		go func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("panic in push fan-out", "recover", r)
				}
			}()
			p.push.Send(context.Background(), owner, saved.Title, saved.Message, saved.FromAvatar, saved.Target)
		}()
	}
	return saved, nil
}

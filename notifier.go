package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// Notification is a request to tell someone about a decision.
type Notification struct {
	Kind      NotificationKind
	Channel   Channel
	Recipient string // Recipient is an email address or a user key.
	ChatID    int64  // ChatID is used by the telegram channel.
	Subject   string
	Body      string
	Link      string
	DedupKey  string // DedupKey suppresses repeats of the same request within the dedup window.
}

// Notifier accepts notification requests. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// OutboxNotifier stores notifications in the outbox table for the Dispatcher.
type OutboxNotifier struct {
	repo  Repository
	dedup *gocache.Cache
	clock func() time.Time
}

// NewOutboxNotifier creates an OutboxNotifier that drops repeats of a DedupKey within dedupTTL.
func NewOutboxNotifier(repo Repository, dedupTTL time.Duration) *OutboxNotifier {
	return &OutboxNotifier{
		repo:  repo,
		dedup: gocache.New(dedupTTL, 2*dedupTTL),
		clock: time.Now,
	}
}

// Notify enqueues n.
func (o *OutboxNotifier) Notify(ctx context.Context, n Notification) error {
	if n.DedupKey != "" {
		if err := o.dedup.Add(n.DedupKey, struct{}{}, gocache.DefaultExpiration); err != nil {
			logDebug(catNotify, "duplicate notification suppressed", "kind", n.Kind, "key", n.DedupKey)
			return nil
		}
	}
	now := o.clock()
	msg := OutboxMessage{
		ID:            uuid.NewString(),
		Kind:          n.Kind,
		Channel:       n.Channel,
		Recipient:     n.Recipient,
		ChatID:        n.ChatID,
		Subject:       n.Subject,
		Body:          n.Body,
		Link:          n.Link,
		DedupKey:      n.DedupKey,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := o.repo.EnqueueOutbox(ctx, msg); err != nil {
		if n.DedupKey != "" {
			o.dedup.Delete(n.DedupKey)
		}
		return err
	}
	logDebug(catNotify, "notification queued", "kind", n.Kind, "channel", n.Channel, "id", msg.ID)
	return nil
}

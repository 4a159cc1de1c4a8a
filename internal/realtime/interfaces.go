// Package realtime keeps concurrently delivered chat and notification event
// streams consistent with each other and with local actions.
//
// Channels are opened through a Registry on top of an EventSource. Message
// channels feed one Reconciler per conversation; the per-user notification
// channel and the reconcilers feed a single Aggregator. The ReadStateTracker
// and ToastPresenter sit on top of the aggregator, and a Hub wires all of it
// together for one signed-in user.
package realtime

import (
	"context"

	"github.com/pairup-app/realtime-core/internal/model"
)

// EventSource opens named channels on the remote transport. Events of one
// channel must be delivered to handler sequentially, in arrival order.
type EventSource interface {
	Subscribe(ctx context.Context, key model.ChannelKey, handler func(model.RawEvent)) (unsubscribe func() error, err error)
}

// Publisher publishes events to a channel.
type Publisher interface {
	Publish(ctx context.Context, key model.ChannelKey, event model.RawEvent) error
}

// HistoryLoader loads the persisted history of a conversation, oldest first.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, conversationID string) ([]model.Message, error)
}

// IdentityResolver resolves display metadata for a user.
type IdentityResolver interface {
	ResolveUserIdentity(ctx context.Context, userID string) (model.Identity, error)
}

// ReadPersister flags unread messages of a conversation as read and returns
// how many messages actually transitioned.
type ReadPersister interface {
	PersistMessagesRead(ctx context.Context, conversationID, readerID string) (int, error)
}

// Recounter recomputes every notification counter for a user.
type Recounter interface {
	RecountNotifications(ctx context.Context, userID string) (model.Counts, error)
}

// DataAccess is the request/response interface to persisted domain records.
type DataAccess interface {
	HistoryLoader
	IdentityResolver
	ReadPersister
	Recounter

	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	InsertMessage(ctx context.Context, msg *model.Message) error
	MarkCategoryViewed(ctx context.Context, userID string, category model.Category) error
}

package model

import (
	"fmt"
	"time"
)

// EntityKind is the kind of entity a channel is scoped to.
type EntityKind string

const (
	EntityConversation      EntityKind = "conversation"
	EntityUserNotifications EntityKind = "user_notifications"
)

// ChannelHandle identifies one open channel.
type ChannelHandle string

// ChannelKey identifies the entity a channel is bound to.
type ChannelKey struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.ID)
}

// SubscriptionStatus is the lifecycle state of a subscription record.
type SubscriptionStatus string

const (
	StatusOpening SubscriptionStatus = "opening"
	StatusActive  SubscriptionStatus = "active"
	StatusClosing SubscriptionStatus = "closing"
	StatusClosed  SubscriptionStatus = "closed"
)

// SubscriptionRecord describes one channel owned by the registry.
type SubscriptionRecord struct {
	Handle   ChannelHandle      `json:"handle"`
	Key      ChannelKey         `json:"key"`
	Status   SubscriptionStatus `json:"status"`
	OpenedAt time.Time          `json:"opened_at"`
}

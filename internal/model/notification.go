package model

import (
	"fmt"
)

// Category is a notification category.
type Category string

const (
	CategoryMatchRequest Category = "match_request"
	CategoryMessage      Category = "message"
	CategoryMarketplace  Category = "marketplace"
)

// Categories lists every known category.
var Categories = []Category{CategoryMatchRequest, CategoryMessage, CategoryMarketplace}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryMatchRequest, CategoryMessage, CategoryMarketplace:
		return c, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// Delta is the effect of a notification event on its category counter.
type Delta string

const (
	DeltaIncrement        Delta = "increment"
	DeltaMarkCategoryRead Delta = "mark_category_read"
)

// NotificationEvent is a transient notification routed to the aggregator.
type NotificationEvent struct {
	ID             string   `json:"id"`
	Category       Category `json:"category"`
	RelatedUserID  string   `json:"related_user_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Delta          Delta    `json:"delta"`
}

// NotificationCounters is a snapshot of the unread counters.
type NotificationCounters struct {
	MatchRequests int `json:"match_requests"`
	Messages      int `json:"messages"`
	Marketplace   int `json:"marketplace"`
	Total         int `json:"total"`
}

// Get returns the counter for a category.
func (c NotificationCounters) Get(cat Category) int {
	switch cat {
	case CategoryMatchRequest:
		return c.MatchRequests
	case CategoryMessage:
		return c.Messages
	case CategoryMarketplace:
		return c.Marketplace
	}
	return 0
}

// Counts is the per-category result of a full recount.
type Counts struct {
	MatchRequests int `json:"match_requests"`
	Messages      int `json:"messages"`
	Marketplace   int `json:"marketplace"`
}

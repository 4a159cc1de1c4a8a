package model

// Toast is a transient notice shown to the user.
type Toast struct {
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	Category       Category `json:"category"`
	ConversationID string   `json:"conversation_id,omitempty"`
	RelatedUserID  string   `json:"related_user_id,omitempty"`
}

// ToastEventType is the lifecycle event emitted by the toast presenter.
type ToastEventType string

const (
	ToastShown     ToastEventType = "shown"
	ToastDismissed ToastEventType = "dismissed"
	ToastTapped    ToastEventType = "tapped"
)

// ToastEvent is emitted to toast observers.
type ToastEvent struct {
	Type  ToastEventType `json:"type"`
	Toast Toast          `json:"toast"`
}

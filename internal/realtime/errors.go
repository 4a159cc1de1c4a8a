package realtime

import "errors"

var (
	// ErrChannelOpenFailed is returned when the event source cannot open a
	// channel. No subscription record is retained.
	ErrChannelOpenFailed = errors.New("channel open failed")

	// ErrHistoryLoadFailed is returned when a conversation history load fails.
	// The conversation stays in Loading until the caller retries.
	ErrHistoryLoadFailed = errors.New("history load failed")

	// ErrIdentityResolutionFailed marks a sender lookup failure. The message is
	// still appended with a placeholder identity.
	ErrIdentityResolutionFailed = errors.New("identity resolution failed")

	// ErrPersistenceFailed is returned when mark-read persistence fails.
	// Counters are left untouched.
	ErrPersistenceFailed = errors.New("persistence failed")

	// ErrNotReady is returned for operations on a conversation that has not
	// finished loading.
	ErrNotReady = errors.New("conversation not ready")

	// ErrUnknownConversation is returned when a conversation was not entered.
	ErrUnknownConversation = errors.New("conversation not open")

	// ErrNotParticipant is returned when the local user is not part of the
	// conversation.
	ErrNotParticipant = errors.New("not a conversation participant")

	// ErrUnknownCategory is returned for a notification category the
	// aggregator does not count.
	ErrUnknownCategory = errors.New("unknown notification category")

	// ErrClosed is returned by components that have been shut down.
	ErrClosed = errors.New("realtime component closed")
)

package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pairup-app/realtime-core/internal/model"
)

const (
	// StreamName is the name of the realtime events stream.
	StreamName = "REALTIME"

	// SubjectPrefix is the prefix for all realtime subjects.
	SubjectPrefix = "rt"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the realtime stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Chat messages and user notification events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Subject returns the subject for a channel key.
func Subject(key model.ChannelKey) (string, error) {
	if key.ID == "" || strings.ContainsAny(key.ID, ".*> ") {
		return "", fmt.Errorf("invalid channel id %q", key.ID)
	}
	switch key.Kind {
	case model.EntityConversation:
		return fmt.Sprintf("%s.conv.%s", SubjectPrefix, key.ID), nil
	case model.EntityUserNotifications:
		return fmt.Sprintf("%s.user.%s", SubjectPrefix, key.ID), nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", key.Kind)
	}
}

// MsgID returns the JetStream message id of an event published on subject.
// One event goes out on several subjects, and the stream deduplicates by
// message id across all of them, so the subject is part of the id.
func MsgID(subject, eventID string) string {
	return subject + ":" + eventID
}

// EventID recovers the event id from a message id built by MsgID.
func EventID(subject, msgID string) string {
	return strings.TrimPrefix(msgID, subject+":")
}

// Publish publishes an event on the channel for key. A repeated publish of
// the same event on the same channel is dropped server side.
func (m *StreamManager) Publish(ctx context.Context, key model.ChannelKey, event model.RawEvent) (uint64, error) {
	subject, err := Subject(key)
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(MsgID(subject, event.ID)))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	return ack.Sequence, nil
}

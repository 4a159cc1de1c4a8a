package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

// EventSource opens one core NATS subscription per channel. Each async
// subscription has its own delivery goroutine, so events of one channel reach
// the handler in arrival order.
type EventSource struct {
	client *Client
	logger *logger.Logger
}

// NewEventSource creates an event source on top of a connected client.
func NewEventSource(client *Client, log *logger.Logger) *EventSource {
	return &EventSource{
		client: client,
		logger: log.Component("event_source"),
	}
}

// Subscribe opens the channel for key and returns its teardown function.
func (s *EventSource) Subscribe(ctx context.Context, key model.ChannelKey, handler func(model.RawEvent)) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subject, err := Subject(key)
	if err != nil {
		return nil, err
	}

	log := s.logger.ForChannel(string(key.Kind), key.ID)
	sub, err := s.client.Conn().Subscribe(subject, func(m *nats.Msg) {
		var event model.RawEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			metrics.RecordEvent(string(key.Kind), "malformed")
			log.Warn("dropping malformed event", zap.Error(err))
			return
		}
		if event.ID == "" {
			event.ID = EventID(m.Subject, m.Header.Get(nats.MsgIdHdr))
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	// Round trip so the server has registered interest before we report the
	// channel as open.
	if err := s.client.Conn().FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to confirm subscription to %s: %w", subject, err)
	}

	return func() error {
		err := sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil
		}
		return err
	}, nil
}

// Publisher publishes realtime events through the JetStream stream.
type Publisher struct {
	streams *StreamManager
}

// NewPublisher creates a publisher backed by the stream manager.
func NewPublisher(streams *StreamManager) *Publisher {
	return &Publisher{streams: streams}
}

// Publish publishes event on the channel for key.
func (p *Publisher) Publish(ctx context.Context, key model.ChannelKey, event model.RawEvent) error {
	_, err := p.streams.Publish(ctx, key, event)
	return err
}

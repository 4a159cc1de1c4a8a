package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

const toastBodyLimit = 80

// ToastRequester shows a transient notice.
type ToastRequester interface {
	Show(toast model.Toast)
}

// ReadStateTracker turns message arrivals into unread increments and
// mark-read actions into decrements by the confirmed transitioned count.
type ReadStateTracker struct {
	userID     string
	persister  ReadPersister
	aggregator *Aggregator
	toasts     ToastRequester
	logger     *logger.Logger

	mu     sync.Mutex
	unread map[string]int
}

// NewReadStateTracker creates a tracker for userID.
func NewReadStateTracker(userID string, persister ReadPersister, aggregator *Aggregator, toasts ToastRequester, log *logger.Logger) *ReadStateTracker {
	return &ReadStateTracker{
		userID:     userID,
		persister:  persister,
		aggregator: aggregator,
		toasts:     toasts,
		logger:     log.Component("read_state").ForUser(userID),
		unread:     make(map[string]int),
	}
}

// MessageArrived records an unread message appended to an open conversation.
func (t *ReadStateTracker) MessageArrived(ctx context.Context, msg model.AppendedMessage) {
	if msg.Message.SenderID == t.userID {
		return
	}
	t.notify(model.NotificationEvent{
		ID:             msg.Message.ID,
		Category:       model.CategoryMessage,
		RelatedUserID:  msg.Message.SenderID,
		ConversationID: msg.Message.ConversationID,
		Delta:          model.DeltaIncrement,
	}, model.Toast{
		Title:          msg.Sender.Name,
		Body:           truncate(msg.Message.Text, toastBodyLimit),
		Category:       model.CategoryMessage,
		ConversationID: msg.Message.ConversationID,
		RelatedUserID:  msg.Message.SenderID,
	})
}

// MessageNotified records a new-message notification that arrived on the
// user channel. The same message seen on its conversation channel counts once.
func (t *ReadStateTracker) MessageNotified(ctx context.Context, event model.NotificationEvent, toast model.Toast) {
	if event.RelatedUserID == t.userID {
		return
	}
	t.notify(event, toast)
}

func (t *ReadStateTracker) notify(event model.NotificationEvent, toast model.Toast) {
	applied, err := t.aggregator.Apply(event)
	if err != nil {
		t.logger.Warn("failed to count message", zap.String("message_id", event.ID), zap.Error(err))
		return
	}
	if !applied {
		return
	}

	if event.ConversationID != "" {
		t.mu.Lock()
		t.unread[event.ConversationID]++
		t.mu.Unlock()
	}

	if t.toasts != nil {
		t.toasts.Show(toast)
	}
}

// MarkConversationRead persists the read flags of conversationID and lowers
// the message counter by the number of messages the store actually
// transitioned. A message that arrives meanwhile stays counted. If
// persistence fails nothing is decremented.
func (t *ReadStateTracker) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	start := time.Now()
	transitioned, err := t.persister.PersistMessagesRead(ctx, conversationID, t.userID)
	metrics.RecordDataAccess("persist_messages_read", err, time.Since(start).Seconds())
	if err != nil {
		t.logger.Warn("mark read failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return 0, fmt.Errorf("%w: %s: %w", ErrPersistenceFailed, conversationID, err)
	}
	if transitioned <= 0 {
		return 0, nil
	}

	removed, err := t.aggregator.Decrement(model.CategoryMessage, transitioned)
	if err != nil {
		return transitioned, err
	}
	if removed < transitioned {
		t.logger.Debug("message counter lower than transitioned count",
			zap.String("conversation_id", conversationID),
			zap.Int("transitioned", transitioned),
			zap.Int("removed", removed),
		)
	}

	t.mu.Lock()
	if left := t.unread[conversationID] - transitioned; left > 0 {
		t.unread[conversationID] = left
	} else {
		delete(t.unread, conversationID)
	}
	t.mu.Unlock()

	return transitioned, nil
}

// Unread returns the unread count observed for conversationID in this session.
func (t *ReadStateTracker) Unread(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread[conversationID]
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

// HubConfig configures a Hub.
type HubConfig struct {
	UserID          string
	Data            DataAccess
	Source          EventSource
	Publisher       Publisher
	ToastDuration   time.Duration
	DedupWindow     int
	StreamBuffer    int
	DebugInvariants bool
	ToastOptions    []ToastOption
}

// Hub wires the realtime components for one signed-in user: the per-user
// notification channel, one reconciler per open conversation, the counters,
// read state and toast.
type Hub struct {
	userID       string
	data         DataAccess
	publisher    Publisher
	registry     *Registry
	scope        *Scope
	aggregator   *Aggregator
	toasts       *ToastPresenter
	tracker      *ReadStateTracker
	streamBuffer int
	logger       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// enterMu serializes EnterConversation so one reconciler is bound per
	// conversation channel.
	enterMu sync.Mutex

	// shared is the viewer of request/response callers that have no
	// connection of their own.
	shared *Viewer

	mu            sync.Mutex
	self          model.Identity
	conversations map[string]*openConversation
	closed        bool
}

type openConversation struct {
	reconciler *Reconciler
	handle     model.ChannelHandle
	refs       int
}

// NewHub creates a hub. Start opens the user channel.
func NewHub(cfg HubConfig, log *logger.Logger) (*Hub, error) {
	log = log.ForUser(cfg.UserID)

	aggregator, err := NewAggregator(AggregatorConfig{
		UserID:          cfg.UserID,
		Recounter:       cfg.Data,
		DedupWindow:     cfg.DedupWindow,
		StreamBuffer:    cfg.StreamBuffer,
		DebugInvariants: cfg.DebugInvariants,
	}, log)
	if err != nil {
		return nil, err
	}

	toastOpts := append([]ToastOption{WithToastBuffer(cfg.StreamBuffer)}, cfg.ToastOptions...)
	toasts := NewToastPresenter(cfg.ToastDuration, log, toastOpts...)
	registry := NewRegistry(cfg.Source, log)

	ctx, cancel := context.WithCancel(context.Background())

	hub := &Hub{
		userID:        cfg.UserID,
		data:          cfg.Data,
		publisher:     cfg.Publisher,
		registry:      registry,
		scope:         registry.NewScope(),
		aggregator:    aggregator,
		toasts:        toasts,
		tracker:       NewReadStateTracker(cfg.UserID, cfg.Data, aggregator, toasts, log),
		streamBuffer:  cfg.StreamBuffer,
		logger:        log.Component("hub"),
		ctx:           ctx,
		cancel:        cancel,
		self:          model.UnknownIdentity(cfg.UserID),
		conversations: make(map[string]*openConversation),
	}
	hub.shared = hub.NewViewer()
	return hub, nil
}

// Start resolves the local identity, opens the user notification channel and
// loads the initial counters.
func (h *Hub) Start(ctx context.Context) error {
	if identity, err := h.data.ResolveUserIdentity(ctx, h.userID); err == nil {
		h.mu.Lock()
		h.self = identity
		h.mu.Unlock()
	} else {
		h.logger.Warn("failed to resolve own identity", zap.Error(err))
	}

	key := model.ChannelKey{Kind: model.EntityUserNotifications, ID: h.userID}
	if _, err := h.scope.Open(ctx, key, h.handleNotification); err != nil {
		return err
	}

	if err := h.aggregator.Refresh(ctx); err != nil {
		h.logger.Warn("initial counter refresh failed", zap.Error(err))
	}

	h.logger.Info("session started")
	return nil
}

// UserID returns the user this hub belongs to.
func (h *Hub) UserID() string {
	return h.userID
}

// Registry returns the hub's subscription registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Aggregator returns the hub's counters.
func (h *Hub) Aggregator() *Aggregator {
	return h.aggregator
}

// Toasts returns the hub's toast presenter.
func (h *Hub) Toasts() *ToastPresenter {
	return h.toasts
}

// Shared returns the viewer used by callers without a connection of their
// own. Its conversations stay open until they are left or the hub closes.
func (h *Hub) Shared() *Viewer {
	return h.shared
}

// ReadState returns the hub's read-state tracker.
func (h *Hub) ReadState() *ReadStateTracker {
	return h.tracker
}

func (h *Hub) handleNotification(event model.RawEvent) {
	ctx := h.ctx

	switch event.Type {
	case model.EventTypeMessage:
		msg, err := event.DecodeMessage()
		if err != nil {
			metrics.RecordEvent(string(model.EntityUserNotifications), "malformed")
			h.logger.Warn("dropping undecodable message notification", zap.Error(err))
			return
		}
		sender := h.identity(ctx, msg.SenderID)
		h.tracker.MessageNotified(ctx, model.NotificationEvent{
			ID:             msg.ID,
			Category:       model.CategoryMessage,
			RelatedUserID:  msg.SenderID,
			ConversationID: msg.ConversationID,
			Delta:          model.DeltaIncrement,
		}, model.Toast{
			Title:          sender.Name,
			Body:           truncate(msg.Text, toastBodyLimit),
			Category:       model.CategoryMessage,
			ConversationID: msg.ConversationID,
			RelatedUserID:  msg.SenderID,
		})

	case model.EventTypeMatchRequest:
		h.count(ctx, event, model.CategoryMatchRequest, "New match request", "wants to connect with you")

	case model.EventTypeMarketplace:
		h.count(ctx, event, model.CategoryMarketplace, "Marketplace", "You have a new marketplace notification")

	case model.EventTypeMatchRequestStatus:
		// Approval and expiry look the same from here; recount.
		if err := h.aggregator.Refresh(ctx); err != nil {
			h.logger.Warn("counter refresh failed", zap.Error(err))
		}

	case model.EventTypeCategoryRead:
		if _, err := h.aggregator.Apply(model.NotificationEvent{
			ID:       event.ID,
			Category: event.Category,
			Delta:    model.DeltaMarkCategoryRead,
		}); err != nil {
			h.logger.Warn("failed to apply category read", zap.Error(err))
		}

	default:
		metrics.RecordEvent(string(model.EntityUserNotifications), "ignored")
		return
	}

	metrics.RecordEvent(string(model.EntityUserNotifications), "handled")
}

func (h *Hub) count(ctx context.Context, event model.RawEvent, category model.Category, title, body string) {
	applied, err := h.aggregator.Apply(model.NotificationEvent{
		ID:            event.ID,
		Category:      category,
		RelatedUserID: event.RelatedUserID,
		Delta:         model.DeltaIncrement,
	})
	if err != nil {
		h.logger.Warn("failed to count notification", zap.String("category", string(category)), zap.Error(err))
		return
	}
	if !applied {
		return
	}

	if category == model.CategoryMatchRequest && event.RelatedUserID != "" {
		body = h.identity(ctx, event.RelatedUserID).Name + " " + body
	}
	h.toasts.Show(model.Toast{
		Title:         title,
		Body:          body,
		Category:      category,
		RelatedUserID: event.RelatedUserID,
	})
}

func (h *Hub) identity(ctx context.Context, userID string) model.Identity {
	h.mu.Lock()
	self := h.self
	h.mu.Unlock()
	if userID == self.UserID {
		return self
	}
	identity, err := h.data.ResolveUserIdentity(ctx, userID)
	if err != nil {
		h.logger.Debug("using placeholder identity", zap.String("related_user_id", userID), zap.Error(err))
		return model.UnknownIdentity(userID)
	}
	return identity
}

// EnterConversation opens the conversation channel and loads its history.
// Every call that returns a reconciler, including one whose history load
// failed, holds a reference that LeaveConversation releases. Entering an open
// conversation reuses it and retries a failed load.
func (h *Hub) EnterConversation(ctx context.Context, conversationID string) (*Reconciler, model.ChannelHandle, error) {
	return h.enter(ctx, conversationID, true)
}

// enter binds the conversation. With acquire false an already open
// conversation is reused without taking another reference.
func (h *Hub) enter(ctx context.Context, conversationID string, acquire bool) (*Reconciler, model.ChannelHandle, error) {
	h.enterMu.Lock()
	defer h.enterMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, "", ErrClosed
	}
	oc, ok := h.conversations[conversationID]
	if ok && acquire {
		oc.refs++
	}
	self := h.self
	h.mu.Unlock()

	if ok {
		if state, _ := oc.reconciler.State(); state != StateReady {
			return oc.reconciler, oc.handle, oc.reconciler.Load(ctx)
		}
		return oc.reconciler, oc.handle, nil
	}

	conv, err := h.data.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get conversation: %w", err)
	}
	if !conv.Has(h.userID) {
		return nil, "", ErrNotParticipant
	}

	var other *model.Identity
	otherID := conv.OtherParticipant(h.userID)
	if identity, err := h.data.ResolveUserIdentity(ctx, otherID); err == nil {
		other = &identity
	}

	reconciler := NewReconciler(ReconcilerConfig{
		ConversationID: conversationID,
		Self:           self,
		Other:          other,
		History:        h.data,
		Identities:     h.data,
		Signals:        h.tracker,
		StreamBuffer:   h.streamBuffer,
	}, h.logger)

	key := model.ChannelKey{Kind: model.EntityConversation, ID: conversationID}
	handle, err := h.scope.Open(ctx, key, func(event model.RawEvent) {
		reconciler.Handle(h.ctx, event)
	})
	if err != nil {
		reconciler.Close()
		return nil, "", err
	}

	h.mu.Lock()
	if h.closed {
		// Close ran while the channel was opening and did not see it.
		h.mu.Unlock()
		if err := h.scope.Close(handle); err != nil {
			h.logger.Warn("failed to close channel opened during shutdown", zap.Error(err))
		}
		reconciler.Close()
		return nil, "", ErrClosed
	}
	h.conversations[conversationID] = &openConversation{reconciler: reconciler, handle: handle, refs: 1}
	h.mu.Unlock()

	return reconciler, handle, reconciler.Load(ctx)
}

// LeaveConversation releases one reference taken by EnterConversation. The
// last release closes the conversation channel. Leaving a conversation that
// is not open is a no-op.
func (h *Hub) LeaveConversation(conversationID string) error {
	h.mu.Lock()
	oc, ok := h.conversations[conversationID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	oc.refs--
	if oc.refs > 0 {
		h.mu.Unlock()
		return nil
	}
	delete(h.conversations, conversationID)
	h.mu.Unlock()

	err := h.scope.Close(oc.handle)
	oc.reconciler.Close()
	return err
}

// Refs returns how many references hold conversationID open.
func (h *Hub) Refs(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if oc, ok := h.conversations[conversationID]; ok {
		return oc.refs
	}
	return 0
}

// Conversation returns the reconciler of an open conversation.
func (h *Hub) Conversation(conversationID string) (*Reconciler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oc, ok := h.conversations[conversationID]
	if !ok {
		return nil, false
	}
	return oc.reconciler, true
}

// SendMessage persists and publishes a message. It is not appended locally;
// it shows up once it arrives back through the conversation channel.
func (h *Hub) SendMessage(ctx context.Context, conversationID, text string) (*model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("message text cannot be empty")
	}

	conv, err := h.data.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if !conv.Has(h.userID) {
		return nil, ErrNotParticipant
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		SenderID:       h.userID,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.data.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	event, err := model.NewMessageEvent(msg)
	if err != nil {
		return nil, err
	}
	if err := h.publisher.Publish(ctx, model.ChannelKey{Kind: model.EntityConversation, ID: conversationID}, event); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	recipient := model.ChannelKey{Kind: model.EntityUserNotifications, ID: conv.OtherParticipant(h.userID)}
	if err := h.publisher.Publish(ctx, recipient, event); err != nil {
		// The message is delivered on the conversation channel and counted on
		// the recipient's next recount.
		h.logger.Warn("failed to publish message notification", zap.String("message_id", msg.ID), zap.Error(err))
	}

	return msg, nil
}

// MarkConversationRead marks the conversation read and returns how many
// messages transitioned.
func (h *Hub) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	transitioned, err := h.tracker.MarkConversationRead(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if reconciler, ok := h.Conversation(conversationID); ok {
		reconciler.ApplyRead(time.Now().UTC())
	}
	return transitioned, nil
}

// MarkCategoryViewed persists the viewed state of category and clears its
// counter. If persistence fails the counter is left unchanged.
func (h *Hub) MarkCategoryViewed(ctx context.Context, category model.Category) (int, error) {
	if err := validCategory(category); err != nil {
		return 0, err
	}
	if err := h.data.MarkCategoryViewed(ctx, h.userID, category); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrPersistenceFailed, category, err)
	}
	return h.aggregator.MarkCategoryViewed(category)
}

// RefreshCounters recounts the counters from the data-access layer.
func (h *Hub) RefreshCounters(ctx context.Context) error {
	return h.aggregator.Refresh(ctx)
}

// Resync catches up after the event transport reconnects. Events published
// while it was down are never delivered, so every open conversation replays
// its persisted history through the event path, where seen messages are
// skipped, and the counters are recounted afterwards.
func (h *Hub) Resync(ctx context.Context) error {
	h.mu.Lock()
	reconcilers := make([]*Reconciler, 0, len(h.conversations))
	for _, oc := range h.conversations {
		reconcilers = append(reconcilers, oc.reconciler)
	}
	h.mu.Unlock()

	var errs []error
	for _, reconciler := range reconcilers {
		if err := h.replay(ctx, reconciler); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.aggregator.Refresh(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Hub) replay(ctx context.Context, reconciler *Reconciler) error {
	if state, _ := reconciler.State(); state != StateReady {
		return reconciler.Load(ctx)
	}

	history, err := h.data.LoadHistory(ctx, reconciler.ConversationID())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrHistoryLoadFailed, reconciler.ConversationID(), err)
	}
	replayed := 0
	for i := range history {
		if reconciler.Seen(history[i].ID) {
			continue
		}
		event, err := model.NewMessageEvent(&history[i])
		if err != nil {
			return err
		}
		reconciler.Handle(ctx, event)
		replayed++
	}
	if replayed > 0 {
		h.logger.Info("replayed missed messages",
			zap.String("conversation_id", reconciler.ConversationID()),
			zap.Int("messages", replayed),
		)
	}
	return nil
}

// Close closes every channel the hub opened and stops its components.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conversations := h.conversations
	h.conversations = make(map[string]*openConversation)
	h.mu.Unlock()

	h.cancel()
	h.shared.Close()
	err := h.scope.CloseAll()
	for _, oc := range conversations {
		oc.reconciler.Close()
	}
	h.toasts.Close()
	h.aggregator.Close()

	h.logger.Info("session closed")
	return err
}

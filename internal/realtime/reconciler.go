package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

// ReconcilerState is the load state of a conversation.
type ReconcilerState string

const (
	StateEmpty   ReconcilerState = "empty"
	StateLoading ReconcilerState = "loading"
	StateReady   ReconcilerState = "ready"
)

// MessageSignals receives messages appended from other users.
type MessageSignals interface {
	MessageArrived(ctx context.Context, msg model.AppendedMessage)
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	ConversationID string
	Self           model.Identity
	// Other is the other participant, if already known.
	Other        *model.Identity
	History      HistoryLoader
	Identities   IdentityResolver
	Signals      MessageSignals
	StreamBuffer int
}

// Reconciler owns the seen-id set and ordered message sequence of one
// conversation. Raw message events are deduplicated by id before they are
// appended, so redelivery and the echo of locally sent messages never produce
// a second copy.
type Reconciler struct {
	conversationID string
	self           model.Identity
	history        HistoryLoader
	identities     IdentityResolver
	signals        MessageSignals
	logger         *logger.Logger
	appended       *broadcaster[model.AppendedMessage]

	mu       sync.Mutex
	state    ReconcilerState
	loadErr  error
	known    map[string]model.Identity
	seen     mapset.Set[string]
	sequence []model.AppendedMessage
	pending  []model.RawEvent
}

// NewReconciler creates a reconciler in the Empty state.
func NewReconciler(cfg ReconcilerConfig, log *logger.Logger) *Reconciler {
	known := map[string]model.Identity{cfg.Self.UserID: cfg.Self}
	if cfg.Other != nil && cfg.Other.UserID != "" {
		known[cfg.Other.UserID] = *cfg.Other
	}
	return &Reconciler{
		conversationID: cfg.ConversationID,
		self:           cfg.Self,
		history:        cfg.History,
		identities:     cfg.Identities,
		signals:        cfg.Signals,
		logger:         log.Component("reconciler").ForConversation(cfg.ConversationID),
		appended:       newBroadcaster[model.AppendedMessage]("messages", cfg.StreamBuffer, false),
		state:          StateEmpty,
		known:          known,
		seen:           mapset.NewThreadUnsafeSet[string](),
	}
}

// ConversationID returns the conversation this reconciler owns.
func (r *Reconciler) ConversationID() string {
	return r.conversationID
}

// Load (re)loads the conversation history. On success the seen-id set is
// rebuilt from the history, events buffered during the load are applied, and
// the state becomes Ready. On failure the state stays Loading and the error is
// kept until the next attempt.
func (r *Reconciler) Load(ctx context.Context) error {
	r.mu.Lock()
	r.state = StateLoading
	r.loadErr = nil
	r.mu.Unlock()

	start := time.Now()
	history, err := r.history.LoadHistory(ctx, r.conversationID)
	metrics.RecordDataAccess("load_history", err, time.Since(start).Seconds())
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrHistoryLoadFailed, r.conversationID, err)
		r.mu.Lock()
		r.loadErr = err
		r.mu.Unlock()
		r.logger.Warn("history load failed", zap.Error(err))
		return err
	}

	senders := make(map[string]model.Identity)
	for _, msg := range history {
		if _, ok := senders[msg.SenderID]; ok {
			continue
		}
		senders[msg.SenderID] = r.identityFor(ctx, msg.SenderID)
	}

	r.mu.Lock()
	r.seen.Clear()
	r.sequence = make([]model.AppendedMessage, 0, len(history))
	for _, msg := range history {
		if !r.seen.Add(msg.ID) {
			continue
		}
		r.sequence = append(r.sequence, r.wrap(msg, senders[msg.SenderID]))
	}
	r.mu.Unlock()

	// Apply what arrived while loading, in arrival order, before any new
	// event may take the fast path.
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.state = StateReady
			r.mu.Unlock()
			break
		}
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()

		for _, event := range batch {
			r.apply(ctx, event)
		}
	}

	r.logger.Debug("history loaded", zap.Int("messages", len(history)))
	return nil
}

// Handle processes one raw event from the conversation channel.
func (r *Reconciler) Handle(ctx context.Context, event model.RawEvent) {
	if event.Type != model.EventTypeMessage {
		metrics.RecordEvent(string(model.EntityConversation), "ignored")
		return
	}

	r.mu.Lock()
	if r.state != StateReady {
		r.pending = append(r.pending, event)
		r.mu.Unlock()
		metrics.RecordEvent(string(model.EntityConversation), "buffered")
		return
	}
	r.mu.Unlock()

	r.apply(ctx, event)
}

func (r *Reconciler) apply(ctx context.Context, event model.RawEvent) {
	msg, err := event.DecodeMessage()
	if err != nil {
		metrics.RecordEvent(string(model.EntityConversation), "malformed")
		r.logger.Warn("dropping undecodable message event", zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	if msg.ConversationID != r.conversationID {
		metrics.RecordEvent(string(model.EntityConversation), "foreign")
		return
	}

	r.mu.Lock()
	if r.seen.Contains(msg.ID) {
		r.mu.Unlock()
		metrics.RecordEvent(string(model.EntityConversation), "duplicate")
		return
	}
	sender, ok := r.known[msg.SenderID]
	r.mu.Unlock()

	if !ok {
		sender = r.identityFor(ctx, msg.SenderID)
	}

	r.mu.Lock()
	// A reload may have inserted the id while the lookup was in flight.
	if !r.seen.Add(msg.ID) {
		r.mu.Unlock()
		metrics.RecordEvent(string(model.EntityConversation), "duplicate")
		return
	}
	appended := r.wrap(msg, sender)
	r.sequence = append(r.sequence, appended)
	r.mu.Unlock()

	metrics.RecordEvent(string(model.EntityConversation), "appended")
	r.appended.Publish(appended)

	if !appended.Self && r.signals != nil {
		r.signals.MessageArrived(ctx, appended)
	}
}

func (r *Reconciler) wrap(msg model.Message, sender model.Identity) model.AppendedMessage {
	return model.AppendedMessage{
		Message: msg,
		Sender:  sender,
		Self:    msg.SenderID == r.self.UserID,
	}
}

// identityFor prefers identities already known to the conversation and only
// then asks the resolver. A failed lookup yields a placeholder.
func (r *Reconciler) identityFor(ctx context.Context, userID string) model.Identity {
	r.mu.Lock()
	identity, ok := r.known[userID]
	r.mu.Unlock()
	if ok {
		return identity
	}

	if r.identities == nil {
		return model.UnknownIdentity(userID)
	}

	start := time.Now()
	identity, err := r.identities.ResolveUserIdentity(ctx, userID)
	metrics.RecordDataAccess("resolve_identity", err, time.Since(start).Seconds())
	if err != nil {
		r.logger.Warn("using placeholder identity",
			zap.String("sender_id", userID),
			zap.Error(fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, err)),
		)
		return model.UnknownIdentity(userID)
	}

	r.mu.Lock()
	r.known[userID] = identity
	r.mu.Unlock()
	return identity
}

// ApplyRead marks the local copies of other users' unread messages as read.
// It returns how many local messages changed.
func (r *Reconciler) ApplyRead(readAt time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for i := range r.sequence {
		m := &r.sequence[i]
		if m.Self || m.Message.ReadAt != nil {
			continue
		}
		at := readAt
		m.Message.ReadAt = &at
		changed++
	}
	return changed
}

// State returns the load state and the last load error, if any.
func (r *Reconciler) State() (ReconcilerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.loadErr
}

// Messages returns a copy of the ordered message sequence.
func (r *Reconciler) Messages() []model.AppendedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AppendedMessage, len(r.sequence))
	copy(out, r.sequence)
	return out
}

// Seen reports whether id has been appended.
func (r *Reconciler) Seen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen.Contains(id)
}

// SeenCount returns the size of the seen-id set.
func (r *Reconciler) SeenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen.Cardinality()
}

// Subscribe streams every message appended after the call.
func (r *Reconciler) Subscribe() (<-chan model.AppendedMessage, func()) {
	return r.appended.Subscribe()
}

// Close releases observers.
func (r *Reconciler) Close() {
	r.appended.Close()
}

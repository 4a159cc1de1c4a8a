package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

// Registry owns every open channel and enforces at most one active channel
// per (kind, id).
type Registry struct {
	source EventSource
	logger *logger.Logger
	group  singleflight.Group

	mu       sync.Mutex
	byKey    map[model.ChannelKey]*subscription
	byHandle map[model.ChannelHandle]*subscription

	newHandle func() model.ChannelHandle
}

type subscription struct {
	record      model.SubscriptionRecord // guarded by Registry.mu
	handler     func(model.RawEvent)
	unsubscribe func() error

	// deliverMu serializes delivery with Close so no handler call starts
	// after Close returns.
	deliverMu sync.Mutex
	closed    atomic.Bool
}

func (s *subscription) deliver(event model.RawEvent) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		metrics.RecordEvent(string(s.record.Key.Kind), "after_close")
		return
	}
	s.handler(event)
}

// NewRegistry creates a registry on top of an event source.
func NewRegistry(source EventSource, log *logger.Logger) *Registry {
	return &Registry{
		source:   source,
		logger:   log.Component("registry"),
		byKey:    make(map[model.ChannelKey]*subscription),
		byHandle: make(map[model.ChannelHandle]*subscription),
		newHandle: func() model.ChannelHandle {
			return model.ChannelHandle(uuid.Must(uuid.NewV7()).String())
		},
	}
}

// Open returns the handle of the active channel for key, opening one if
// needed. Concurrent calls for the same key share one underlying channel and
// receive the same handle; only the first caller's handler is bound.
//
// Handlers must not Close their own channel synchronously.
func (r *Registry) Open(ctx context.Context, key model.ChannelKey, handler func(model.RawEvent)) (model.ChannelHandle, error) {
	if handle, ok := r.activeHandle(key); ok {
		return handle, nil
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		if handle, ok := r.activeHandle(key); ok {
			return handle, nil
		}
		return r.open(ctx, key, handler)
	})
	if err != nil {
		return "", err
	}
	return v.(model.ChannelHandle), nil
}

func (r *Registry) open(ctx context.Context, key model.ChannelKey, handler func(model.RawEvent)) (model.ChannelHandle, error) {
	sub := &subscription{
		handler: handler,
		record: model.SubscriptionRecord{
			Handle:   r.newHandle(),
			Key:      key,
			Status:   model.StatusOpening,
			OpenedAt: time.Now(),
		},
	}

	r.mu.Lock()
	r.byKey[key] = sub
	r.byHandle[sub.record.Handle] = sub
	r.mu.Unlock()

	unsubscribe, err := r.source.Subscribe(ctx, key, sub.deliver)
	metrics.RecordChannelOpen(string(key.Kind), err)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		delete(r.byKey, key)
		delete(r.byHandle, sub.record.Handle)
		sub.closed.Store(true)
		r.logger.Warn("channel open failed",
			zap.String("channel", key.String()),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %s: %w", ErrChannelOpenFailed, key, err)
	}

	sub.unsubscribe = unsubscribe
	sub.record.Status = model.StatusActive

	r.logger.Debug("channel opened",
		zap.String("channel", key.String()),
		zap.String("handle", string(sub.record.Handle)),
	)

	return sub.record.Handle, nil
}

func (r *Registry) activeHandle(key model.ChannelKey) (model.ChannelHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byKey[key]
	if !ok || sub.record.Status != model.StatusActive {
		return "", false
	}
	return sub.record.Handle, true
}

// Close tears down the channel behind handle. Unknown, closing and closed
// handles are ignored. If a handler call is in flight, Close waits for it to
// return; no further events are delivered once Close returns.
func (r *Registry) Close(handle model.ChannelHandle) error {
	r.mu.Lock()
	sub, ok := r.byHandle[handle]
	if !ok || sub.record.Status != model.StatusActive {
		r.mu.Unlock()
		return nil
	}
	sub.record.Status = model.StatusClosing
	key := sub.record.Key
	r.mu.Unlock()

	sub.deliverMu.Lock()
	sub.closed.Store(true)
	sub.deliverMu.Unlock()

	err := sub.unsubscribe()

	r.mu.Lock()
	sub.record.Status = model.StatusClosed
	delete(r.byHandle, handle)
	if r.byKey[key] == sub {
		delete(r.byKey, key)
	}
	r.mu.Unlock()

	metrics.RecordChannelClose(string(key.Kind))

	if err != nil {
		r.logger.Warn("channel teardown failed",
			zap.String("channel", key.String()),
			zap.Error(err),
		)
		return fmt.Errorf("failed to tear down channel %s: %w", key, err)
	}

	r.logger.Debug("channel closed", zap.String("channel", key.String()))
	return nil
}

// Status returns the lifecycle state of handle. Handles that are no longer
// tracked report closed.
func (r *Registry) Status(handle model.ChannelHandle) model.SubscriptionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.byHandle[handle]; ok {
		return sub.record.Status
	}
	return model.StatusClosed
}

// Records returns a snapshot of every tracked subscription, oldest first.
func (r *Registry) Records() []model.SubscriptionRecord {
	r.mu.Lock()
	records := make([]model.SubscriptionRecord, 0, len(r.byHandle))
	for _, sub := range r.byHandle {
		records = append(records, sub.record)
	}
	r.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].OpenedAt.Before(records[j].OpenedAt)
	})
	return records
}

// CloseAll closes every active channel.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	handles := make([]model.ChannelHandle, 0, len(r.byHandle))
	for handle := range r.byHandle {
		handles = append(handles, handle)
	}
	r.mu.Unlock()

	var errs []error
	for _, handle := range handles {
		if err := r.Close(handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Scope tracks the channels opened by one consumer, such as a screen, so they
// can be released together when the consumer goes away.
type Scope struct {
	registry *Registry

	mu      sync.Mutex
	handles map[model.ChannelHandle]model.ChannelKey
}

// NewScope creates an empty scope on the registry.
func (r *Registry) NewScope() *Scope {
	return &Scope{
		registry: r,
		handles:  make(map[model.ChannelHandle]model.ChannelKey),
	}
}

// Open opens a channel through the registry and remembers its handle.
func (s *Scope) Open(ctx context.Context, key model.ChannelKey, handler func(model.RawEvent)) (model.ChannelHandle, error) {
	handle, err := s.registry.Open(ctx, key, handler)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.handles[handle] = key
	s.mu.Unlock()
	return handle, nil
}

// Close closes one handle opened through the scope.
func (s *Scope) Close(handle model.ChannelHandle) error {
	s.mu.Lock()
	delete(s.handles, handle)
	s.mu.Unlock()
	return s.registry.Close(handle)
}

// Len returns how many handles the scope still holds.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// CloseAll closes every handle opened through the scope.
func (s *Scope) CloseAll() error {
	s.mu.Lock()
	handles := make([]model.ChannelHandle, 0, len(s.handles))
	for handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[model.ChannelHandle]model.ChannelKey)
	s.mu.Unlock()

	var errs []error
	for _, handle := range handles {
		if err := s.registry.Close(handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

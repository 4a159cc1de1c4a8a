package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/pairup-app/realtime-core/internal/model"
)

// Viewer is one consumer of a hub, such as a websocket connection or an event
// stream. It holds at most one reference per conversation, so entering twice
// is harmless, and Close releases everything it entered. A conversation stays
// open while any viewer holds it.
type Viewer struct {
	hub *Hub

	mu      sync.Mutex
	entered map[string]struct{}
	closed  bool
}

// NewViewer creates a viewer on the hub.
func (h *Hub) NewViewer() *Viewer {
	return &Viewer{
		hub:     h,
		entered: make(map[string]struct{}),
	}
}

// Enter enters conversationID for this viewer. A failed history load still
// holds the conversation; entering again retries the load.
func (v *Viewer) Enter(ctx context.Context, conversationID string) (*Reconciler, model.ChannelHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, "", ErrClosed
	}

	_, held := v.entered[conversationID]
	reconciler, handle, err := v.hub.enter(ctx, conversationID, !held)
	if reconciler != nil {
		v.entered[conversationID] = struct{}{}
	}
	return reconciler, handle, err
}

// Leave releases this viewer's hold on conversationID.
func (v *Viewer) Leave(conversationID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entered[conversationID]; !ok {
		return nil
	}
	delete(v.entered, conversationID)
	return v.hub.LeaveConversation(conversationID)
}

// Holds reports whether the viewer has entered conversationID.
func (v *Viewer) Holds(conversationID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.entered[conversationID]
	return ok
}

// Close leaves every conversation the viewer entered. Later Enter calls fail
// with ErrClosed.
func (v *Viewer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true

	var errs []error
	for conversationID := range v.entered {
		if err := v.hub.LeaveConversation(conversationID); err != nil {
			errs = append(errs, err)
		}
	}
	v.entered = nil
	return errors.Join(errs...)
}

package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pairup-app/realtime-core/internal/model"
)

// fakeSource is an in-memory EventSource. Emit delivers synchronously to the
// handler of the open channel, like a transport callback would.
type fakeSource struct {
	mu            sync.Mutex
	handlers      map[model.ChannelKey]func(model.RawEvent)
	subscribes    int
	unsubscribes  int
	subscribeErr  error
	unsubscribeFn func(model.ChannelKey) error
	// gate, when set, blocks Subscribe until it is closed.
	gate chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[model.ChannelKey]func(model.RawEvent))}
}

func (s *fakeSource) Subscribe(ctx context.Context, key model.ChannelKey, handler func(model.RawEvent)) (func() error, error) {
	s.mu.Lock()
	s.subscribes++
	gate := s.gate
	err := s.subscribeErr
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handlers[key] = handler
	s.mu.Unlock()

	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubscribes++
		delete(s.handlers, key)
		if s.unsubscribeFn != nil {
			return s.unsubscribeFn(key)
		}
		return nil
	}, nil
}

func (s *fakeSource) Emit(key model.ChannelKey, event model.RawEvent) bool {
	s.mu.Lock()
	handler, ok := s.handlers[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	handler(event)
	return true
}

func (s *fakeSource) Subscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

func (s *fakeSource) Unsubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribes
}

func (s *fakeSource) Open(key model.ChannelKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[key]
	return ok
}

// fakePublisher records published events and optionally loops them back into
// a fakeSource.
type fakePublisher struct {
	mu        sync.Mutex
	published []published
	loopback  *fakeSource
	err       error
}

type published struct {
	Key   model.ChannelKey
	Event model.RawEvent
}

func (p *fakePublisher) Publish(ctx context.Context, key model.ChannelKey, event model.RawEvent) error {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return p.err
	}
	p.published = append(p.published, published{Key: key, Event: event})
	loop := p.loopback
	p.mu.Unlock()
	if loop != nil {
		loop.Emit(key, event)
	}
	return nil
}

func (p *fakePublisher) Published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]published, len(p.published))
	copy(out, p.published)
	return out
}

// fakeData is an in-memory DataAccess.
type fakeData struct {
	mu            sync.Mutex
	conversations map[string]model.Conversation
	messages      map[string][]model.Message
	identities    map[string]model.Identity
	counts        model.Counts
	viewed        []model.Category

	historyErr   error
	identityErr  error
	persistErr   error
	recountErr   error
	viewedErr    error
	historyCalls int
	// persistResult overrides the transitioned count when >= 0.
	persistResult int
}

func newFakeData() *fakeData {
	return &fakeData{
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string][]model.Message),
		identities:    make(map[string]model.Identity),
		persistResult: -1,
	}
}

func (d *fakeData) addConversation(id, userA, userB string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations[id] = model.Conversation{ID: id, UserA: userA, UserB: userB}
}

func (d *fakeData) addIdentity(userID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identities[userID] = model.Identity{UserID: userID, Name: name}
}

func (d *fakeData) LoadHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.historyCalls++
	if d.historyErr != nil {
		return nil, d.historyErr
	}
	out := make([]model.Message, len(d.messages[conversationID]))
	copy(out, d.messages[conversationID])
	return out, nil
}

func (d *fakeData) ResolveUserIdentity(ctx context.Context, userID string) (model.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.identityErr != nil {
		return model.Identity{}, d.identityErr
	}
	identity, ok := d.identities[userID]
	if !ok {
		return model.Identity{}, errors.New("no such user")
	}
	return identity, nil
}

func (d *fakeData) PersistMessagesRead(ctx context.Context, conversationID, readerID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.persistErr != nil {
		return 0, d.persistErr
	}
	now := time.Now().UTC()
	n := 0
	msgs := d.messages[conversationID]
	for i := range msgs {
		if msgs[i].SenderID != readerID && msgs[i].ReadAt == nil {
			msgs[i].ReadAt = &now
			n++
		}
	}
	if d.persistResult >= 0 {
		return d.persistResult, nil
	}
	return n, nil
}

func (d *fakeData) RecountNotifications(ctx context.Context, userID string) (model.Counts, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recountErr != nil {
		return model.Counts{}, d.recountErr
	}
	return d.counts, nil
}

func (d *fakeData) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.conversations[conversationID]
	if !ok {
		return nil, errors.New("conversation not found")
	}
	return &conv, nil
}

func (d *fakeData) InsertMessage(ctx context.Context, msg *model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages[msg.ConversationID] = append(d.messages[msg.ConversationID], *msg)
	return nil
}

func (d *fakeData) MarkCategoryViewed(ctx context.Context, userID string, category model.Category) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.viewedErr != nil {
		return d.viewedErr
	}
	d.viewed = append(d.viewed, category)
	return nil
}

// fakeTimer records scheduled callbacks so tests can fire them by hand.
type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Fire runs timer i as if it elapsed, even if it was stopped.
func (c *fakeClock) Fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()
	t.f()
}

func (c *fakeClock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) Timer(i int) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

func messageEvent(id, conversationID, senderID, text string) model.RawEvent {
	event, err := model.NewMessageEvent(&model.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		panic(err)
	}
	return event
}

func conversationKey(id string) model.ChannelKey {
	return model.ChannelKey{Kind: model.EntityConversation, ID: id}
}

func userKey(id string) model.ChannelKey {
	return model.ChannelKey{Kind: model.EntityUserNotifications, ID: id}
}

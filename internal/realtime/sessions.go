package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

// SessionsConfig holds the settings shared by every hub.
type SessionsConfig struct {
	Data            DataAccess
	Source          EventSource
	Publisher       Publisher
	ToastDuration   time.Duration
	DedupWindow     int
	StreamBuffer    int
	DebugInvariants bool

	// IdleTimeout is how long a hub with no holders is kept before it is
	// closed. Zero closes it at the last release.
	IdleTimeout time.Duration
}

// Sessions keeps one started Hub per signed-in user while the user has a
// request, stream or websocket holding it.
type Sessions struct {
	cfg    SessionsConfig
	logger *logger.Logger
	group  singleflight.Group
	now    func() time.Time

	mu     sync.Mutex
	hubs   map[string]*session
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type session struct {
	hub       *Hub
	active    int
	idleSince time.Time
}

// NewSessions creates an empty session manager. With a positive IdleTimeout
// it also starts the goroutine that closes idle hubs; Close stops it.
func NewSessions(cfg SessionsConfig, log *logger.Logger) *Sessions {
	s := &Sessions{
		cfg:    cfg,
		logger: log.Component("sessions"),
		now:    time.Now,
		hubs:   make(map[string]*session),
		stop:   make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.janitor(cfg.IdleTimeout / 2)
	}
	return s
}

// Acquire returns the hub of userID, creating and starting it on first use,
// and holds it until release is called. release is safe to call more than
// once.
func (s *Sessions) Acquire(ctx context.Context, userID string) (*Hub, func(), error) {
	for {
		hub, ok, err := s.hold(userID)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			var once sync.Once
			return hub, func() { once.Do(func() { s.release(userID, hub) }) }, nil
		}

		if _, err, _ := s.group.Do(userID, func() (any, error) {
			return nil, s.start(ctx, userID)
		}); err != nil {
			return nil, nil, err
		}
	}
}

// hold takes a reference on the live hub of userID, if there is one.
func (s *Sessions) hold(userID string) (*Hub, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	sess, ok := s.hubs[userID]
	if !ok {
		return nil, false, nil
	}
	sess.active++
	return sess.hub, true, nil
}

func (s *Sessions) start(ctx context.Context, userID string) error {
	s.mu.Lock()
	_, ok := s.hubs[userID]
	s.mu.Unlock()
	if ok {
		return nil
	}

	hub, err := NewHub(HubConfig{
		UserID:          userID,
		Data:            s.cfg.Data,
		Source:          s.cfg.Source,
		Publisher:       s.cfg.Publisher,
		ToastDuration:   s.cfg.ToastDuration,
		DedupWindow:     s.cfg.DedupWindow,
		StreamBuffer:    s.cfg.StreamBuffer,
		DebugInvariants: s.cfg.DebugInvariants,
	}, s.logger)
	if err != nil {
		return err
	}
	if err := hub.Start(ctx); err != nil {
		hub.Close()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		hub.Close()
		return ErrClosed
	}
	s.hubs[userID] = &session{hub: hub, idleSince: s.now()}
	metrics.SessionsActive.Set(float64(len(s.hubs)))
	return nil
}

func (s *Sessions) release(userID string, hub *Hub) {
	s.mu.Lock()
	sess, ok := s.hubs[userID]
	if !ok || sess.hub != hub {
		// Dropped or replaced while held.
		s.mu.Unlock()
		return
	}
	sess.active--
	if sess.active > 0 {
		s.mu.Unlock()
		return
	}
	sess.idleSince = s.now()
	if s.cfg.IdleTimeout > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.hubs, userID)
	metrics.SessionsActive.Set(float64(len(s.hubs)))
	s.mu.Unlock()

	s.closeHub(userID, hub)
}

func (s *Sessions) janitor(interval time.Duration) {
	defer s.wg.Done()
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep closes the hubs that have had no holders for IdleTimeout and returns
// how many it closed.
func (s *Sessions) sweep(now time.Time) int {
	s.mu.Lock()
	idle := make(map[string]*Hub)
	for userID, sess := range s.hubs {
		if sess.active == 0 && now.Sub(sess.idleSince) >= s.cfg.IdleTimeout {
			idle[userID] = sess.hub
			delete(s.hubs, userID)
		}
	}
	metrics.SessionsActive.Set(float64(len(s.hubs)))
	s.mu.Unlock()

	for userID, hub := range idle {
		s.closeHub(userID, hub)
	}
	return len(idle)
}

func (s *Sessions) closeHub(userID string, hub *Hub) {
	if err := hub.Close(); err != nil {
		s.logger.Warn("session close failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.logger.Debug("idle session closed", zap.String("user_id", userID))
}

// Drop closes and forgets the hub of userID even if it is held. Holders see
// ErrClosed from the hub afterwards.
func (s *Sessions) Drop(userID string) error {
	s.mu.Lock()
	sess, ok := s.hubs[userID]
	delete(s.hubs, userID)
	metrics.SessionsActive.Set(float64(len(s.hubs)))
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.hub.Close()
}

// Len returns the number of live hubs.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hubs)
}

// Active returns how many holders the hub of userID has, or -1 if the user
// has no live hub.
func (s *Sessions) Active(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.hubs[userID]; ok {
		return sess.active
	}
	return -1
}

// Resync resyncs every live hub, typically after the event transport
// reconnects.
func (s *Sessions) Resync(ctx context.Context) error {
	s.mu.Lock()
	hubs := make(map[string]*Hub, len(s.hubs))
	for userID, sess := range s.hubs {
		hubs[userID] = sess.hub
	}
	s.mu.Unlock()

	var errs []error
	for userID, hub := range hubs {
		if err := hub.Resync(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				continue
			}
			s.logger.Warn("session resync failed", zap.String("user_id", userID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every hub and stops the idle janitor. Later calls to Acquire
// fail with ErrClosed.
func (s *Sessions) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hubs := s.hubs
	s.hubs = make(map[string]*session)
	metrics.SessionsActive.Set(0)
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	var errs []error
	for userID, sess := range hubs {
		if err := sess.hub.Close(); err != nil {
			s.logger.Warn("session close failed", zap.String("user_id", userID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

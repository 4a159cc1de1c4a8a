package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

const defaultDedupWindow = 4096

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	UserID    string
	Recounter Recounter
	// DedupWindow is how many recent increment event ids are remembered.
	DedupWindow  int
	StreamBuffer int
	// DebugInvariants panics on counter arithmetic faults instead of clamping.
	DebugInvariants bool
}

// Aggregator owns the notification counters of one user. Every mutation runs
// on a single actor goroutine, so increments, bulk refreshes and mark-viewed
// never interleave, and readers only ever see whole snapshots.
type Aggregator struct {
	userID    string
	recounter Recounter
	debug     bool
	logger    *logger.Logger

	ops     chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	snapshot atomic.Pointer[model.NotificationCounters]
	changes  *broadcaster[model.NotificationCounters]

	// Owned by the actor goroutine.
	counters model.NotificationCounters
	recent   *lru.Cache
}

// NewAggregator creates an aggregator with zeroed counters and starts its
// actor goroutine. Close stops it.
func NewAggregator(cfg AggregatorConfig, log *logger.Logger) (*Aggregator, error) {
	window := cfg.DedupWindow
	if window <= 0 {
		window = defaultDedupWindow
	}
	recent, err := lru.New(window)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup window: %w", err)
	}

	a := &Aggregator{
		userID:    cfg.UserID,
		recounter: cfg.Recounter,
		debug:     cfg.DebugInvariants,
		logger:    log.Component("aggregator").ForUser(cfg.UserID),
		ops:       make(chan func()),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		changes:   newBroadcaster[model.NotificationCounters]("counters", cfg.StreamBuffer, true),
		recent:    recent,
	}
	zero := model.NotificationCounters{}
	a.snapshot.Store(&zero)

	go a.run()
	return a, nil
}

func (a *Aggregator) run() {
	defer close(a.stopped)
	for {
		select {
		case op := <-a.ops:
			op()
		case <-a.done:
			return
		}
	}
}

// exec runs op on the actor goroutine and waits for it to finish.
func (a *Aggregator) exec(op func()) error {
	finished := make(chan struct{})
	select {
	case a.ops <- func() {
		defer close(finished)
		op()
	}:
	case <-a.done:
		return ErrClosed
	}
	<-finished
	return nil
}

// Apply applies one notification event. An increment whose id was already
// counted is ignored and reported as not applied.
func (a *Aggregator) Apply(event model.NotificationEvent) (bool, error) {
	if err := validCategory(event.Category); err != nil {
		return false, err
	}

	var applied bool
	err := a.exec(func() {
		switch event.Delta {
		case model.DeltaMarkCategoryRead:
			applied = a.zero(event.Category) > 0
		default:
			if event.ID != "" {
				if seen, _ := a.recent.ContainsOrAdd(string(event.Category)+":"+event.ID, struct{}{}); seen {
					metrics.RecordEvent(string(event.Category), "duplicate")
					return
				}
			}
			*a.field(event.Category)++
			a.counters.Total++
			applied = true
		}
		a.commit()
	})
	return applied, err
}

// MarkCategoryViewed zeroes category and subtracts its prior value from the
// total. It returns the prior value.
func (a *Aggregator) MarkCategoryViewed(category model.Category) (int, error) {
	if err := validCategory(category); err != nil {
		return 0, err
	}

	var prior int
	err := a.exec(func() {
		prior = a.zero(category)
		a.commit()
	})
	return prior, err
}

// Decrement lowers category by n, clamped at zero, and returns the amount
// actually removed.
func (a *Aggregator) Decrement(category model.Category, n int) (int, error) {
	if err := validCategory(category); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}

	var removed int
	err := a.exec(func() {
		f := a.field(category)
		removed = min(n, *f)
		*f -= removed
		a.counters.Total = max(a.counters.Total-removed, 0)
		a.commit()
	})
	return removed, err
}

// Refresh recounts every category from the data-access layer and replaces the
// counters as one unit.
func (a *Aggregator) Refresh(ctx context.Context) error {
	if a.recounter == nil {
		return nil
	}

	start := time.Now()
	counts, err := a.recounter.RecountNotifications(ctx, a.userID)
	metrics.RecordDataAccess("recount_notifications", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to recount notifications: %w", err)
	}

	return a.Replace(counts)
}

// Replace sets all counters from counts in one step.
func (a *Aggregator) Replace(counts model.Counts) error {
	return a.exec(func() {
		a.counters = model.NotificationCounters{
			MatchRequests: max(counts.MatchRequests, 0),
			Messages:      max(counts.Messages, 0),
			Marketplace:   max(counts.Marketplace, 0),
		}
		a.counters.Total = a.counters.MatchRequests + a.counters.Messages + a.counters.Marketplace
		a.commit()
	})
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() model.NotificationCounters {
	return *a.snapshot.Load()
}

// Subscribe streams counter snapshots after every change. A lagging listener
// skips intermediate snapshots but always receives the latest.
func (a *Aggregator) Subscribe() (<-chan model.NotificationCounters, func()) {
	return a.changes.Subscribe()
}

// Close stops the actor and releases observers.
func (a *Aggregator) Close() {
	a.once.Do(func() {
		close(a.done)
		<-a.stopped
		a.changes.Close()
	})
}

// zero runs on the actor goroutine.
func (a *Aggregator) zero(category model.Category) int {
	f := a.field(category)
	prior := *f
	*f = 0
	a.counters.Total = max(a.counters.Total-prior, 0)
	return prior
}

func (a *Aggregator) field(category model.Category) *int {
	switch category {
	case model.CategoryMatchRequest:
		return &a.counters.MatchRequests
	case model.CategoryMessage:
		return &a.counters.Messages
	default:
		return &a.counters.Marketplace
	}
}

// commit checks the counter invariants and publishes the new snapshot when
// it differs from the last one. Runs on the actor goroutine.
func (a *Aggregator) commit() {
	c := &a.counters
	sum := c.MatchRequests + c.Messages + c.Marketplace
	if c.MatchRequests < 0 || c.Messages < 0 || c.Marketplace < 0 || c.Total != sum {
		metrics.CounterInvariantViolations.Inc()
		if a.debug {
			panic(fmt.Sprintf("notification counters invariant violated: %+v", *c))
		}
		a.logger.Error("clamping notification counters", zap.Any("counters", *c))
		c.MatchRequests = max(c.MatchRequests, 0)
		c.Messages = max(c.Messages, 0)
		c.Marketplace = max(c.Marketplace, 0)
		c.Total = c.MatchRequests + c.Messages + c.Marketplace
	}

	if *a.snapshot.Load() == *c {
		return
	}
	next := *c
	a.snapshot.Store(&next)
	a.changes.Publish(next)
}

func validCategory(category model.Category) error {
	if _, err := model.ParseCategory(string(category)); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return nil
}

package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

// DefaultToastDuration is how long a toast stays visible.
const DefaultToastDuration = 4 * time.Second

// Timer is the subset of *time.Timer the presenter needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// ToastOption configures a ToastPresenter.
type ToastOption func(*ToastPresenter)

// WithAfterFunc replaces the timer source.
func WithAfterFunc(fn AfterFunc) ToastOption {
	return func(p *ToastPresenter) {
		p.afterFunc = fn
	}
}

// WithToastBuffer sets the per-observer buffer size.
func WithToastBuffer(n int) ToastOption {
	return func(p *ToastPresenter) {
		p.bufSize = n
	}
}

// ToastPresenter shows at most one toast at a time. A new toast replaces the
// visible one and restarts the auto-dismiss countdown. There is no queue.
type ToastPresenter struct {
	duration  time.Duration
	afterFunc AfterFunc
	bufSize   int
	logger    *logger.Logger
	events    *broadcaster[model.ToastEvent]

	mu         sync.Mutex
	current    *model.Toast
	timer      Timer
	generation uint64
}

// NewToastPresenter creates a presenter with a fixed auto-dismiss duration.
func NewToastPresenter(duration time.Duration, log *logger.Logger, opts ...ToastOption) *ToastPresenter {
	if duration <= 0 {
		duration = DefaultToastDuration
	}
	p := &ToastPresenter{
		duration: duration,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		logger: log.Component("toast"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.events = newBroadcaster[model.ToastEvent]("toasts", p.bufSize, false)
	return p
}

// Show displays toast, replacing any visible one.
func (p *ToastPresenter) Show(toast model.Toast) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
		metrics.ToastsTotal.WithLabelValues("replaced").Inc()
	}
	p.generation++
	gen := p.generation
	p.current = &toast
	p.timer = p.afterFunc(p.duration, func() { p.expire(gen) })

	metrics.ToastsTotal.WithLabelValues(string(model.ToastShown)).Inc()
	p.logger.Debug("toast shown", zap.String("category", string(toast.Category)))
	p.events.Publish(model.ToastEvent{Type: model.ToastShown, Toast: toast})
}

// expire runs on the timer goroutine. A stale generation means the toast it
// was scheduled for has already been replaced or dismissed.
func (p *ToastPresenter) expire(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation || p.current == nil {
		return
	}
	p.clear(model.ToastDismissed)
}

// Dismiss hides the visible toast. It reports whether one was visible.
func (p *ToastPresenter) Dismiss() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return false
	}
	p.clear(model.ToastDismissed)
	return true
}

// Tap hides the visible toast and returns it so the caller can navigate to
// its target.
func (p *ToastPresenter) Tap() (model.Toast, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return model.Toast{}, false
	}
	toast := *p.current
	p.clear(model.ToastTapped)
	return toast, true
}

// clear must be called with mu held and a visible toast.
func (p *ToastPresenter) clear(reason model.ToastEventType) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	toast := *p.current
	p.current = nil
	p.generation++

	metrics.ToastsTotal.WithLabelValues(string(reason)).Inc()
	p.events.Publish(model.ToastEvent{Type: reason, Toast: toast})
}

// Current returns the visible toast, if any.
func (p *ToastPresenter) Current() (model.Toast, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return model.Toast{}, false
	}
	return *p.current, true
}

// Subscribe streams toast lifecycle events.
func (p *ToastPresenter) Subscribe() (<-chan model.ToastEvent, func()) {
	return p.events.Subscribe()
}

// Close cancels any pending timer and releases observers.
func (p *ToastPresenter) Close() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.current = nil
	p.generation++
	p.mu.Unlock()
	p.events.Close()
}

package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pairup-app/realtime-core/internal/middleware"
	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/internal/realtime"
	"github.com/pairup-app/realtime-core/pkg/logger"
)

// NotificationHandler handles counter and toast endpoints.
type NotificationHandler struct {
	sessions  SessionProvider
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(sessions SessionProvider, heartbeat time.Duration, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		sessions:  sessions,
		heartbeat: heartbeatInterval(heartbeat),
		logger:    log,
	}
}

// hub acquires the caller's hub. On success the caller must call release.
func (h *NotificationHandler) hub(w http.ResponseWriter, r *http.Request) (*realtime.Hub, func(), bool) {
	hub, release, err := h.sessions.Acquire(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.logger.Error("failed to start session", zap.Error(err))
		writeFailure(w, err, "failed to start session")
		return nil, nil, false
	}
	return hub, release, true
}

// Counters handles GET /api/v1/notifications
func (h *NotificationHandler) Counters(w http.ResponseWriter, r *http.Request) {
	hub, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()
	writeJSON(w, http.StatusOK, hub.Aggregator().Snapshot())
}

// Refresh handles POST /api/v1/notifications/refresh
func (h *NotificationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	hub, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()
	if err := hub.RefreshCounters(r.Context()); err != nil {
		h.logger.Warn("counter refresh failed", zap.Error(err))
		writeFailure(w, err, "failed to refresh counters")
		return
	}
	writeJSON(w, http.StatusOK, hub.Aggregator().Snapshot())
}

// Viewed handles POST /api/v1/notifications/{category}/viewed
func (h *NotificationHandler) Viewed(w http.ResponseWriter, r *http.Request) {
	category, err := model.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hub, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()

	if _, err := hub.MarkCategoryViewed(r.Context(), category); err != nil {
		writeFailure(w, err, "failed to mark category viewed")
		return
	}
	writeJSON(w, http.StatusOK, hub.Aggregator().Snapshot())
}

// Dismiss handles POST /api/v1/toast/dismiss
func (h *NotificationHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	hub, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()
	writeJSON(w, http.StatusOK, map[string]bool{"dismissed": hub.Toasts().Dismiss()})
}

// Tap handles POST /api/v1/toast/tap. The response carries the toast so the
// client can navigate to its target.
func (h *NotificationHandler) Tap(w http.ResponseWriter, r *http.Request) {
	hub, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()
	toast, ok := hub.Toasts().Tap()
	if !ok {
		writeError(w, http.StatusNotFound, "no toast visible")
		return
	}
	writeJSON(w, http.StatusOK, toast)
}

// Stream handles GET /api/v1/notifications/stream. It sends the current
// counters, then every counter change and toast lifecycle event.
func (h *NotificationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	hub, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()
	ctx := r.Context()

	counters, cancelCounters := hub.Aggregator().Subscribe()
	defer cancelCounters()
	toasts, cancelToasts := hub.Toasts().Subscribe()
	defer cancelToasts()

	stream, done, ok := startSSE(w)
	if !ok {
		return
	}
	defer done()

	stream.send("counters", hub.Aggregator().Snapshot())
	if toast, ok := hub.Toasts().Current(); ok {
		stream.send("toast", &model.ToastEvent{Type: model.ToastShown, Toast: toast})
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return

		case c, ok := <-counters:
			if !ok {
				return
			}
			err = stream.send("counters", c)

		case ev, ok := <-toasts:
			if !ok {
				return
			}
			err = stream.send("toast", ev)

		case <-heartbeat.C:
			err = stream.heartbeat()
		}
		if err != nil {
			h.logger.Debug("notification stream ended", zap.Error(err))
			return
		}
	}
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pairup-app/realtime-core/internal/middleware"
	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/internal/realtime"
	"github.com/pairup-app/realtime-core/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	sessions  SessionProvider
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(sessions SessionProvider, heartbeat time.Duration, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions:  sessions,
		heartbeat: heartbeatInterval(heartbeat),
		logger:    log,
	}
}

// hub acquires the caller's hub and resolves the conversation id path
// parameter. It writes the error response itself and reports false on
// failure; on success the caller must call release.
func (h *ConversationHandler) hub(w http.ResponseWriter, r *http.Request) (*realtime.Hub, string, func(), bool) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, "", nil, false
	}

	hub, release, err := h.sessions.Acquire(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.logger.Error("failed to start session", zap.Error(err))
		writeFailure(w, err, "failed to start session")
		return nil, "", nil, false
	}
	return hub, conversationID, release, true
}

// Open handles POST /api/v1/conversations/{id}/open
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	hub, conversationID, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()

	reconciler, handle, err := hub.Shared().Enter(r.Context(), conversationID)
	if err != nil {
		h.logger.Warn("failed to open conversation",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeFailure(w, err, "failed to open conversation")
		return
	}

	state, _ := reconciler.State()
	writeJSON(w, http.StatusOK, &model.OpenConversationResponse{
		Handle:   handle,
		Messages: reconciler.Messages(),
		State:    string(state),
	})
}

// Close handles POST /api/v1/conversations/{id}/close
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	hub, conversationID, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()

	if err := hub.Shared().Leave(conversationID); err != nil {
		h.logger.Warn("failed to close conversation channel",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Messages handles GET /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	hub, conversationID, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()

	reconciler, ok := hub.Conversation(conversationID)
	if !ok {
		writeError(w, http.StatusNotFound, realtime.ErrUnknownConversation.Error())
		return
	}

	state, _ := reconciler.State()
	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		Messages: reconciler.Messages(),
		State:    string(state),
	})
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	hub, conversationID, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := hub.SendMessage(r.Context(), conversationID, req.Text)
	if err != nil {
		h.logger.Error("failed to send message",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeFailure(w, err, "failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{Message: msg})
}

// Read handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) Read(w http.ResponseWriter, r *http.Request) {
	hub, conversationID, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()

	n, err := hub.MarkConversationRead(r.Context(), conversationID)
	if err != nil {
		writeFailure(w, err, "failed to mark conversation read")
		return
	}

	writeJSON(w, http.StatusOK, &model.MarkReadResponse{Transitioned: n})
}

// Stream handles GET /api/v1/conversations/{id}/stream. It holds the
// conversation open for as long as the stream lasts, sends a snapshot of the
// thread and then every appended message.
func (h *ConversationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	hub, conversationID, release, ok := h.hub(w, r)
	if !ok {
		return
	}
	defer release()
	ctx := r.Context()

	viewer := hub.NewViewer()
	defer viewer.Close()

	reconciler, _, err := viewer.Enter(ctx, conversationID)
	if err != nil && !errors.Is(err, realtime.ErrHistoryLoadFailed) {
		writeFailure(w, err, "failed to open conversation")
		return
	}

	// Subscribe before the snapshot so nothing falls between the two.
	appended, cancel := reconciler.Subscribe()
	defer cancel()

	stream, done, ok := startSSE(w)
	if !ok {
		return
	}
	defer done()

	state, loadErr := reconciler.State()
	snapshot := reconciler.Messages()
	inSnapshot := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		inSnapshot[m.Message.ID] = struct{}{}
	}
	stream.send("snapshot", &model.ListMessagesResponse{Messages: snapshot, State: string(state)})
	if loadErr != nil {
		stream.send("error", &model.ErrorEvent{Code: "history_load_failed", Message: loadErr.Error()})
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("conversation_id", conversationID))
			return

		case msg, ok := <-appended:
			if !ok {
				stream.send("closed", map[string]string{"conversation_id": conversationID})
				return
			}
			if _, dup := inSnapshot[msg.Message.ID]; dup {
				continue
			}
			if err := stream.send("message", msg); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := stream.heartbeat(); err != nil {
				return
			}
		}
	}
}

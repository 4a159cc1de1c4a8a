package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairup-app/realtime-core/internal/middleware"
	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/internal/realtime"
	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 16 * 1024
	sendQueueSize  = 256
	pongWaitFactor = 2
)

// Inbound frame types.
const (
	frameEnter   = "enter"
	frameLeave   = "leave"
	frameSend    = "send"
	frameRead    = "read"
	frameViewed  = "viewed"
	frameRefresh = "refresh"
	frameDismiss = "dismiss"
	frameTap     = "tap"
)

// wsRequest is a client frame.
type wsRequest struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text,omitempty"`
	Category       string `json:"category,omitempty"`
}

// wsFrame is a server frame.
type wsFrame struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Data           any    `json:"data,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WSHandler multiplexes counters, toasts and conversation threads over one
// websocket per client.
type WSHandler struct {
	sessions     SessionProvider
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	logger       *logger.Logger
}

// NewWSHandler creates a websocket handler. allowedOrigins follows the CORS
// setting; "*" accepts any origin.
func NewWSHandler(sessions SessionProvider, pingInterval time.Duration, allowedOrigins []string, log *logger.Logger) *WSHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	_, anyOrigin := origins["*"]

	return &WSHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if anyOrigin || origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		pingInterval: heartbeatInterval(pingInterval),
		logger:       log,
	}
}

// wsConn is one connected client. Only the writer goroutine touches the
// socket for writes. The viewer holds the conversations the client entered
// and is closed when the socket goes away.
type wsConn struct {
	ws     *websocket.Conn
	hub    *realtime.Hub
	viewer *realtime.Viewer
	send   chan []byte
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	threads map[string]*wsThread
	wg      sync.WaitGroup
}

// wsThread forwards one conversation to the client.
type wsThread struct {
	reconciler *realtime.Reconciler
	cancel     func()
	stopped    chan struct{}
	stopOnce   sync.Once
}

func (t *wsThread) stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
		t.cancel()
	})
}

// Serve handles GET /api/v1/ws
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	hub, release, err := h.sessions.Acquire(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to start session", zap.Error(err))
		writeFailure(w, err, "failed to start session")
		return
	}
	defer release()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.IncrementStreamConnections("websocket")
	defer metrics.DecrementStreamConnections("websocket")

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		ws:      ws,
		hub:     hub,
		viewer:  hub.NewViewer(),
		send:    make(chan []byte, sendQueueSize),
		logger:  h.logger.ForUser(userID),
		ctx:     ctx,
		cancel:  cancel,
		threads: make(map[string]*wsThread),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(h.pingInterval)
	}()

	c.forwardNotifications()
	c.readLoop(h.pingInterval * pongWaitFactor)

	c.cancel()
	c.stopThreads()
	if err := c.viewer.Close(); err != nil {
		c.logger.Warn("failed to release conversations", zap.Error(err))
	}
	c.wg.Wait()
	<-writerDone
}

// readLoop reads client frames until the peer goes away.
func (c *wsConn) readLoop(pongWait time.Duration) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				c.logger.Debug("websocket closed by peer")
			case errors.As(err, &ne) && ne.Timeout():
				c.logger.Info("websocket read timeout")
			default:
				c.logger.Info("websocket read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.push(wsFrame{Type: "error", Error: "invalid frame"})
			continue
		}
		c.dispatch(req)
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
func (c *wsConn) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Info("websocket write failed", zap.Error(err))
				c.cancel()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Info("websocket ping failed", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

// push queues a frame without blocking. A full queue drops the frame.
func (c *wsConn) push(frame wsFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	case <-c.ctx.Done():
	default:
		metrics.StreamDropsTotal.WithLabelValues("websocket").Inc()
		c.logger.Warn("websocket send queue full, dropping frame", zap.String("type", frame.Type))
	}
}

func (c *wsConn) reply(req wsRequest, data any, err error) {
	frame := wsFrame{Type: req.Type, RequestID: req.RequestID, ConversationID: req.ConversationID, Data: data}
	if err != nil {
		frame.Type = "error"
		frame.Error = err.Error()
		frame.Data = nil
	}
	c.push(frame)
}

// forwardNotifications relays counter snapshots and toast events.
func (c *wsConn) forwardNotifications() {
	counters, cancelCounters := c.hub.Aggregator().Subscribe()
	toasts, cancelToasts := c.hub.Toasts().Subscribe()

	c.push(wsFrame{Type: "counters", Data: c.hub.Aggregator().Snapshot()})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancelCounters()
		defer cancelToasts()
		for {
			select {
			case <-c.ctx.Done():
				return
			case snap, ok := <-counters:
				if !ok {
					return
				}
				c.push(wsFrame{Type: "counters", Data: snap})
			case ev, ok := <-toasts:
				if !ok {
					return
				}
				c.push(wsFrame{Type: "toast", Data: ev})
			}
		}
	}()
}

func (c *wsConn) dispatch(req wsRequest) {
	ctx := c.ctx

	switch req.Type {
	case frameEnter:
		if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
			c.reply(req, nil, err)
			return
		}
		c.enter(ctx, req)

	case frameLeave:
		c.stopThread(req.ConversationID)
		c.reply(req, nil, c.viewer.Leave(req.ConversationID))

	case frameSend:
		if err := middleware.ValidateMessageText(req.Text); err != nil {
			c.reply(req, nil, err)
			return
		}
		msg, err := c.hub.SendMessage(ctx, req.ConversationID, req.Text)
		c.reply(req, msg, err)

	case frameRead:
		n, err := c.hub.MarkConversationRead(ctx, req.ConversationID)
		c.reply(req, &model.MarkReadResponse{Transitioned: n}, err)

	case frameViewed:
		category, err := model.ParseCategory(req.Category)
		if err != nil {
			c.reply(req, nil, err)
			return
		}
		cleared, err := c.hub.MarkCategoryViewed(ctx, category)
		c.reply(req, map[string]int{"cleared": cleared}, err)

	case frameRefresh:
		err := c.hub.RefreshCounters(ctx)
		c.reply(req, c.hub.Aggregator().Snapshot(), err)

	case frameDismiss:
		c.reply(req, map[string]bool{"dismissed": c.hub.Toasts().Dismiss()}, nil)

	case frameTap:
		toast, ok := c.hub.Toasts().Tap()
		if !ok {
			c.reply(req, nil, errors.New("no toast visible"))
			return
		}
		c.reply(req, toast, nil)

	default:
		c.push(wsFrame{Type: "error", RequestID: req.RequestID, Error: "unknown frame type " + req.Type})
	}
}

// enter opens the conversation, sends a snapshot and forwards appended
// messages until the client leaves.
func (c *wsConn) enter(ctx context.Context, req wsRequest) {
	reconciler, _, err := c.viewer.Enter(ctx, req.ConversationID)
	if err != nil && !errors.Is(err, realtime.ErrHistoryLoadFailed) {
		c.reply(req, nil, err)
		return
	}

	c.mu.Lock()
	if t, ok := c.threads[req.ConversationID]; ok {
		if t.reconciler == reconciler {
			c.mu.Unlock()
			state, loadErr := reconciler.State()
			c.reply(req, &model.ListMessagesResponse{Messages: reconciler.Messages(), State: string(state)}, loadErr)
			return
		}
		// The conversation was reopened since this thread started.
		t.stop()
	}
	appended, cancel := reconciler.Subscribe()
	t := &wsThread{reconciler: reconciler, cancel: cancel, stopped: make(chan struct{})}
	c.threads[req.ConversationID] = t
	c.mu.Unlock()

	state, loadErr := reconciler.State()
	snapshot := reconciler.Messages()
	inSnapshot := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		inSnapshot[m.Message.ID] = struct{}{}
	}
	c.push(wsFrame{
		Type:           "snapshot",
		RequestID:      req.RequestID,
		ConversationID: req.ConversationID,
		Data:           &model.ListMessagesResponse{Messages: snapshot, State: string(state)},
	})
	if loadErr != nil {
		c.push(wsFrame{Type: "error", ConversationID: req.ConversationID, Error: loadErr.Error()})
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-t.stopped:
				return
			case msg, ok := <-appended:
				if !ok {
					c.threadClosed(req.ConversationID, t)
					return
				}
				if _, dup := inSnapshot[msg.Message.ID]; dup {
					continue
				}
				c.push(wsFrame{Type: "message", ConversationID: req.ConversationID, Data: msg})
			}
		}
	}()
}

// threadClosed handles a conversation stream that ended without the client
// leaving, such as when the session shuts down.
func (c *wsConn) threadClosed(conversationID string, t *wsThread) {
	select {
	case <-t.stopped:
		return
	default:
	}
	c.mu.Lock()
	if c.threads[conversationID] == t {
		delete(c.threads, conversationID)
	}
	c.mu.Unlock()
	c.push(wsFrame{Type: "closed", ConversationID: conversationID})
}

func (c *wsConn) stopThread(conversationID string) {
	c.mu.Lock()
	t, ok := c.threads[conversationID]
	delete(c.threads, conversationID)
	c.mu.Unlock()
	if ok {
		t.stop()
	}
}

func (c *wsConn) stopThreads() {
	c.mu.Lock()
	threads := c.threads
	c.threads = make(map[string]*wsThread)
	c.mu.Unlock()
	for _, t := range threads {
		t.stop()
	}
}

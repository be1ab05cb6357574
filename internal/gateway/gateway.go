// ABOUTME: Gateway orchestrator that coordinates the WebSocket and HTTP servers
// ABOUTME: Manages connections, presence, the message pipeline, and lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tnetapp/message-gateway/internal/auth"
	"github.com/tnetapp/message-gateway/internal/config"
	"github.com/tnetapp/message-gateway/internal/conversation"
	"github.com/tnetapp/message-gateway/internal/dedupe"
	"github.com/tnetapp/message-gateway/internal/presence"
	"github.com/tnetapp/message-gateway/internal/queue"
	"github.com/tnetapp/message-gateway/internal/store"
)

// deliveryTTL and deliveryCacheSize bound the fan-out dedupe cache.
const (
	deliveryTTL       = 5 * time.Minute
	deliveryCacheSize = 100_000
)

// pipeline is what the gateway needs from the conversation layer.
type pipeline interface {
	SendMessage(ctx context.Context, senderID, receiverID, content string) (*store.Message, error)
	GetConversation(ctx context.Context, userID, otherUserID string) (*store.Conversation, error)
	MarkRead(ctx context.Context, userID, conversationID string) error
}

// jobQueue is what the gateway needs from the queue for lifecycle control.
type jobQueue interface {
	StartProcessing(handler queue.Handler) error
	Shutdown()
}

// Gateway orchestrates the message-gateway server components. It owns the
// HTTP server, the WebSocket connection set, presence, and the shutdown
// sequence.
type Gateway struct {
	config   *config.Config
	store    store.Store
	service  pipeline
	queue    jobQueue
	presence *presence.Registry
	auth     auth.Provider
	upgrader websocket.Upgrader

	httpServer  *http.Server
	rateLimiter *rateLimiter
	delivered   *dedupe.Cache
	logger      *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	shuttingDown atomic.Bool
	startedAt    time.Time
}

// New creates a gateway with real storage and queue backends from config.
// Both backends are opened eagerly so misconfiguration surfaces before any
// listener is bound.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	q, err := queue.New(queue.Options{
		RedisAddr:     cfg.Redis.Addr,
		RedisUsername: cfg.Redis.Username,
		RedisPassword: cfg.Redis.Password,
		Concurrency:   cfg.Queue.Concurrency,
		MaxRetry:      cfg.Queue.MaxRetry,
		PollInterval:  cfg.Queue.PollInterval,
		Logger:        logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	gw := newGateway(cfg, st, q, auth.NewJWTProvider([]byte(cfg.Auth.JWTSecret)), logger)

	svc := conversation.New(st, q, gw, gw.delivered, cfg.Queue.WaitTimeout, logger)
	gw.service = svc

	return gw, nil
}

// newGateway wires a gateway from pre-built components. The conversation
// service is attached by the caller since it needs the gateway as its
// notifier.
func newGateway(cfg *config.Config, st store.Store, q jobQueue, provider auth.Provider, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config:   cfg,
		store:    st,
		queue:    q,
		presence: presence.NewRegistry(st, logger),
		auth:     provider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Server.AllowedOrigin),
		},
		rateLimiter: newRateLimiter(cfg.Server.RateLimitMax, cfg.Server.RateLimitWindow),
		delivered:   dedupe.New(deliveryTTL, deliveryCacheSize),
		logger:      logger.With("component", "gateway"),
		conns:       make(map[string]*Connection),
		startedAt:   time.Now(),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw
}

// originChecker returns the WebSocket origin policy. An empty allowed origin
// permits any, matching same-host development setups.
func originChecker(allowed string) func(*http.Request) bool {
	if allowed == "" || allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("/health", g.handleHealth)

	mux.HandleFunc("/ws", g.handleWS)

	authMiddleware := auth.Middleware(g.auth)
	mux.Handle("/api/users", authMiddleware(http.HandlerFunc(g.handleListUsers)))

	return g.withRequestLogging(g.rateLimiter.middleware(mux))
}

// Run starts the queue workers and HTTP server, blocking until the context
// is canceled or a server error occurs.
func (g *Gateway) Run(ctx context.Context) error {
	if g.queue != nil {
		svc, ok := g.service.(*conversation.Service)
		if !ok {
			return fmt.Errorf("queue processing requires the conversation service")
		}
		if err := g.queue.StartProcessing(svc.ProcessJob); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown drains the gateway: stop admitting connections, close live
// sockets, stop queue workers, then release storage. Unprocessed jobs stay
// in Redis for the next start.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.shuttingDown.Store(true)

	g.closeAllConnections()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	if g.queue != nil {
		g.queue.Shutdown()
	}

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	g.rateLimiter.Close()
	g.delivered.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (g *Gateway) closeAllConnections() {
	g.mu.Lock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
		g.unregister(c)
	}
}

// handleWS authenticates and admits a WebSocket connection. Refusals happen
// before the protocol upgrade so clients get plain HTTP status codes.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		// Browser clients put the token in the query string; other clients
		// may use a bearer header instead.
		if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	id, err := g.auth.VerifyToken(r.Context(), token)
	if err != nil {
		g.logger.Debug("connection rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// Admission caps distinct users, not sockets. A user who is already
	// online may always attach another device.
	if !g.presence.Online(id.UserID) && g.presence.UserCount() >= g.config.Server.MaxConnections {
		g.logger.Warn("connection refused, server at capacity", "user_id", id.UserID)
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	if _, err := g.store.UpsertUser(r.Context(), id.UserID, id.Name, id.Email, id.Role); err != nil {
		g.logger.Error("upserting user failed", "user_id", id.UserID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newConnection(id.UserID, ws)
	g.register(conn)
	conn.Start()
	go g.readLoop(conn)

	g.logger.Info("connection established",
		"user_id", conn.UserID,
		"conn_id", conn.ID,
		"online_users", g.presence.UserCount())
}

func (g *Gateway) register(conn *Connection) {
	g.mu.Lock()
	g.conns[conn.ID] = conn
	g.mu.Unlock()
	g.presence.Register(conn.UserID, conn.ID)
}

// unregister removes the connection from the map and presence exactly once,
// regardless of how many paths observe the disconnect.
func (g *Gateway) unregister(conn *Connection) {
	conn.unregistered.Do(func() {
		g.mu.Lock()
		delete(g.conns, conn.ID)
		g.mu.Unlock()
		g.presence.Unregister(conn.ID)

		g.logger.Info("connection closed",
			"user_id", conn.UserID,
			"conn_id", conn.ID,
			"online_users", g.presence.UserCount())
	})
}

// readLoop consumes client frames until the socket errors or closes.
func (g *Gateway) readLoop(conn *Connection) {
	defer func() {
		g.unregister(conn)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	conn.ws.SetReadLimit(maxFrameSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("read error", "conn_id", conn.ID, "error", err)
			}
			return
		}
		g.dispatch(conn, data)
	}
}

// dispatch routes one inbound frame to its handler. Handler errors become
// error frames; they never tear down the connection.
func (g *Gateway) dispatch(conn *Connection, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		g.sendError(conn, CodeInvalidRequest, "malformed frame")
		return
	}

	ctx := context.Background()

	switch frame.Event {
	case EventSendMessage:
		g.handleSendMessage(ctx, conn, frame.Data)
	case EventGetConversation:
		g.handleGetConversation(ctx, conn, frame.Data)
	case EventMarkRead:
		g.handleMarkRead(ctx, conn, frame.Data)
	default:
		g.sendError(conn, CodeInvalidRequest, "unknown event: "+frame.Event)
	}
}

// handleSendMessage pushes a message through the pipeline. The sender is
// always the authenticated connection owner; the frame cannot speak for
// another user. Delivery back to the sender happens via the notifier fan-out
// once the message is confirmed persisted.
func (g *Gateway) handleSendMessage(ctx context.Context, conn *Connection, data json.RawMessage) {
	var payload SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.sendError(conn, CodeInvalidRequest, "malformed sendMessage payload")
		return
	}

	if _, err := g.service.SendMessage(ctx, conn.UserID, payload.ReceiverID, payload.Content); err != nil {
		g.logger.Warn("send failed",
			"user_id", conn.UserID,
			"receiver_id", payload.ReceiverID,
			"error", err)
		code, msg := errorCode(err)
		g.sendError(conn, code, msg)
	}
}

func (g *Gateway) handleGetConversation(ctx context.Context, conn *Connection, data json.RawMessage) {
	var payload GetConversationPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		g.sendError(conn, CodeInvalidRequest, "malformed getConversation payload")
		return
	}

	conv, err := g.service.GetConversation(ctx, conn.UserID, payload.UserID)
	if err != nil {
		code, msg := errorCode(err)
		g.sendError(conn, code, msg)
		return
	}
	g.sendFrame(conn, EventConversation, conv)
}

func (g *Gateway) handleMarkRead(ctx context.Context, conn *Connection, data json.RawMessage) {
	var payload MarkReadPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID == "" {
		g.sendError(conn, CodeInvalidRequest, "malformed markRead payload")
		return
	}

	if err := g.service.MarkRead(ctx, conn.UserID, payload.ConversationID); err != nil {
		code, msg := errorCode(err)
		g.sendError(conn, code, msg)
		return
	}
	g.sendFrame(conn, EventMarkedRead, MarkedReadPayload{ConversationID: payload.ConversationID})
}

// DeliverMessage implements conversation.Notifier. The persisted message is
// pushed to every live connection of both parties; offline parties simply
// have no connections.
func (g *Gateway) DeliverMessage(msg *store.Message) {
	frame, err := encodeFrame(EventMessageReceived, msg)
	if err != nil {
		g.logger.Error("encoding delivery frame", "message_id", msg.ID, "error", err)
		return
	}

	for _, userID := range []string{msg.ReceiverID, msg.SenderID} {
		for _, connID := range g.presence.ConnectionsOf(userID) {
			g.mu.RLock()
			conn, ok := g.conns[connID]
			g.mu.RUnlock()
			if !ok {
				continue
			}
			if err := conn.Send(frame); err != nil {
				g.logger.Debug("delivery to connection failed",
					"conn_id", connID,
					"message_id", msg.ID,
					"error", err)
			}
		}
	}
}

func (g *Gateway) sendFrame(conn *Connection, event string, data interface{}) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		g.logger.Error("encoding frame", "event", event, "error", err)
		return
	}
	_ = conn.Send(frame)
}

func (g *Gateway) sendError(conn *Connection, code, message string) {
	g.sendFrame(conn, EventError, ErrorPayload{Code: code, Message: message})
}

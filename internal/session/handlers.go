package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/pkg/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

// Handler exposes the session agent HTTP and websocket surface.
type Handler struct {
	registry *Registry
	logger   *logger.Logger
	upgrader websocket.Upgrader
	maxBytes int64
}

// NewHandler creates the edge handler.
func NewHandler(registry *Registry, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "session-handler")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		maxBytes: registry.deps.Cfg.MaxMessageBytes,
	}
}

// RegisterRoutes mounts the session routes on the group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.createSession)
	rg.GET("/:id", h.getStatus)
	rg.POST("/:id/stop", h.stopSession)
	rg.POST("/:id/hibernate", h.hibernateSession)
	rg.POST("/:id/wake", h.wakeSession)
	rg.POST("/:id/prompt", h.submitPrompt)
	rg.GET("/:id/messages", h.listMessages)
	rg.POST("/:id/clear-queue", h.clearQueue)
	rg.POST("/:id/flush-metrics", h.flushMetrics)
	rg.POST("/:id/gc", h.gcSession)
	rg.POST("/:id/webhook-update", h.webhookUpdate)
	rg.GET("/:id/ws", h.websocket)
	rg.Any("/:id/proxy/:target/*path", h.proxy)
}

func (h *Handler) lookup(c *gin.Context) (*Agent, bool) {
	agent, err := h.registry.Lookup(c.Param("id"))
	if errors.Is(err, ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return agent, true
}

type createSessionRequest struct {
	ID string `json:"id,omitempty"`
	StartRequest
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	agent, err := h.registry.Create(id)
	if errors.Is(err, ErrSessionExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "session already exists"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := agent.Start(c.Request.Context(), &req.StartRequest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "status": "initializing"})
}

func (h *Handler) getStatus(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	snap, err := agent.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) stopSession(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := agent.Stop(c.Request.Context(), "user_stopped"); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotStarted) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "terminated"})
}

func (h *Handler) hibernateSession(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := agent.Hibernate(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "hibernating"})
}

func (h *Handler) wakeSession(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := agent.Wake(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "restoring"})
}

func (h *Handler) submitPrompt(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	id, err := agent.SubmitPrompt(c.Request.Context(), &req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrPromptTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"messageId": id})
}

func (h *Handler) listMessages(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	var after time.Time
	if raw := c.Query("after"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad after cursor"})
			return
		}
		after = t
	}
	messages, err := agent.Messages(c.Request.Context(), limit, after)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) clearQueue(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	n, err := agent.ClearQueue(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dropped": n})
}

func (h *Handler) flushMetrics(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := agent.FlushMetrics(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": true})
}

func (h *Handler) gcSession(c *gin.Context) {
	if err := h.registry.GC(c.Request.Context(), c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrSessionNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrBadTransition):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gced": true})
}

func (h *Handler) webhookUpdate(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	var upd WebhookUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := agent.ApplyWebhook(c.Request.Context(), &upd); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true})
}

// --- WebSocket ---

func (h *Handler) websocket(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	role := c.DefaultQuery("role", "client")

	switch role {
	case "client":
		userID := c.Query("userId")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade", zap.Error(err))
			return
		}
		h.serveClient(agent, conn, userID)

	case "runner":
		okSecret, err := agent.CheckRunnerSecret(c.Request.Context(), c.Query("token"))
		if err != nil || !okSecret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad runner token"})
			return
		}
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade", zap.Error(err))
			return
		}
		h.serveRunner(agent, conn)

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be client or runner"})
	}
}

func (h *Handler) serveClient(agent *Agent, conn *websocket.Conn, userID string) {
	peer := newClientPeer(uuid.New().String(), protocol.UserInfo{ID: userID})
	if err := agent.AttachClient(context.Background(), peer); err != nil {
		conn.Close()
		return
	}

	go h.writePump(conn, peer.out, peer.closed, func() int { return websocket.CloseNormalClosure })

	if h.maxBytes > 0 {
		conn.SetReadLimit(h.maxBytes)
	}
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		agent.HandleClientFrame(peer, raw)
	}
	agent.DetachClient(peer.connID)
	peer.close()
	conn.Close()
}

func (h *Handler) serveRunner(agent *Agent, conn *websocket.Conn) {
	peer := newRunnerPeer()
	if err := agent.AttachRunner(context.Background(), peer); err != nil {
		conn.Close()
		return
	}

	// The close code is chosen by whoever closes the peer; read it late.
	go h.writePump(conn, peer.out, peer.closed, func() int { return peer.closeCode })

	if h.maxBytes > 0 {
		conn.SetReadLimit(h.maxBytes)
	}
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		agent.HandleRunnerFrame(peer, raw)
	}
	agent.DetachRunner(peer)
	peer.close(websocket.CloseNormalClosure)
	conn.Close()
}

// writePump owns the socket's write side until the out channel or the
// peer closes.
func (h *Handler) writePump(conn *websocket.Conn, out chan []byte, closed chan struct{}, closeCode func() int) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case data := <-out:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			msg := websocket.FormatCloseMessage(closeCode(), "")
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage, msg)
			return
		}
	}
}

// --- Reverse proxy ---

// proxy forwards into the sandbox's tunnels: editor, desktop, terminal, or
// gateway.
func (h *Handler) proxy(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	snap, err := agent.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snap.Tunnels == nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "no active sandbox tunnels"})
		return
	}

	var base string
	switch c.Param("target") {
	case "editor":
		base = snap.Tunnels.Editor
	case "desktop":
		base = snap.Tunnels.Desktop
	case "terminal":
		base = snap.Tunnels.Terminal
	case "gateway":
		base = snap.Tunnels.Gateway
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown proxy target"})
		return
	}
	if base == "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "tunnel not available"})
		return
	}

	target, err := url.Parse(base)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "bad tunnel url"})
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, perr error) {
		h.logger.Warn("proxy error", zap.String("target", target.Host), zap.Error(perr))
		w.WriteHeader(http.StatusBadGateway)
	}

	// Rewrite the request path to strip the proxy prefix.
	c.Request.URL.Path = singleJoin(target.Path, c.Param("path"))
	c.Request.Host = target.Host
	proxy.ServeHTTP(c.Writer, c.Request)
}

func singleJoin(a, b string) string {
	switch {
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}

// CheckRunnerSecret compares a presented token against the stored runner
// secret in constant time.
func (a *Agent) CheckRunnerSecret(ctx context.Context, secret string) (bool, error) {
	var ok bool
	err := a.call(ctx, func() {
		ok = a.state.RunnerSecret != "" &&
			subtle.ConstantTimeCompare([]byte(a.state.RunnerSecret), []byte(secret)) == 1
	})
	return ok, err
}

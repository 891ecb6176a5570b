package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicecall-backend/internal/database"
	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/middleware"
	"voicecall-backend/internal/service/voicecall"
	"voicecall-backend/pkg/constants"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/jwt"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/metrics"
	"voicecall-backend/pkg/response"
	"voicecall-backend/pkg/signaling"
)

// relayPattern matches every per-user push channel
const relayPattern = "voicecall:user:*"

func userChannel(userID string) string {
	return "voicecall:user:" + userID
}

// CallService is the call logic the hub drives on behalf of connected users
type CallService interface {
	InitiateCall(ctx context.Context, callerID, receiverID, audioSource string) (*voicecall.InitiateCallOutput, error)
	AcceptCall(ctx context.Context, callID, userID string) (*voicecall.CallStatusOutput, error)
	RejectCall(ctx context.Context, callID, userID string) (*voicecall.CallStatusOutput, error)
	EndCall(ctx context.Context, callID, userID string) (*voicecall.CallStatusOutput, error)
	FailCall(ctx context.Context, callID, userID, reason string) (*voicecall.CallStatusOutput, error)
	GetCallStatus(ctx context.Context, callID string) (*voicecall.CallStatusOutput, error)
	GetPendingCalls(ctx context.Context, userID string) ([]*voicecall.PendingCallOutput, error)
	GetCallHistory(ctx context.Context, userID string, limit int) ([]*voicecall.CallStatusOutput, error)
}

// PresenceTracker records which users hold a signaling connection
type PresenceTracker interface {
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string) error
	RefreshPresence(ctx context.Context, userID string) error
}

// MediaEndpoint is where a participant receives audio datagrams
type MediaEndpoint struct {
	Host string
	Port int
}

type endpointKey struct{}

// withEndpoint attaches the endpoint announced with a request, so the push
// built from that request's transition carries it
func withEndpoint(ctx context.Context, ep MediaEndpoint) context.Context {
	return context.WithValue(ctx, endpointKey{}, ep)
}

func endpointFrom(ctx context.Context) MediaEndpoint {
	ep, _ := ctx.Value(endpointKey{}).(MediaEndpoint)
	return ep
}

// HubConfig holds signaling hub limits
type HubConfig struct {
	MaxConnections int
	HistoryLimit   int
	// AllowedOrigins applies to browser clients; native clients send no Origin
	AllowedOrigins []string
}

// HubOption configures optional hub collaborators
type HubOption func(*SignalingHub)

// WithPresence marks users online while they hold a connection
func WithPresence(p PresenceTracker) HubOption {
	return func(h *SignalingHub) { h.presence = p }
}

// WithRedisRelay fans pushes out to users connected to other instances
func WithRedisRelay(client *database.RedisClient) HubOption {
	return func(h *SignalingHub) { h.redis = client }
}

// WithHubMetrics records connection and message metrics
func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *SignalingHub) { h.metrics = m }
}

type delivery struct {
	userID string
	// target restricts delivery to one connection, used for replies
	target *SignalingClient
	data   []byte
}

type relayMessage struct {
	Origin string          `json:"origin"`
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

// SignalingHub routes call signaling between connected users
type SignalingHub struct {
	service    CallService
	jwtManager *jwt.JWTManager
	presence   PresenceTracker
	redis      *database.RedisClient
	metrics    *metrics.Metrics

	historyLimit int
	instanceID   string
	upgrader     websocket.Upgrader

	// Registered clients per user
	clients     map[string]map[*SignalingClient]bool
	connections int
	mu          sync.RWMutex

	register   chan *SignalingClient
	unregister chan *SignalingClient
	deliver    chan delivery
	done       chan struct{}
	closeOnce  sync.Once

	maxConnections int
	semaphore      chan struct{}
}

// SignalingClient represents one signaling WebSocket connection
type SignalingClient struct {
	hub      *SignalingHub
	conn     *websocket.Conn
	send     chan []byte
	userID   string
	remoteIP string
}

// NewSignalingHub creates a hub and starts its routing loop
func NewSignalingHub(service CallService, jwtManager *jwt.JWTManager, cfg HubConfig, opts ...HubOption) *SignalingHub {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = constants.DefaultMaxSignalingConnections
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = voicecall.DefaultHistoryLimit
	}

	h := &SignalingHub{
		service:        service,
		jwtManager:     jwtManager,
		historyLimit:   historyLimit,
		instanceID:     uuid.NewString(),
		clients:        make(map[string]map[*SignalingClient]bool),
		register:       make(chan *SignalingClient),
		unregister:     make(chan *SignalingClient),
		deliver:        make(chan delivery, 256),
		done:           make(chan struct{}),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
	for _, opt := range opts {
		opt(h)
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		},
	}

	go h.run()

	return h
}

// Shutdown stops the routing loop and closes every connection
func (h *SignalingHub) Shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
}

// run handles hub operations
func (h *SignalingHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, clients := range h.clients {
				for client := range clients {
					close(client.send)
				}
			}
			h.clients = make(map[string]map[*SignalingClient]bool)
			h.connections = 0
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			first := len(h.clients[client.userID]) == 0
			if first {
				h.clients[client.userID] = make(map[*SignalingClient]bool)
			}
			h.clients[client.userID][client] = true
			h.connections++
			count := h.connections
			h.mu.Unlock()

			h.recordConnections(count)
			if first {
				h.setPresence(client.userID, true)
			}
			logger.Debug("Signaling client registered",
				zap.String("user_id", client.userID),
				zap.String("remote_ip", client.remoteIP))

		case client := <-h.unregister:
			h.mu.Lock()
			removed, last := h.removeLocked(client)
			count := h.connections
			h.mu.Unlock()

			if removed {
				h.recordConnections(count)
			}
			if last {
				h.setPresence(client.userID, false)
			}

		case d := <-h.deliver:
			h.mu.Lock()
			var dropped []*SignalingClient
			for client := range h.clients[d.userID] {
				if d.target != nil && client != d.target {
					continue
				}
				select {
				case client.send <- d.data:
				default:
					dropped = append(dropped, client)
				}
			}
			var offline []string
			for _, client := range dropped {
				logger.Warn("Dropping slow signaling client",
					zap.String("user_id", client.userID))
				if _, last := h.removeLocked(client); last {
					offline = append(offline, client.userID)
				}
			}
			count := h.connections
			h.mu.Unlock()

			if len(dropped) > 0 {
				h.recordConnections(count)
			}
			for _, userID := range offline {
				h.setPresence(userID, false)
			}
		}
	}
}

// removeLocked drops client and closes its send queue. last reports whether
// the user has no connection left.
func (h *SignalingHub) removeLocked(client *SignalingClient) (removed, last bool) {
	clients, ok := h.clients[client.userID]
	if !ok || !clients[client] {
		return false, false
	}
	delete(clients, client)
	close(client.send)
	h.connections--
	if len(clients) == 0 {
		delete(h.clients, client.userID)
		return true, true
	}
	return true, false
}

func (h *SignalingHub) recordConnections(count int) {
	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(count)
	}
}

func (h *SignalingHub) setPresence(userID string, online bool) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	if online {
		err = h.presence.SetUserOnline(ctx, userID)
	} else {
		err = h.presence.SetUserOffline(ctx, userID)
	}
	if err != nil {
		logger.Warn("Failed to update presence",
			zap.String("user_id", userID),
			zap.Bool("online", online),
			zap.Error(err))
	}
}

func (h *SignalingHub) refreshPresence(userID string) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.RefreshPresence(ctx, userID); err != nil {
		logger.Debug("Failed to refresh presence",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// ConnectedUsers returns the number of users with at least one connection
func (h *SignalingHub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *SignalingHub) enqueue(d delivery) {
	select {
	case h.deliver <- d:
	case <-h.done:
	}
}

func (h *SignalingHub) reply(client *SignalingClient, env *signaling.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error("Failed to encode signaling reply", zap.Error(err))
		return
	}
	h.enqueue(delivery{userID: client.userID, target: client, data: data})
	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage(env.Type, "out")
		if env.Error != nil {
			h.metrics.RecordWebSocketError(env.Error.Code)
		}
	}
}

// push delivers env to every connection of userID, here and on other instances
func (h *SignalingHub) push(userID string, env *signaling.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error("Failed to encode signaling push", zap.Error(err))
		return
	}
	h.enqueue(delivery{userID: userID, data: data})
	h.publish(userID, data)
	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage(env.Type, "out")
	}
}

func (h *SignalingHub) publish(userID string, data []byte) {
	if h.redis == nil {
		return
	}
	payload, err := json.Marshal(relayMessage{Origin: h.instanceID, UserID: userID, Data: data})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.redis.SafePublish(ctx, userChannel(userID), payload).Err(); err != nil && !errors.Is(err, database.ErrRedisDegraded) {
		logger.Warn("Failed to publish signaling push",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// RunRelay subscribes to pushes published by other instances and delivers
// them to local connections. It resubscribes after retry while Redis is
// degraded and returns when ctx is cancelled.
func (h *SignalingHub) RunRelay(ctx context.Context, retry time.Duration) {
	if h.redis == nil {
		return
	}
	for {
		if pubsub := h.redis.SafePSubscribe(ctx, relayPattern); pubsub != nil {
			h.consumeRelay(ctx, pubsub)
			pubsub.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (h *SignalingHub) consumeRelay(ctx context.Context, pubsub *redis.PubSub) {
	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Warn("Failed to subscribe to signaling relay", zap.Error(err))
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var relayed relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &relayed); err != nil {
				logger.Warn("Failed to unmarshal relayed push",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			if relayed.Origin == h.instanceID {
				continue
			}
			h.enqueue(delivery{userID: relayed.UserID, data: relayed.Data})
		}
	}
}

// NotifyCallChange turns committed call transitions into pushes. Initiate and
// accept pushes carry the endpoint the acting user announced with ctx.
func (h *SignalingHub) NotifyCallChange(ctx context.Context, change voicecall.CallChange) {
	call := change.Call

	var (
		recipients []string
		env        *signaling.Envelope
		err        error
	)
	switch change.Event {
	case domain.EventInitiate:
		ep := endpointFrom(ctx)
		recipients = []string{call.ReceiverID}
		env, err = signaling.NewPush(signaling.TypeCallIncoming, signaling.IncomingPayload{
			CallID:      call.CallID,
			CallerID:    call.CallerID,
			CallerName:  change.CallerName,
			AudioSource: call.AudioSource,
			UDPPort:     ep.Port,
			UDPHost:     ep.Host,
		})

	case domain.EventAccept:
		ep := endpointFrom(ctx)
		recipients = []string{call.CallerID}
		env, err = signaling.NewPush(signaling.TypeCallAccepted, signaling.AcceptedPayload{
			CallID:     call.CallID,
			ReceiverID: call.ReceiverID,
			UDPPort:    ep.Port,
			UDPHost:    ep.Host,
		})

	case domain.EventReject:
		recipients = []string{call.CallerID}
		env, err = signaling.NewPush(signaling.TypeCallRejected, signaling.RejectedPayload{CallID: call.CallID})

	case domain.EventEnd, domain.EventFail, domain.EventMiss:
		if change.ActorID == "" {
			recipients = []string{call.CallerID, call.ReceiverID}
		} else {
			recipients = []string{call.PeerOf(change.ActorID)}
		}
		env, err = signaling.NewPush(signaling.TypeCallEnded, signaling.EndedPayload{
			CallID:  call.CallID,
			EndedBy: change.ActorID,
			Status:  string(call.Status),
		})

	default:
		return
	}
	if err != nil {
		logger.ForCall(call.CallID).Error("Failed to build signaling push", zap.Error(err))
		return
	}

	for _, userID := range recipients {
		if userID != "" {
			h.push(userID, env)
		}
	}
}

// ServeWS handles WebSocket requests for signaling
// GET /v1/voice-calls/ws/signaling?token=<jwt>
func (h *SignalingHub) ServeWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token, _ = middleware.BearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		response.Unauthorized(c, "Token required")
		return
	}
	claims, err := h.jwtManager.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			response.Error(c, http.StatusUnauthorized, "EXPIRED_TOKEN", "Token expired")
		} else {
			response.Error(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token")
		}
		return
	}

	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Server at capacity, please try again later")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", claims.UserID),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, constants.SignalingSendBuffer),
		userID:   claims.UserID,
		remoteIP: c.ClientIP(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		<-h.semaphore
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads requests from the WebSocket until it closes
func (c *SignalingClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		<-c.hub.semaphore
	}()

	c.conn.SetReadLimit(constants.MaxSignalingMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.hub.refreshPresence(c.userID)
		return c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID),
					zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		c.hub.handleMessage(c, message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *SignalingHub) handleMessage(c *SignalingClient, raw []byte) {
	var env signaling.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		logger.Warn("Invalid message format from WebSocket",
			zap.String("user_id", c.userID),
			zap.Error(err))
		h.reply(c, signaling.NewErrorResponse("", "", string(apperrors.ErrCodeInvalidInput), "Malformed signaling message"))
		return
	}
	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage(env.Type, "in")
	}

	if env.Token != "" {
		claims, err := h.jwtManager.ValidateToken(env.Token)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			h.reply(c, signaling.NewErrorResponse(env.Type, env.RequestID, string(apperrors.ErrCodeExpiredToken), "Token expired"))
			return
		case err != nil:
			h.reply(c, signaling.NewErrorResponse(env.Type, env.RequestID, string(apperrors.ErrCodeInvalidToken), "Invalid token"))
			return
		case claims.UserID != c.userID:
			h.reply(c, signaling.NewErrorResponse(env.Type, env.RequestID, string(apperrors.ErrCodeForbidden), "Token does not match connection"))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	result, err := h.dispatch(ctx, c, &env)
	if err != nil {
		appErr := apperrors.GetAppError(err)
		h.reply(c, signaling.NewErrorResponse(env.Type, env.RequestID, string(appErr.Code), appErr.Message))
		return
	}

	reply, err := signaling.NewResponse(env.Type, env.RequestID, result)
	if err != nil {
		h.reply(c, signaling.NewErrorResponse(env.Type, env.RequestID, string(apperrors.ErrCodeInternal), "Failed to encode response"))
		return
	}
	h.reply(c, reply)
}

func (h *SignalingHub) dispatch(ctx context.Context, c *SignalingClient, env *signaling.Envelope) (any, error) {
	switch env.Type {
	case signaling.TypeCallInitiate:
		var p signaling.InitiatePayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		ep, err := c.mediaEndpoint(p.UDPHost, p.UDPPort)
		if err != nil {
			return nil, err
		}
		return h.service.InitiateCall(withEndpoint(ctx, ep), c.userID, p.ReceiverID, p.AudioSource)

	case signaling.TypeCallAccept:
		var p signaling.AcceptPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		ep, err := c.mediaEndpoint(p.UDPHost, p.UDPPort)
		if err != nil {
			return nil, err
		}
		return h.service.AcceptCall(withEndpoint(ctx, ep), p.CallID, c.userID)

	case signaling.TypeCallReject:
		var p signaling.CallRefPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return h.service.RejectCall(ctx, p.CallID, c.userID)

	case signaling.TypeCallEnd:
		var p signaling.CallRefPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return h.service.EndCall(ctx, p.CallID, c.userID)

	case signaling.TypeCallFail:
		var p signaling.FailPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return h.service.FailCall(ctx, p.CallID, c.userID, p.Reason)

	case signaling.TypeCallStatus:
		var p signaling.CallRefPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return h.service.GetCallStatus(ctx, p.CallID)

	case signaling.TypeCallPending:
		calls, err := h.service.GetPendingCalls(ctx, c.userID)
		if err != nil {
			return nil, err
		}
		return gin.H{"calls": calls}, nil

	case signaling.TypeCallHistory:
		var p signaling.HistoryPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		limit := p.Limit
		if limit == 0 {
			limit = h.historyLimit
		}
		calls, err := h.service.GetCallHistory(ctx, c.userID, limit)
		if err != nil {
			return nil, err
		}
		return gin.H{"calls": calls}, nil

	default:
		return nil, apperrors.InvalidInputError("Unknown message type: " + env.Type)
	}
}

func decodePayload(env *signaling.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return apperrors.InvalidInputError("Invalid " + env.Type + " payload")
	}
	return nil
}

// mediaEndpoint validates an announced endpoint, defaulting the host to the
// connection's remote address
func (c *SignalingClient) mediaEndpoint(host string, port int) (MediaEndpoint, error) {
	if port < 0 || port > 65535 {
		return MediaEndpoint{}, apperrors.InvalidInputError("udpPort out of range")
	}
	if host == "" {
		host = c.remoteIP
	}
	return MediaEndpoint{Host: host, Port: port}, nil
}

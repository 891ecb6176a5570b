package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicecall-backend/pkg/constants"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/signaling"
)

// DefaultEventBuffer is how many unhandled pushes a SignalingClient queues
const DefaultEventBuffer = 32

// SignalingClient is a request/response client over the signaling WebSocket.
// Replies are matched to requests by requestId; pushes are queued on Events.
type SignalingClient struct {
	conn    *websocket.Conn
	token   string
	timeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *signaling.Envelope

	events chan *signaling.Envelope

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// DialSignaling connects to the signaling endpoint and starts the read loop
func DialSignaling(ctx context.Context, url, token string, timeout time.Duration, eventBuffer int) (*SignalingClient, error) {
	if eventBuffer <= 0 {
		eventBuffer = DefaultEventBuffer
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, apperrors.TransportError(fmt.Sprintf("Signaling handshake rejected with status %d", resp.StatusCode), err)
		}
		return nil, apperrors.TransportError("Failed to connect to signaling server", err)
	}
	conn.SetReadLimit(constants.MaxSignalingMessageSize)

	c := &SignalingClient{
		conn:    conn,
		token:   token,
		timeout: timeout,
		pending: make(map[string]chan *signaling.Envelope),
		events:  make(chan *signaling.Envelope, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// Events returns server pushes in arrival order
func (c *SignalingClient) Events() <-chan *signaling.Envelope {
	return c.events
}

// Done is closed once the connection is gone
func (c *SignalingClient) Done() <-chan struct{} {
	return c.done
}

// Request sends one request and waits for its reply. A reply with
// success=false becomes an AppError carrying the server's code. No reply
// within the request timeout yields TIMEOUT.
func (c *SignalingClient) Request(ctx context.Context, msgType string, payload any) (*signaling.Envelope, error) {
	requestID := uuid.NewString()
	env, err := signaling.NewRequest(msgType, requestID, c.token, payload)
	if err != nil {
		return nil, apperrors.InvalidInputError(err.Error())
	}

	replyCh := make(chan *signaling.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return nil, apperrors.TransportError("Failed to send "+msgType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case reply := <-replyCh:
		if !reply.Succeeded() {
			if reply.Error == nil {
				return reply, apperrors.InternalError(msgType + " failed without an error body")
			}
			return reply, apperrors.New(apperrors.ErrorCode(reply.Error.Code), reply.Error.Message)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, apperrors.TimeoutError(msgType + " timed out")
	case <-c.done:
		return nil, apperrors.TransportError("Signaling connection closed", c.closeErr)
	}
}

// Close closes the connection. Pending requests fail with TRANSPORT_ERROR.
func (c *SignalingClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(constants.WebSocketWriteWait))
	c.writeMu.Unlock()

	c.shutdown(nil)
	return c.conn.Close()
}

func (c *SignalingClient) write(env *signaling.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
	return c.conn.WriteJSON(env)
}

func (c *SignalingClient) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
	})
}

func (c *SignalingClient) readLoop() {
	defer c.conn.Close()

	for {
		var env signaling.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Signaling connection lost", zap.Error(err))
			}
			c.shutdown(err)
			return
		}

		if env.RequestID != "" {
			c.deliverReply(&env)
			continue
		}
		if env.Type == signaling.TypeError {
			logger.Warn("Signaling server rejected a frame",
				zap.Any("error", env.Error))
			continue
		}
		c.enqueue(&env)
	}
}

func (c *SignalingClient) deliverReply(env *signaling.Envelope) {
	c.pendingMu.Lock()
	replyCh, ok := c.pending[env.RequestID]
	c.pendingMu.Unlock()

	if !ok {
		logger.Debug("Dropping reply for unknown request",
			zap.String("type", env.Type),
			zap.String("request_id", env.RequestID))
		return
	}

	select {
	case replyCh <- env:
	default:
	}
}

// enqueue never blocks the read loop; when the queue is full the oldest
// push is discarded.
func (c *SignalingClient) enqueue(env *signaling.Envelope) {
	for {
		select {
		case c.events <- env:
			return
		default:
		}

		select {
		case dropped := <-c.events:
			logger.Warn("Event queue full, dropping oldest push",
				zap.String("dropped_type", dropped.Type))
		default:
		}
	}
}

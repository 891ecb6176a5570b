package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/signaling"
)

// newTestServer serves a WebSocket that hands every decoded frame to handle
func newTestServer(t *testing.T, handle func(conn *websocket.Conn, env *signaling.Envelope)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var env signaling.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			handle(conn, &env)
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, url string, timeout time.Duration, buffer int) *SignalingClient {
	t.Helper()
	c, err := DialSignaling(context.Background(), url, "tok", timeout, buffer)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSignalingClient_RequestCorrelatesReply(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, env *signaling.Envelope) {
		assert.Equal(t, "tok", env.Token)
		var ref signaling.CallRefPayload
		assert.NoError(t, env.Decode(&ref))

		reply, err := signaling.NewResponse(env.Type, env.RequestID, signaling.CallView{CallID: ref.CallID, Status: "active"})
		assert.NoError(t, err)
		assert.NoError(t, conn.WriteJSON(reply))
	})
	c := dialTest(t, url, time.Second, 0)

	reply, err := c.Request(context.Background(), signaling.TypeCallStatus, signaling.CallRefPayload{CallID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, signaling.ResponseType(signaling.TypeCallStatus), reply.Type)

	var view signaling.CallView
	require.NoError(t, reply.Decode(&view))
	assert.Equal(t, "c1", view.CallID)
	assert.Equal(t, "active", view.Status)
}

func TestSignalingClient_ErrorReply(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, env *signaling.Envelope) {
		assert.NoError(t, conn.WriteJSON(signaling.NewErrorResponse(env.Type, env.RequestID, "NOT_FOUND", "Call not found")))
	})
	c := dialTest(t, url, time.Second, 0)

	_, err := c.Request(context.Background(), signaling.TypeCallEnd, signaling.CallRefPayload{CallID: "missing"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	assert.Equal(t, "Call not found", apperrors.GetAppError(err).Message)
}

func TestSignalingClient_Timeout(t *testing.T) {
	url := newTestServer(t, func(*websocket.Conn, *signaling.Envelope) {})
	c := dialTest(t, url, 50*time.Millisecond, 0)

	start := time.Now()
	_, err := c.Request(context.Background(), signaling.TypeCallPending, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSignalingClient_PushQueueDropsOldest(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, env *signaling.Envelope) {
		for _, id := range []string{"c1", "c2", "c3"} {
			push, err := signaling.NewPush(signaling.TypeCallEnded, signaling.EndedPayload{CallID: id, Status: "ended"})
			assert.NoError(t, err)
			assert.NoError(t, conn.WriteJSON(push))
		}
		reply, err := signaling.NewResponse(env.Type, env.RequestID, nil)
		assert.NoError(t, err)
		assert.NoError(t, conn.WriteJSON(reply))
	})
	c := dialTest(t, url, time.Second, 2)

	_, err := c.Request(context.Background(), signaling.TypeCallPending, nil)
	require.NoError(t, err)

	var got []string
	for len(got) < 2 {
		select {
		case env := <-c.Events():
			var p signaling.EndedPayload
			require.NoError(t, env.Decode(&p))
			got = append(got, p.CallID)
		case <-time.After(time.Second):
			t.Fatal("missing push")
		}
	}
	assert.Equal(t, []string{"c2", "c3"}, got)
}

func TestSignalingClient_HandshakeRejected(t *testing.T) {
	url := newTestServer(t, func(*websocket.Conn, *signaling.Envelope) {})

	_, err := DialSignaling(context.Background(), url, "wrong", time.Second, 0)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransport))
	assert.Contains(t, err.Error(), "401")
}

func TestSignalingClient_ConnectionLost(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, _ *signaling.Envelope) {
		conn.Close()
	})
	c := dialTest(t, url, time.Second, 0)

	_, err := c.Request(context.Background(), signaling.TypeCallPending, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransport))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed")
	}
}

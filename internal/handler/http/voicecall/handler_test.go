package voicecall

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-backend/internal/middleware"
	"voicecall-backend/internal/repository/memory"
	"voicecall-backend/internal/service/voicecall"
	"voicecall-backend/pkg/jwt"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	router *gin.Engine
	jwt    *jwt.JWTManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	directory := memory.NewDirectory()
	for _, id := range []string{"alice", "bob", "carol"} {
		directory.AddUser(id, id)
		require.NoError(t, directory.SetUserOnline(context.Background(), id))
	}
	svc := voicecall.NewService(memory.NewCallRepository(), directory,
		voicecall.WithEventLog(memory.NewCallEventRepository()))

	manager := jwt.NewJWTManager("handler-test-secret", time.Hour, "voicecall-test")
	router := gin.New()
	group := router.Group("/v1/voice-calls", middleware.AuthMiddleware(manager))
	NewHandler(svc, voicecall.DefaultHistoryLimit).RegisterRoutes(group)

	return &testServer{router: router, jwt: manager}
}

func (s *testServer) do(t *testing.T, userID, method, path string, body any) (int, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := s.jwt.GenerateAccessToken(userID, userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, "alice", http.MethodPost, "/v1/voice-calls/initiate",
		InitiateCallRequest{ReceiverID: "bob", AudioSource: "microphone"})
	require.Equal(t, http.StatusCreated, code)
	initiated := decode[voicecall.InitiateCallOutput](t, env)
	assert.Equal(t, "pending", string(initiated.Status))
	require.NotEmpty(t, initiated.CallID)
	base := "/v1/voice-calls/" + initiated.CallID

	code, env = s.do(t, "bob", http.MethodGet, "/v1/voice-calls/pending", nil)
	require.Equal(t, http.StatusOK, code)
	pending := decode[struct {
		Calls []voicecall.PendingCallOutput `json:"calls"`
	}](t, env)
	require.Len(t, pending.Calls, 1)
	assert.Equal(t, "alice", pending.Calls[0].CallerID)

	code, env = s.do(t, "bob", http.MethodPost, base+"/accept", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", string(decode[voicecall.CallStatusOutput](t, env).Status))

	code, env = s.do(t, "alice", http.MethodGet, "/v1/voice-calls/active", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, initiated.CallID, decode[voicecall.CallStatusOutput](t, env).CallID)

	code, env = s.do(t, "alice", http.MethodPost, base+"/end", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ended", string(decode[voicecall.CallStatusOutput](t, env).Status))

	code, env = s.do(t, "bob", http.MethodGet, "/v1/voice-calls/history?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	history := decode[struct {
		Calls []voicecall.CallStatusOutput `json:"calls"`
	}](t, env)
	require.Len(t, history.Calls, 1)

	code, env = s.do(t, "alice", http.MethodGet, base+"/events", nil)
	require.Equal(t, http.StatusOK, code)
	events := decode[struct {
		Events []json.RawMessage `json:"events"`
	}](t, env)
	assert.Len(t, events.Events, 3)

	code, env = s.do(t, "carol", http.MethodGet, base+"/events", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	code, env = s.do(t, "carol", http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ended", string(decode[voicecall.CallStatusOutput](t, env).Status))
}

func TestInitiateCallErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		userID     string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"no token", "", InitiateCallRequest{ReceiverID: "bob"}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"missing receiver", "alice", map[string]string{}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"self call", "alice", InitiateCallRequest{ReceiverID: "alice"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown receiver", "alice", InitiateCallRequest{ReceiverID: "zed"}, http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, tt.userID, http.MethodPost, "/v1/voice-calls/initiate", tt.body)
			assert.Equal(t, tt.wantStatus, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantCode, env.Error.Code)
		})
	}
}

func TestRejectAndFail(t *testing.T) {
	s := newTestServer(t)

	_, env := s.do(t, "alice", http.MethodPost, "/v1/voice-calls/initiate", InitiateCallRequest{ReceiverID: "bob"})
	callID := decode[voicecall.InitiateCallOutput](t, env).CallID

	code, env := s.do(t, "alice", http.MethodPost, "/v1/voice-calls/"+callID+"/reject", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	code, env = s.do(t, "bob", http.MethodPost, "/v1/voice-calls/"+callID+"/reject", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", string(decode[voicecall.CallStatusOutput](t, env).Status))

	_, env = s.do(t, "carol", http.MethodPost, "/v1/voice-calls/initiate", InitiateCallRequest{ReceiverID: "bob"})
	callID = decode[voicecall.InitiateCallOutput](t, env).CallID
	_, _ = s.do(t, "bob", http.MethodPost, "/v1/voice-calls/"+callID+"/accept", nil)

	code, env = s.do(t, "carol", http.MethodPost, "/v1/voice-calls/"+callID+"/fail", FailCallRequest{Reason: "audio device lost"})
	require.Equal(t, http.StatusOK, code)
	failed := decode[voicecall.CallStatusOutput](t, env)
	assert.Equal(t, "failed", string(failed.Status))
	assert.Equal(t, "audio device lost", failed.FailureReason)
}

func TestQueryErrors(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, "alice", http.MethodGet, "/v1/voice-calls/active", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	code, env = s.do(t, "alice", http.MethodGet, "/v1/voice-calls/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	code, env = s.do(t, "alice", http.MethodGet, "/v1/voice-calls/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, env = s.do(t, "alice", http.MethodGet, "/v1/voice-calls/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)
}

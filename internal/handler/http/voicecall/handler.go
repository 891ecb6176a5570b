package voicecall

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"voicecall-backend/internal/middleware"
	"voicecall-backend/internal/service/voicecall"
	"voicecall-backend/pkg/response"
)

// Handler handles voice call HTTP requests
type Handler struct {
	callService  *voicecall.Service
	historyLimit int
}

// NewHandler creates a new voice call handler. historyLimit applies when a
// history request has no limit parameter.
func NewHandler(callService *voicecall.Service, historyLimit int) *Handler {
	return &Handler{
		callService:  callService,
		historyLimit: historyLimit,
	}
}

// RegisterRoutes mounts the call endpoints on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/initiate", h.InitiateCall)
	rg.GET("/active", h.GetActiveCall)
	rg.GET("/pending", h.GetPendingCalls)
	rg.GET("/history", h.GetCallHistory)
	rg.GET("/:id", h.GetCallStatus)
	rg.GET("/:id/events", h.GetCallEvents)
	rg.POST("/:id/accept", h.AcceptCall)
	rg.POST("/:id/reject", h.RejectCall)
	rg.POST("/:id/end", h.EndCall)
	rg.POST("/:id/fail", h.FailCall)
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	ReceiverID  string `json:"receiverId" binding:"required"`
	AudioSource string `json:"audioSource"`
}

// FailCallRequest carries the reason a participant gave up on a call
type FailCallRequest struct {
	Reason string `json:"reason"`
}

// InitiateCall starts a new call
// POST /v1/voice-calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	output, err := h.callService.InitiateCall(c.Request.Context(), middleware.UserID(c), req.ReceiverID, req.AudioSource)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, output)
}

// AcceptCall answers a ringing call
// POST /v1/voice-calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	output, err := h.callService.AcceptCall(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, output)
}

// RejectCall declines a ringing call
// POST /v1/voice-calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	output, err := h.callService.RejectCall(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, output)
}

// EndCall terminates a call
// POST /v1/voice-calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	output, err := h.callService.EndCall(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, output)
}

// FailCall reports that a participant could not carry the call
// POST /v1/voice-calls/:id/fail
func (h *Handler) FailCall(c *gin.Context) {
	var req FailCallRequest
	// an empty body is allowed
	_ = c.ShouldBindJSON(&req)

	output, err := h.callService.FailCall(c.Request.Context(), c.Param("id"), middleware.UserID(c), req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, output)
}

// GetCallStatus returns one call
// GET /v1/voice-calls/:id
func (h *Handler) GetCallStatus(c *gin.Context) {
	output, err := h.callService.GetCallStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, output)
}

// GetCallEvents returns the transition log of a call
// GET /v1/voice-calls/:id/events
func (h *Handler) GetCallEvents(c *gin.Context) {
	events, err := h.callService.GetCallEvents(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"events": events})
}

// GetActiveCall returns the caller's pending or active call
// GET /v1/voice-calls/active
func (h *Handler) GetActiveCall(c *gin.Context) {
	output, err := h.callService.GetActiveCall(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, output)
}

// GetPendingCalls lists calls ringing for the caller
// GET /v1/voice-calls/pending
func (h *Handler) GetPendingCalls(c *gin.Context) {
	calls, err := h.callService.GetPendingCalls(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}

// GetCallHistory lists finished calls, newest first
// GET /v1/voice-calls/history?limit=20
func (h *Handler) GetCallHistory(c *gin.Context) {
	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			response.ValidationError(c, "Invalid limit")
			return
		}
		limit = parsed
	}

	calls, err := h.callService.GetCallHistory(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}

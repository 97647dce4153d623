package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"echolink-backend/internal/domain"
	callService "echolink-backend/internal/service/call"
	apperrors "echolink-backend/pkg/errors"
	"echolink-backend/pkg/response"
)

// Handler handles call lifecycle HTTP requests
type Handler struct {
	callService *callService.Service
}

// NewHandler creates a new call handler
func NewHandler(svc *callService.Service) *Handler {
	return &Handler{callService: svc}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	CallType       string   `json:"call_type" binding:"required,oneof=voice video"`
	ChatID         string   `json:"chat_id" binding:"required"`
	ParticipantIDs []string `json:"participant_ids" binding:"required,min=1"`
}

// InitiateCall starts a new call
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	participants := make([]uuid.UUID, len(req.ParticipantIDs))
	for i, idStr := range req.ParticipantIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			response.ValidationError(c, "Invalid participant ID: "+idStr)
			return
		}
		participants[i] = id
	}

	call, err := h.callService.InitiateCall(c.Request.Context(), userID, req.ChatID, participants, domain.CallType(req.CallType))
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// AnswerCall accepts a ringing call
// POST /v1/calls/:id/answer
func (h *Handler) AnswerCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	callID := c.Param("id")
	if err := h.callService.AnswerCall(c.Request.Context(), callID, userID); err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call answered",
		"call_id": callID,
	})
}

// DeclineCall rejects a ringing call
// POST /v1/calls/:id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	callID := c.Param("id")
	if err := h.callService.DeclineCall(c.Request.Context(), callID, userID); err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call declined",
		"call_id": callID,
	})
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	callID := c.Param("id")
	if err := h.callService.EndCall(c.Request.Context(), callID, userID); err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call ended",
		"call_id": callID,
	})
}

// GetCall retrieves call information
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}

	call, err := h.callService.GetCall(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// HistoryQuery represents call history paging parameters
type HistoryQuery struct {
	Limit  int `form:"limit,default=20" binding:"min=0,max=100"`
	Offset int `form:"offset,default=0" binding:"min=0"`
}

// GetCallHistory pages through the user's archived calls
// GET /v1/calls/history
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var q HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.callService.GetUserCallHistory(c.Request.Context(), userID, q.Limit, q.Offset)
	if err != nil {
		fail(c, err)
		return
	}
	if calls == nil {
		calls = []*domain.CallRecord{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

// currentUser pulls the authenticated user out of the Gin context
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

// fail translates service errors into the response envelope
func fail(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
}

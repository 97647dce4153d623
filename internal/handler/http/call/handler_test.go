package call

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-backend/internal/domain"
	callService "echolink-backend/internal/service/call"
	memstore "echolink-backend/internal/signalstore/memory"
)

func newTestRouter(svc *callService.Service, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(svc)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Next()
	})

	v1 := router.Group("/v1/calls")
	{
		v1.POST("/initiate", h.InitiateCall)
		v1.POST("/:id/answer", h.AnswerCall)
		v1.POST("/:id/decline", h.DeclineCall)
		v1.POST("/:id/end", h.EndCall)
		v1.GET("/history", h.GetCallHistory)
		v1.GET("/:id", h.GetCall)
	}
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestInitiateCallEndpoint(t *testing.T) {
	store := memstore.NewStore()
	alice, bob := uuid.New(), uuid.New()
	router := newTestRouter(callService.NewService(store, nil, nil), alice)

	w := doJSON(t, router, http.MethodPost, "/v1/calls/initiate", gin.H{
		"call_type":       "video",
		"chat_id":         "chat-1",
		"participant_ids": []string{bob.String()},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Success bool               `json:"success"`
		Data    *domain.CallRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Data)
	assert.Equal(t, domain.CallStatusRinging, resp.Data.Status)
	assert.Equal(t, domain.CallTypeVideo, resp.Data.Type)
	assert.NotEmpty(t, resp.Data.ID)
}

func TestInitiateCallValidationErrors(t *testing.T) {
	store := memstore.NewStore()
	alice := uuid.New()
	router := newTestRouter(callService.NewService(store, nil, nil), alice)

	// Unknown call type is rejected by binding
	w := doJSON(t, router, http.MethodPost, "/v1/calls/initiate", gin.H{
		"call_type":       "hologram",
		"chat_id":         "chat-1",
		"participant_ids": []string{uuid.New().String()},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The caller alone is not a valid participant set
	w = doJSON(t, router, http.MethodPost, "/v1/calls/initiate", gin.H{
		"call_type":       "voice",
		"chat_id":         "chat-1",
		"participant_ids": []string{alice.String()},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_PARTICIPANTS", resp.Error.Code)
}

func TestAnswerAndDeclineEndpoints(t *testing.T) {
	store := memstore.NewStore()
	svc := callService.NewService(store, nil, nil)
	alice, bob := uuid.New(), uuid.New()

	call, err := svc.InitiateCall(httptest.NewRequest(http.MethodGet, "/", nil).Context(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVoice)
	require.NoError(t, err)

	// The initiator cannot answer its own ring
	aliceRouter := newTestRouter(svc, alice)
	w := doJSON(t, aliceRouter, http.MethodPost, fmt.Sprintf("/v1/calls/%s/answer", call.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	bobRouter := newTestRouter(svc, bob)
	w = doJSON(t, bobRouter, http.MethodPost, fmt.Sprintf("/v1/calls/%s/answer", call.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// An accepted call cannot be declined anymore
	w = doJSON(t, bobRouter, http.MethodPost, fmt.Sprintf("/v1/calls/%s/decline", call.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, bobRouter, http.MethodPost, fmt.Sprintf("/v1/calls/%s/end", call.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetCallEndpoint(t *testing.T) {
	store := memstore.NewStore()
	svc := callService.NewService(store, nil, nil)
	alice, bob := uuid.New(), uuid.New()
	router := newTestRouter(svc, alice)

	call, err := svc.InitiateCall(httptest.NewRequest(http.MethodGet, "/", nil).Context(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVoice)
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/v1/calls/"+call.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/calls/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCallHistoryWithoutArchive(t *testing.T) {
	store := memstore.NewStore()
	router := newTestRouter(callService.NewService(store, nil, nil), uuid.New())

	w := doJSON(t, router, http.MethodGet, "/v1/calls/history?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Calls []*domain.CallRecord `json:"calls"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data.Calls)
}

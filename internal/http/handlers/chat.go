package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openconvo/convo-backend/internal/http/response"
	"github.com/openconvo/convo-backend/internal/pkg/apierr"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/services"
)

type ChatHandler struct {
	chat services.ChatService
}

func NewChatHandler(chat services.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

type createThreadReq struct {
	Title string `json:"title"`
}

// POST /api/chat/threads
func (h *ChatHandler) CreateThread(c *gin.Context) {
	var req createThreadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	thread, err := h.chat.CreateThread(dbc, req.Title)
	if err != nil {
		respondServiceError(c, err, "create_thread_failed")
		return
	}
	response.RespondOK(c, gin.H{"thread": thread})
}

// GET /api/chat/threads?limit=50
func (h *ChatHandler) ListThreads(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	threads, err := h.chat.ListThreads(dbc, intQuery(c, "limit", 50))
	if err != nil {
		respondServiceError(c, err, "list_threads_failed")
		return
	}
	response.RespondOK(c, gin.H{"threads": threads})
}

// GET /api/chat/threads/:id?limit=50
func (h *ChatHandler) GetThread(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_thread_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	thread, msgs, err := h.chat.GetThread(dbc, threadID, intQuery(c, "limit", 50))
	if err != nil {
		respondServiceError(c, err, "get_thread_failed")
		return
	}
	response.RespondOK(c, gin.H{"thread": thread, "messages": msgs})
}

// GET /api/chat/threads/:id/messages?limit=50&before_seq=123
func (h *ChatHandler) ListMessages(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_thread_id", err)
		return
	}
	var before *int64
	if v := strings.TrimSpace(c.Query("before_seq")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			before = &n
		}
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	msgs, err := h.chat.ListMessages(dbc, threadID, intQuery(c, "limit", 50), before)
	if err != nil {
		respondServiceError(c, err, "list_messages_failed")
		return
	}
	response.RespondOK(c, gin.H{"messages": msgs})
}

// DELETE /api/chat/threads/:id
func (h *ChatHandler) DeleteThread(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_thread_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.chat.DeleteThread(dbc, threadID); err != nil {
		respondServiceError(c, err, "delete_thread_failed")
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}

type startExchangeReq struct {
	ModelID     string   `json:"model_id" binding:"required"`
	Content     string   `json:"content" binding:"required"`
	Temperature *float64 `json:"temperature"`
}

// POST /api/chat/threads/:id/messages
//
// Returns as soon as the user message and the assistant placeholder are
// committed; tokens arrive over the relay or the event stream.
func (h *ChatHandler) StartExchange(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_thread_id", err)
		return
	}
	var req startExchangeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	result, err := h.chat.StartExchange(dbc, services.StartExchangeInput{
		ThreadID:       threadID,
		ModelID:        req.ModelID,
		Content:        req.Content,
		Temperature:    req.Temperature,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		respondServiceError(c, err, "start_exchange_failed")
		return
	}

	payload := gin.H{
		"user_message":      result.UserMessage,
		"assistant_message": result.AssistantMessage,
		"resumed":           result.Resumed,
	}
	if result.Title != "" {
		payload["title"] = result.Title
	}
	c.JSON(http.StatusAccepted, payload)
}

// POST /api/chat/messages/:id/cancel
func (h *ChatHandler) CancelGeneration(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_message_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.chat.CancelGeneration(dbc, messageID); err != nil {
		respondServiceError(c, err, "cancel_failed")
		return
	}
	response.RespondOK(c, gin.H{"cancelled": true})
}

type triggerSummaryReq struct {
	ModelID string `json:"model_id" binding:"required"`
}

// POST /api/chat/threads/:id/summary
func (h *ChatHandler) TriggerSummary(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_thread_id", err)
		return
	}
	var req triggerSummaryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	summary, err := h.chat.TriggerSummary(dbc, threadID, req.ModelID)
	if err != nil {
		respondServiceError(c, err, "summary_failed")
		return
	}
	response.RespondOK(c, gin.H{"summary": summary})
}

// respondServiceError maps service errors onto HTTP statuses. Errors the
// service tagged carry their own status and code; anything else is a 500.
func respondServiceError(c *gin.Context, err error, fallbackCode string) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		response.RespondError(c, ae.Status, ae.Code, ae)
		return
	}
	response.RespondError(c, http.StatusInternalServerError, fallbackCode, err)
}

func intQuery(c *gin.Context, name string, def int) int {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

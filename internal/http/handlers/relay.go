package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/http/response"
	"github.com/openconvo/convo-backend/internal/lifecycle"
	"github.com/openconvo/convo-backend/internal/observability"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/relay"
	"github.com/openconvo/convo-backend/internal/services"
)

type RelayHandler struct {
	log     *logger.Logger
	chat    services.ChatService
	relay   *relay.Relay
	store   *lifecycle.Store
	metrics *observability.Metrics
}

func NewRelayHandler(
	log *logger.Logger,
	chat services.ChatService,
	rl *relay.Relay,
	store *lifecycle.Store,
	metrics *observability.Metrics,
) *RelayHandler {
	return &RelayHandler{
		log:     log.With("handler", "RelayHandler"),
		chat:    chat,
		relay:   rl,
		store:   store,
		metrics: metrics,
	}
}

// GET /api/chat/messages/:id/stream?from_index=0
//
// Replays tokens already produced, then follows the live generation:
// ordered `token` events carrying {token_index, token}, closed by one
// `done` event carrying {status, total_tokens}. A relay inactivity
// timeout ends the session with status "timeout" without touching the
// generation; the client may reconnect with from_index to resume.
func (h *RelayHandler) Stream(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_message_id", err)
		return
	}
	fromIndex := intQuery(c, "from_index", 0)

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	msg, err := h.chat.GetMessage(dbc, messageID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "message_not_found", err)
		return
	}

	sess, err := h.relay.Open(messageID, fromIndex)
	switch {
	case errors.Is(err, relay.ErrBusy):
		response.RespondError(c, http.StatusServiceUnavailable, "relay_busy", err)
		return
	case errors.Is(err, lifecycle.ErrNotFound):
		// Evicted from the live store. Terminal messages replay from the
		// persisted token log; anything else is not streamable here.
		if types.IsTerminalStatus(msg.Status) {
			h.replayFromRow(c, msg, fromIndex)
			return
		}
		response.RespondError(c, http.StatusConflict, "not_streaming",
			fmt.Errorf("message %s is not streaming on this instance", messageID))
		return
	case err != nil:
		response.RespondError(c, http.StatusInternalServerError, "relay_open_failed", err)
		return
	}
	defer sess.Close()

	h.metrics.RelaySessionOpened()
	defer h.metrics.RelaySessionClosed()

	flusher, ok := sseHeaders(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	for {
		ev, err := sess.Next(ctx)
		if err != nil {
			return
		}
		switch ev.Type {
		case lifecycle.EventToken:
			writeSSE(c, flusher, "token", gin.H{
				"token_index": ev.Index,
				"token":       ev.Token,
			})
		case lifecycle.EventStatus:
			data := gin.H{"status": ev.Status}
			if snap, err := h.store.Read(messageID); err == nil {
				data["total_tokens"] = len(snap.Tokens)
			}
			if ev.ErrorCode != "" {
				data["error_code"] = ev.ErrorCode
				data["error_message"] = ev.ErrorMessage
			}
			writeSSE(c, flusher, "done", data)
		}
	}
}

// replayFromRow serves the exact persisted token sequence of a finished
// message. Token boundaries match what live watchers saw.
func (h *RelayHandler) replayFromRow(c *gin.Context, msg *types.ChatMessage, fromIndex int) {
	var tokens []string
	if len(msg.Tokens) > 0 {
		if err := json.Unmarshal(msg.Tokens, &tokens); err != nil {
			h.log.Warn("Persisted token log unreadable", "message_id", msg.ID.String(), "error", err.Error())
		}
	}
	if tokens == nil && msg.Content != "" {
		tokens = []string{msg.Content}
	}

	flusher, ok := sseHeaders(c)
	if !ok {
		return
	}
	if fromIndex < 0 {
		fromIndex = 0
	}
	for i := fromIndex; i < len(tokens); i++ {
		writeSSE(c, flusher, "token", gin.H{
			"token_index": i,
			"token":       tokens[i],
		})
	}
	data := gin.H{"status": msg.Status, "total_tokens": len(tokens)}
	if msg.ErrorCode != "" {
		data["error_code"] = msg.ErrorCode
		data["error_message"] = msg.ErrorMessage
	}
	writeSSE(c, flusher, "done", data)
}

func sseHeaders(c *gin.Context) (http.Flusher, bool) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSE(c *gin.Context, flusher http.Flusher, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, raw)
	flusher.Flush()
}

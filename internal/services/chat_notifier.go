package services

import (
	"context"

	"github.com/google/uuid"

	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/realtime"
)

// ChatNotifier pushes chat lifecycle events onto the user's SSE channel.
// MessageDelta and MessageTerminal satisfy the orchestrator's Notifier so
// generation progress reaches clients that follow the event stream instead
// of (or in addition to) a token relay.
type ChatNotifier interface {
	ThreadCreated(userID uuid.UUID, thread *types.ChatThread)
	ThreadUpdated(userID uuid.UUID, threadID uuid.UUID, fields map[string]any)
	ThreadDeleted(userID uuid.UUID, threadID uuid.UUID)
	MessageCreated(userID uuid.UUID, threadID uuid.UUID, msg *types.ChatMessage)
	MessageDelta(userID, threadID, messageID uuid.UUID, chunk string, contentLen int)
	MessageTerminal(userID, threadID, messageID uuid.UUID, status string, errorCode string)
	SummaryUpdated(userID uuid.UUID, threadID uuid.UUID, modelID string)
}

type chatNotifier struct {
	emit SSEEmitter
}

func NewChatNotifier(emit SSEEmitter) ChatNotifier {
	return &chatNotifier{emit: emit}
}

func (n *chatNotifier) send(userID uuid.UUID, event realtime.SSEEvent, data map[string]any) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   event,
		Data:    data,
	})
}

func (n *chatNotifier) ThreadCreated(userID uuid.UUID, thread *types.ChatThread) {
	n.send(userID, realtime.SSEEventThreadCreated, map[string]any{"thread": thread})
}

func (n *chatNotifier) ThreadUpdated(userID uuid.UUID, threadID uuid.UUID, fields map[string]any) {
	data := map[string]any{"thread_id": threadID}
	for k, v := range fields {
		data[k] = v
	}
	n.send(userID, realtime.SSEEventThreadUpdated, data)
}

func (n *chatNotifier) ThreadDeleted(userID uuid.UUID, threadID uuid.UUID) {
	n.send(userID, realtime.SSEEventThreadDeleted, map[string]any{"thread_id": threadID})
}

func (n *chatNotifier) MessageCreated(userID uuid.UUID, threadID uuid.UUID, msg *types.ChatMessage) {
	n.send(userID, realtime.SSEEventMessageCreated, map[string]any{
		"thread_id": threadID,
		"message":   msg,
	})
}

func (n *chatNotifier) MessageDelta(userID, threadID, messageID uuid.UUID, chunk string, contentLen int) {
	if chunk == "" {
		return
	}
	n.send(userID, realtime.SSEEventMessageDelta, map[string]any{
		"thread_id":   threadID,
		"message_id":  messageID,
		"delta":       chunk,
		"content_len": contentLen,
	})
}

func (n *chatNotifier) MessageTerminal(userID, threadID, messageID uuid.UUID, status string, errorCode string) {
	event := realtime.SSEEventMessageDone
	data := map[string]any{
		"thread_id":  threadID,
		"message_id": messageID,
		"status":     status,
	}
	if status != types.MessageStatusComplete {
		event = realtime.SSEEventMessageError
		data["error_code"] = errorCode
	}
	n.send(userID, event, data)
}

func (n *chatNotifier) SummaryUpdated(userID uuid.UUID, threadID uuid.UUID, modelID string) {
	n.send(userID, realtime.SSEEventSummaryUpdated, map[string]any{
		"thread_id": threadID,
		"model_id":  modelID,
	})
}

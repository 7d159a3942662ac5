package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message statuses. pending/generating are non-terminal; complete/failed/cancelled
// are terminal: once a message reaches one of them its token sequence never
// changes again. User and system messages are written once with status "sent".
const (
	MessageStatusSent       = "sent"
	MessageStatusPending    = "pending"
	MessageStatusGenerating = "generating"
	MessageStatusComplete   = "complete"
	MessageStatusFailed     = "failed"
	MessageStatusCancelled  = "cancelled"
)

func IsTerminalStatus(status string) bool {
	switch status {
	case MessageStatusComplete, MessageStatusFailed, MessageStatusCancelled:
		return true
	default:
		return false
	}
}

type ChatMessage struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ThreadID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_chat_message_thread_seq,unique,priority:1" json:"thread_id"`
	UserID   uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Seq int64 `gorm:"column:seq;not null;index:idx_chat_message_thread_seq,unique,priority:2" json:"seq"`

	ModelID string `gorm:"column:model_id;not null;index" json:"model_id"`

	Role   string `gorm:"column:role;not null;index" json:"role"`
	Status string `gorm:"column:status;not null;default:'sent';index" json:"status"`

	// Content is the joined token text for assistant messages (flushed mid-stream
	// on a throttle, authoritative once terminal) and the full text otherwise.
	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`

	// Tokens preserves the exact token boundaries of a streamed assistant reply.
	// Written once, at terminal flush, so a relay re-opened after completion
	// replays the identical sequence.
	Tokens datatypes.JSON `gorm:"type:jsonb;column:tokens" json:"tokens,omitempty"`

	TokenCount  int  `gorm:"column:token_count;not null;default:0" json:"token_count"`
	IsStreaming bool `gorm:"column:is_streaming;not null;default:false" json:"is_streaming"`

	ErrorCode    string `gorm:"column:error_code;not null;default:''" json:"error_code,omitempty"`
	ErrorMessage string `gorm:"column:error_message;not null;default:''" json:"error_message,omitempty"`
	RetryCount   int    `gorm:"column:retry_count;not null;default:0" json:"retry_count"`

	GenerationStartedAt   *time.Time `gorm:"column:generation_started_at" json:"generation_started_at,omitempty"`
	GenerationCompletedAt *time.Time `gorm:"column:generation_completed_at" json:"generation_completed_at,omitempty"`

	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	// Optional: client-provided idempotency key to dedupe retries for user messages.
	IdempotencyKey string `gorm:"type:text;column:idempotency_key;not null;default:'';index" json:"idempotency_key,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatMessage) TableName() string { return "chat_message" }

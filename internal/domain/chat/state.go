package chat

import (
	"time"

	"github.com/google/uuid"
)

const (
	SummaryJobStatusNone       = "none"
	SummaryJobStatusPending    = "pending"
	SummaryJobStatusGenerating = "generating"
	SummaryJobStatusComplete   = "complete"
	SummaryJobStatusFailed     = "failed"
)

// ThreadModelState holds the per-model conversation state of a thread. A row
// exists only for models that have at least one message in the thread. The
// orchestrator maintains counts/timestamps; the summary fields belong to the
// summarization scheduler.
type ThreadModelState struct {
	ThreadID uuid.UUID `gorm:"type:uuid;primaryKey" json:"thread_id"`
	ModelID  string    `gorm:"primaryKey" json:"model_id"`

	MessageCount  int64     `gorm:"column:message_count;not null;default:0" json:"message_count"`
	LastMessageAt time.Time `gorm:"column:last_message_at;not null;default:now()" json:"last_message_at"`

	Summary          string `gorm:"column:summary;type:text;not null;default:''" json:"summary,omitempty"`
	SummaryTokens    int    `gorm:"column:summary_tokens;not null;default:0" json:"summary_tokens"`
	SummaryJobStatus string `gorm:"column:summary_job_status;not null;default:'none'" json:"summary_job_status"`

	LastTemperature *float64 `gorm:"column:last_temperature" json:"last_temperature,omitempty"`

	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (ThreadModelState) TableName() string { return "chat_thread_model_state" }

package jobs

import (
	"time"

	"github.com/google/uuid"
)

// SummaryJob records one summarization run for a (thread, model) pair. At most
// one is active per pair; a trigger while one is generating is dropped.
type SummaryJob struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ThreadID uuid.UUID `gorm:"type:uuid;not null;index:idx_summary_job_thread_model,priority:1" json:"thread_id"`
	ModelID  string    `gorm:"not null;index:idx_summary_job_thread_model,priority:2" json:"model_id"`

	Status string `gorm:"column:status;not null;default:'pending';index" json:"status"`
	Error  string `gorm:"column:error;not null;default:''" json:"error,omitempty"`

	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (SummaryJob) TableName() string { return "summary_job" }

package keys

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProviderKey holds one user's API key for one provider, sealed with the
// process master key. Plaintext never touches the database.
type ProviderKey struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID   uuid.UUID `gorm:"type:uuid;not null;index:idx_provider_key_user_provider,unique,priority:1" json:"user_id"`
	Provider string    `gorm:"column:provider;not null;index:idx_provider_key_user_provider,unique,priority:2" json:"provider"`

	SealedKey string `gorm:"type:text;column:sealed_key;not null" json:"-"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ProviderKey) TableName() string { return "provider_key" }

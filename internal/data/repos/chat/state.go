package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

type ThreadModelStateRepo interface {
	Get(dbc dbctx.Context, threadID uuid.UUID, modelID string) (*types.ThreadModelState, error)
	GetOrCreate(dbc dbctx.Context, threadID uuid.UUID, modelID string) (*types.ThreadModelState, error)
	UpdateFields(dbc dbctx.Context, threadID uuid.UUID, modelID string, updates map[string]interface{}) error
	// BumpExchange advances the message count and timestamps after a completed exchange.
	BumpExchange(dbc dbctx.Context, threadID uuid.UUID, modelID string, messages int64, temperature *float64) error
}

type threadModelStateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewThreadModelStateRepo(db *gorm.DB, log *logger.Logger) ThreadModelStateRepo {
	return &threadModelStateRepo{db: db, log: log.With("repo", "ThreadModelStateRepo")}
}

func (r *threadModelStateRepo) Get(dbc dbctx.Context, threadID uuid.UUID, modelID string) (*types.ThreadModelState, error) {
	if threadID == uuid.Nil || strings.TrimSpace(modelID) == "" {
		return nil, fmt.Errorf("missing thread_id or model_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.ThreadModelState
	err := txx.WithContext(dbc.Ctx).
		Model(&types.ThreadModelState{}).
		Where("thread_id = ? AND model_id = ?", threadID, modelID).
		First(&out).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *threadModelStateRepo) GetOrCreate(dbc dbctx.Context, threadID uuid.UUID, modelID string) (*types.ThreadModelState, error) {
	if threadID == uuid.Nil || strings.TrimSpace(modelID) == "" {
		return nil, fmt.Errorf("missing thread_id or model_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	now := time.Now().UTC()
	row := &types.ThreadModelState{
		ThreadID:         threadID,
		ModelID:          modelID,
		LastMessageAt:    now,
		SummaryJobStatus: types.SummaryJobStatusNone,
		UpdatedAt:        now,
	}
	if err := txx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error; err != nil {
		return nil, err
	}
	return r.Get(dbc, threadID, modelID)
}

func (r *threadModelStateRepo) UpdateFields(dbc dbctx.Context, threadID uuid.UUID, modelID string, updates map[string]interface{}) error {
	if threadID == uuid.Nil || strings.TrimSpace(modelID) == "" {
		return fmt.Errorf("missing thread_id or model_id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.ThreadModelState{}).
		Where("thread_id = ? AND model_id = ?", threadID, modelID).
		Updates(updates).Error
}

func (r *threadModelStateRepo) BumpExchange(dbc dbctx.Context, threadID uuid.UUID, modelID string, messages int64, temperature *float64) error {
	if threadID == uuid.Nil || strings.TrimSpace(modelID) == "" {
		return fmt.Errorf("missing thread_id or model_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"message_count":   gorm.Expr("message_count + ?", messages),
		"last_message_at": now,
		"updated_at":      now,
	}
	if temperature != nil {
		updates["last_temperature"] = *temperature
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.ThreadModelState{}).
		Where("thread_id = ? AND model_id = ?", threadID, modelID).
		Updates(updates).Error
}

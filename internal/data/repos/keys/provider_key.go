package keys

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

type ProviderKeyRepo interface {
	// Upsert replaces the sealed key for (user, provider).
	Upsert(dbc dbctx.Context, row *types.ProviderKey) (*types.ProviderKey, error)
	Get(dbc dbctx.Context, userID uuid.UUID, provider string) (*types.ProviderKey, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.ProviderKey, error)
	Delete(dbc dbctx.Context, userID uuid.UUID, provider string) error
}

type providerKeyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProviderKeyRepo(db *gorm.DB, baseLog *logger.Logger) ProviderKeyRepo {
	return &providerKeyRepo{db: db, log: baseLog.With("repo", "ProviderKeyRepo")}
}

func (r *providerKeyRepo) Upsert(dbc dbctx.Context, row *types.ProviderKey) (*types.ProviderKey, error) {
	if row == nil {
		return nil, fmt.Errorf("nil provider key")
	}
	row.Provider = strings.ToLower(strings.TrimSpace(row.Provider))
	if row.UserID == uuid.Nil || row.Provider == "" {
		return nil, fmt.Errorf("missing user or provider")
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := time.Now().UTC()
	row.UpdatedAt = now
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	err := txx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"sealed_key", "updated_at"}),
		}).
		Create(row).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *providerKeyRepo) Get(dbc dbctx.Context, userID uuid.UUID, provider string) (*types.ProviderKey, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if userID == uuid.Nil || provider == "" {
		return nil, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var row types.ProviderKey
	err := txx.WithContext(dbc.Ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *providerKeyRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.ProviderKey, error) {
	if userID == uuid.Nil {
		return nil, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var rows []*types.ProviderKey
	err := txx.WithContext(dbc.Ctx).
		Where("user_id = ?", userID).
		Order("provider ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *providerKeyRepo) Delete(dbc dbctx.Context, userID uuid.UUID, provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if userID == uuid.Nil || provider == "" {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&types.ProviderKey{}).Error
}

package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

type SummaryJobRepo interface {
	Create(dbc dbctx.Context, job *types.SummaryJob) (*types.SummaryJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.SummaryJob, error)
	// GetActive returns the pending or generating job for a (thread, model)
	// pair, or nil when none is in flight.
	GetActive(dbc dbctx.Context, threadID uuid.UUID, modelID string) (*types.SummaryJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type summaryJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSummaryJobRepo(db *gorm.DB, baseLog *logger.Logger) SummaryJobRepo {
	return &summaryJobRepo{db: db, log: baseLog.With("repo", "SummaryJobRepo")}
}

func (r *summaryJobRepo) Create(dbc dbctx.Context, job *types.SummaryJob) (*types.SummaryJob, error) {
	if job == nil {
		return nil, fmt.Errorf("nil summary job")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *summaryJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.SummaryJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var job types.SummaryJob
	err := txx.WithContext(dbc.Ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *summaryJobRepo) GetActive(dbc dbctx.Context, threadID uuid.UUID, modelID string) (*types.SummaryJob, error) {
	if threadID == uuid.Nil || strings.TrimSpace(modelID) == "" {
		return nil, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var job types.SummaryJob
	err := txx.WithContext(dbc.Ctx).
		Where("thread_id = ? AND model_id = ? AND status IN ?", threadID, modelID,
			[]string{types.SummaryJobStatusPending, types.SummaryJobStatusGenerating}).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *summaryJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.SummaryJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/openconvo/convo-backend/internal/data/repos"
	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/lifecycle"
	"github.com/openconvo/convo-backend/internal/orchestrator"
	"github.com/openconvo/convo-backend/internal/pkg/apierr"
	"github.com/openconvo/convo-backend/internal/pkg/ctxutil"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

const (
	maxUserContentLen   = 20000
	maxIdempotencyKey   = 200
	defaultThreadTitle  = "New conversation"
	defaultMessagePage  = 50
	defaultThreadsLimit = 100
)

type StartExchangeInput struct {
	ThreadID       uuid.UUID
	ModelID        string
	Content        string
	Temperature    *float64
	IdempotencyKey string
}

type StartExchangeResult struct {
	UserMessage      *types.ChatMessage
	AssistantMessage *types.ChatMessage
	// Title is set when this call started the thread's first exchange.
	Title string
	// Resumed reports that an idempotency-key retry matched an existing
	// exchange; no new generation was started.
	Resumed bool
}

type ChatService interface {
	CreateThread(dbc dbctx.Context, title string) (*types.ChatThread, error)
	ListThreads(dbc dbctx.Context, limit int) ([]*types.ChatThread, error)
	GetThread(dbc dbctx.Context, threadID uuid.UUID, limit int) (*types.ChatThread, []*types.ChatMessage, error)
	ListMessages(dbc dbctx.Context, threadID uuid.UUID, limit int, beforeSeq *int64) ([]*types.ChatMessage, error)
	DeleteThread(dbc dbctx.Context, threadID uuid.UUID) error

	// StartExchange persists the user's message, creates the assistant
	// placeholder, and launches the generation. It returns as soon as the
	// placeholder exists; tokens flow through the relay and the SSE hub.
	StartExchange(dbc dbctx.Context, in StartExchangeInput) (*StartExchangeResult, error)
	CancelGeneration(dbc dbctx.Context, messageID uuid.UUID) error

	// GetMessage fetches one message, enforcing ownership. Used by the relay
	// endpoint to replay completed messages evicted from the live store.
	GetMessage(dbc dbctx.Context, messageID uuid.UUID) (*types.ChatMessage, error)

	TriggerSummary(dbc dbctx.Context, threadID uuid.UUID, modelID string) (string, error)
}

type chatService struct {
	db  *gorm.DB
	log *logger.Logger

	threads  repos.ChatThreadRepo
	messages repos.ChatMessageRepo
	states   repos.ThreadModelStateRepo

	store     *lifecycle.Store
	orc       *orchestrator.Orchestrator
	scheduler *orchestrator.Scheduler
	notify    ChatNotifier

	systemPrompt string
}

func NewChatService(
	db *gorm.DB,
	baseLog *logger.Logger,
	threadRepo repos.ChatThreadRepo,
	messageRepo repos.ChatMessageRepo,
	stateRepo repos.ThreadModelStateRepo,
	store *lifecycle.Store,
	orc *orchestrator.Orchestrator,
	scheduler *orchestrator.Scheduler,
	notify ChatNotifier,
	systemPrompt string,
) ChatService {
	return &chatService{
		db:           db,
		log:          baseLog.With("service", "ChatService"),
		threads:      threadRepo,
		messages:     messageRepo,
		states:       stateRepo,
		store:        store,
		orc:          orc,
		scheduler:    scheduler,
		notify:       notify,
		systemPrompt: systemPrompt,
	}
}

func (s *chatService) CreateThread(dbc dbctx.Context, title string) (*types.ChatThread, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.New(401, "unauthorized", fmt.Errorf("not authenticated"))
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultThreadTitle
	}

	now := time.Now().UTC()
	thread := &types.ChatThread{
		ID:            uuid.New(),
		UserID:        rd.UserID,
		Title:         title,
		Status:        "active",
		Metadata:      datatypes.JSON([]byte(`{}`)),
		NextSeq:       0,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := s.threads.Create(dbc, []*types.ChatThread{thread})
	if err != nil {
		return nil, err
	}
	if len(created) == 0 || created[0] == nil {
		return nil, fmt.Errorf("failed to create thread")
	}

	if s.notify != nil {
		s.notify.ThreadCreated(rd.UserID, created[0])
	}
	return created[0], nil
}

func (s *chatService) ListThreads(dbc dbctx.Context, limit int) ([]*types.ChatThread, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.New(401, "unauthorized", fmt.Errorf("not authenticated"))
	}
	if limit <= 0 || limit > 500 {
		limit = defaultThreadsLimit
	}
	return s.threads.ListByUser(dbc, rd.UserID, limit)
}

func (s *chatService) GetThread(dbc dbctx.Context, threadID uuid.UUID, limit int) (*types.ChatThread, []*types.ChatMessage, error) {
	th, err := s.ownedThread(dbc, threadID)
	if err != nil {
		return nil, nil, err
	}
	if limit <= 0 {
		limit = defaultMessagePage
	}
	msgs, err := s.messages.ListByThread(dbc, threadID, limit, nil)
	if err != nil {
		return nil, nil, err
	}
	return th, msgs, nil
}

func (s *chatService) ListMessages(dbc dbctx.Context, threadID uuid.UUID, limit int, beforeSeq *int64) ([]*types.ChatMessage, error) {
	if _, err := s.ownedThread(dbc, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessagePage
	}
	return s.messages.ListByThread(dbc, threadID, limit, beforeSeq)
}

func (s *chatService) DeleteThread(dbc dbctx.Context, threadID uuid.UUID) error {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if _, err := s.ownedThread(dbc, threadID); err != nil {
		return err
	}
	if err := s.threads.SoftDelete(dbc, threadID); err != nil {
		return err
	}
	if s.notify != nil && rd != nil {
		s.notify.ThreadDeleted(rd.UserID, threadID)
	}
	return nil
}

func (s *chatService) StartExchange(dbc dbctx.Context, in StartExchangeInput) (*StartExchangeResult, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.New(401, "unauthorized", fmt.Errorf("not authenticated"))
	}
	if in.ThreadID == uuid.Nil {
		return nil, apierr.New(400, "invalid_request", fmt.Errorf("missing thread id"))
	}
	in.ModelID = strings.TrimSpace(in.ModelID)
	if in.ModelID == "" {
		return nil, apierr.New(400, "invalid_request", fmt.Errorf("missing model id"))
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return nil, apierr.New(400, "invalid_request", fmt.Errorf("missing content"))
	}
	if len(in.Content) > maxUserContentLen {
		return nil, apierr.New(413, "invalid_request", fmt.Errorf("message exceeds %d bytes", maxUserContentLen))
	}
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if len(in.IdempotencyKey) > maxIdempotencyKey {
		return nil, apierr.New(400, "invalid_request", fmt.Errorf("idempotency key too long"))
	}
	if in.Temperature != nil && (*in.Temperature < 0 || *in.Temperature > 2) {
		return nil, apierr.New(400, "invalid_request", fmt.Errorf("temperature must be between 0 and 2"))
	}

	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}

	var (
		result        StartExchangeResult
		firstExchange bool
	)

	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}

		// Row lock gives concurrency-safe sequencing per thread.
		th, err := s.threads.LockByID(inner, in.ThreadID)
		if err != nil {
			return err
		}
		if th == nil || th.ID == uuid.Nil || th.UserID != rd.UserID {
			return apierr.New(404, "not_found", fmt.Errorf("thread not found"))
		}

		// Idempotent retry: the client resent a message we already took.
		if in.IdempotencyKey != "" {
			existing, err := s.messages.FindByIdempotencyKey(inner, in.ThreadID, rd.UserID, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result.UserMessage = existing
				result.Resumed = true
				asst, _ := s.messages.GetBySeq(inner, in.ThreadID, existing.Seq+1)
				if asst != nil && asst.Role == types.RoleAssistant {
					result.AssistantMessage = asst
				}
				return nil
			}
		}

		// One generation at a time per thread keeps ordering sane.
		if last, err := s.messages.GetBySeq(inner, in.ThreadID, th.NextSeq); err != nil {
			return err
		} else if last != nil && last.Role == types.RoleAssistant && !types.IsTerminalStatus(last.Status) {
			return apierr.New(409, "thread_busy", fmt.Errorf("an exchange is already in flight"))
		}

		firstExchange = th.NextSeq == 0

		now := time.Now().UTC()
		seqUser := th.NextSeq + 1
		seqAsst := seqUser + 1

		userMsg := &types.ChatMessage{
			ID:             uuid.New(),
			ThreadID:       in.ThreadID,
			UserID:         rd.UserID,
			Seq:            seqUser,
			ModelID:        in.ModelID,
			Role:           types.RoleUser,
			Status:         types.MessageStatusSent,
			Content:        in.Content,
			Metadata:       datatypes.JSON([]byte(`{}`)),
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		asstMsg := &types.ChatMessage{
			ID:        uuid.New(),
			ThreadID:  in.ThreadID,
			UserID:    rd.UserID,
			Seq:       seqAsst,
			ModelID:   in.ModelID,
			Role:      types.RoleAssistant,
			Status:    types.MessageStatusPending,
			Content:   "",
			Metadata:  datatypes.JSON([]byte(`{}`)),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := s.messages.Create(inner, []*types.ChatMessage{userMsg, asstMsg}); err != nil {
			return err
		}

		if _, err := s.states.GetOrCreate(inner, in.ThreadID, in.ModelID); err != nil {
			return err
		}

		if err := s.threads.UpdateFields(inner, in.ThreadID, map[string]interface{}{
			"next_seq":        seqAsst,
			"last_message_at": now,
			"updated_at":      now,
		}); err != nil {
			return err
		}

		result.UserMessage = userMsg
		result.AssistantMessage = asstMsg
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Resumed {
		return &result, nil
	}

	if s.notify != nil {
		s.notify.MessageCreated(rd.UserID, in.ThreadID, result.UserMessage)
		s.notify.MessageCreated(rd.UserID, in.ThreadID, result.AssistantMessage)
	}

	// The placeholder is committed; register it and detach the generation.
	if err := s.store.Track(result.AssistantMessage.ID, types.MessageStatusPending); err != nil {
		s.failPlaceholder(dbc, result.AssistantMessage.ID, err)
		return nil, err
	}
	if err := s.orc.Start(orchestrator.Input{
		ThreadID:           in.ThreadID,
		UserID:             rd.UserID,
		AssistantMessageID: result.AssistantMessage.ID,
		ModelID:            in.ModelID,
		SystemPrompt:       s.systemPrompt,
		Temperature:        in.Temperature,
	}); err != nil {
		s.failPlaceholder(dbc, result.AssistantMessage.ID, err)
		return nil, err
	}

	// The first exchange names the thread before the call returns, from the
	// user's text alone; the reply is still streaming.
	if firstExchange && s.scheduler != nil {
		title, err := s.scheduler.GenerateTitle(dbc.Ctx, in.ThreadID, in.ModelID, in.Content, "")
		if err != nil {
			s.log.Warn("Thread title not persisted", "thread_id", in.ThreadID.String(), "error", err.Error())
		} else {
			result.Title = title
			if s.notify != nil {
				s.notify.ThreadUpdated(rd.UserID, in.ThreadID, map[string]any{"title": title})
			}
		}
	}

	return &result, nil
}

// failPlaceholder marks an assistant placeholder failed when the generation
// could not be launched. The row exists and clients may already see it, so
// it must not stay pending forever.
func (s *chatService) failPlaceholder(dbc dbctx.Context, messageID uuid.UUID, cause error) {
	_ = s.store.SetStatus(messageID, types.MessageStatusFailed, "provider_error", cause.Error())
	if err := s.messages.UpdateFields(dbc, messageID, map[string]interface{}{
		"status":        types.MessageStatusFailed,
		"error_code":    "provider_error",
		"error_message": cause.Error(),
	}); err != nil {
		s.log.Error("Placeholder cleanup failed", "message_id", messageID.String(), "error", err.Error())
	}
}

func (s *chatService) CancelGeneration(dbc dbctx.Context, messageID uuid.UUID) error {
	if _, err := s.ownedMessage(dbc, messageID); err != nil {
		return err
	}
	return s.orc.Cancel(messageID)
}

func (s *chatService) GetMessage(dbc dbctx.Context, messageID uuid.UUID) (*types.ChatMessage, error) {
	return s.ownedMessage(dbc, messageID)
}

func (s *chatService) TriggerSummary(dbc dbctx.Context, threadID uuid.UUID, modelID string) (string, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if _, err := s.ownedThread(dbc, threadID); err != nil {
		return "", err
	}
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return "", apierr.New(400, "invalid_request", fmt.Errorf("missing model id"))
	}
	summary, err := s.scheduler.TriggerSummary(dbc.Ctx, threadID, modelID)
	if err != nil {
		return "", err
	}
	if s.notify != nil && rd != nil {
		s.notify.SummaryUpdated(rd.UserID, threadID, modelID)
	}
	return summary, nil
}

func (s *chatService) ownedThread(dbc dbctx.Context, threadID uuid.UUID) (*types.ChatThread, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.New(401, "unauthorized", fmt.Errorf("not authenticated"))
	}
	if threadID == uuid.Nil {
		return nil, apierr.New(400, "invalid_request", fmt.Errorf("missing thread id"))
	}
	rows, err := s.threads.GetByIDs(dbc, []uuid.UUID{threadID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0] == nil || rows[0].UserID != rd.UserID {
		return nil, apierr.New(404, "not_found", fmt.Errorf("thread not found"))
	}
	return rows[0], nil
}

func (s *chatService) ownedMessage(dbc dbctx.Context, messageID uuid.UUID) (*types.ChatMessage, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.New(401, "unauthorized", fmt.Errorf("not authenticated"))
	}
	if messageID == uuid.Nil {
		return nil, apierr.New(400, "invalid_request", fmt.Errorf("missing message id"))
	}
	msg, err := s.messages.GetByID(dbc, messageID)
	if err != nil {
		return nil, apierr.New(404, "not_found", fmt.Errorf("message not found"))
	}
	if msg == nil || msg.UserID != rd.UserID {
		return nil, apierr.New(404, "not_found", fmt.Errorf("message not found"))
	}
	return msg, nil
}

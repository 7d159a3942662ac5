package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openconvo/convo-backend/internal/contextbuild"
	"github.com/openconvo/convo-backend/internal/data/repos"
	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/observability"
	"github.com/openconvo/convo-backend/internal/pkg/ctxutil"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/provider"
)

const (
	titleMaxRunes    = 80
	titleTemperature = 0.2
	titleMaxTokens   = 32
	summaryTurns     = 60
	summaryMaxChars  = 2800 // ~700 tokens
)

// Scheduler produces thread titles and rolling per-model summaries.
// Titles are synchronous; summaries run in the background with at most
// one active job per (thread, model).
type Scheduler struct {
	log      *logger.Logger
	threads  repos.ChatThreadRepo
	messages repos.ChatMessageRepo
	states   repos.ThreadModelStateRepo
	jobs     repos.SummaryJobRepo
	registry *provider.Registry
	metrics  *observability.Metrics

	timeout time.Duration

	mu     sync.Mutex
	active map[string]struct{}
}

type SchedulerDeps struct {
	Threads  repos.ChatThreadRepo
	Messages repos.ChatMessageRepo
	States   repos.ThreadModelStateRepo
	Jobs     repos.SummaryJobRepo
	Registry *provider.Registry
	Metrics  *observability.Metrics
}

func NewScheduler(deps SchedulerDeps, timeout time.Duration, log *logger.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Scheduler{
		log:      log.With("service", "Scheduler"),
		threads:  deps.Threads,
		messages: deps.Messages,
		states:   deps.States,
		jobs:     deps.Jobs,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		timeout:  timeout,
		active:   map[string]struct{}{},
	}
}

// GenerateTitle derives a short thread title from the first exchange
// and persists it. Synchronous: the first exchange's response includes
// the title. Failures fall back to a truncation of the user's text so
// the thread never stays untitled.
func (s *Scheduler) GenerateTitle(ctx context.Context, threadID uuid.UUID, modelID, userText, assistantText string) (string, error) {
	title := ""
	adapter, err := s.registry.Route(modelID)
	if err == nil {
		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		temp := titleTemperature
		out, sendErr := adapter.SendMessage(reqCtx, provider.Request{
			Model:        modelID,
			SystemPrompt: "You name conversations. Reply with a short title, at most six words. No quotes, no trailing punctuation.",
			Turns: []provider.Turn{{
				Role:    types.RoleUser,
				Content: fmt.Sprintf("User: %s\n\nAssistant: %s", clip(userText, 1200), clip(assistantText, 1200)),
			}},
			Temperature: &temp,
			MaxTokens:   titleMaxTokens,
		})
		cancel()
		if sendErr != nil {
			s.log.Warn("Title generation failed, using fallback",
				"thread_id", threadID.String(),
				"error", sendErr.Error(),
			)
		} else {
			title = sanitizeTitle(out)
		}
	}
	if title == "" {
		title = sanitizeTitle(userText)
	}
	if title == "" {
		title = "New conversation"
	}

	dbc := dbctx.Context{Ctx: ctx}
	if err := s.threads.UpdateFields(dbc, threadID, map[string]interface{}{"title": title}); err != nil {
		return "", err
	}
	return title, nil
}

func sanitizeTitle(raw string) string {
	t := strings.TrimSpace(raw)
	t = strings.Trim(t, `"'`)
	if i := strings.IndexAny(t, "\r\n"); i >= 0 {
		t = t[:i]
	}
	t = strings.TrimRight(strings.TrimSpace(t), ".!,;:")
	runes := []rune(t)
	if len(runes) > titleMaxRunes {
		t = strings.TrimSpace(string(runes[:titleMaxRunes]))
	}
	return t
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func summaryKey(threadID uuid.UUID, modelID string) string {
	return threadID.String() + "|" + strings.ToLower(strings.TrimSpace(modelID))
}

// ScheduleSummary starts a background summary refresh unless one is
// already pending or generating for the pair. Fire and forget: errors
// land in the job row, never on the caller.
func (s *Scheduler) ScheduleSummary(threadID uuid.UUID, modelID string) {
	key := summaryKey(threadID, modelID)
	s.mu.Lock()
	if _, busy := s.active[key]; busy {
		s.mu.Unlock()
		return
	}
	s.active[key] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Summary job panicked", "thread_id", threadID.String(), "panic", fmt.Sprint(r))
			}
			s.mu.Lock()
			delete(s.active, key)
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.runSummary(ctx, threadID, modelID); err != nil {
			s.log.Warn("Summary job failed",
				"thread_id", threadID.String(),
				"model", modelID,
				"error", err.Error(),
			)
		}
	}()
}

// TriggerSummary refreshes the summary synchronously and returns it.
// Like ScheduleSummary it refuses to stack on an active job.
func (s *Scheduler) TriggerSummary(ctx context.Context, threadID uuid.UUID, modelID string) (string, error) {
	key := summaryKey(threadID, modelID)
	s.mu.Lock()
	if _, busy := s.active[key]; busy {
		s.mu.Unlock()
		return "", fmt.Errorf("summary already in flight for thread %s", threadID)
	}
	s.active[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, key)
		s.mu.Unlock()
	}()
	return s.runSummary(ctx, threadID, modelID)
}

func (s *Scheduler) runSummary(ctx context.Context, threadID uuid.UUID, modelID string) (string, error) {
	// Background runs carry no caller; act as the thread owner so key
	// resolution matches interactive generations on the same thread.
	if ctxutil.GetRequestData(ctx) == nil {
		if rows, err := s.threads.GetByIDs(dbctx.Context{Ctx: ctx}, []uuid.UUID{threadID}); err == nil && len(rows) > 0 {
			ctx = ctxutil.WithRequestData(ctx, &ctxutil.RequestData{
				UserID:    rows[0].UserID,
				RequestID: uuid.New().String(),
			})
		}
	}
	dbc := dbctx.Context{Ctx: ctx}

	// A pending/generating row from another instance also blocks.
	if existing, err := s.jobs.GetActive(dbc, threadID, modelID); err != nil {
		return "", err
	} else if existing != nil {
		return "", fmt.Errorf("summary job %s already active", existing.ID)
	}

	job, err := s.jobs.Create(dbc, &types.SummaryJob{
		ID:       uuid.New(),
		ThreadID: threadID,
		ModelID:  modelID,
		Status:   types.SummaryJobStatusPending,
	})
	if err != nil {
		return "", err
	}
	_ = s.states.UpdateFields(dbc, threadID, modelID, map[string]interface{}{
		"summary_job_status": types.SummaryJobStatusPending,
	})

	fail := func(cause error) (string, error) {
		_ = s.jobs.UpdateFields(dbc, job.ID, map[string]interface{}{
			"status":       types.SummaryJobStatusFailed,
			"error":        cause.Error(),
			"completed_at": time.Now().UTC(),
		})
		_ = s.states.UpdateFields(dbc, threadID, modelID, map[string]interface{}{
			"summary_job_status": types.SummaryJobStatusFailed,
		})
		s.metrics.ObserveSummaryJob("failed")
		return "", cause
	}

	now := time.Now().UTC()
	_ = s.jobs.UpdateFields(dbc, job.ID, map[string]interface{}{
		"status":     types.SummaryJobStatusGenerating,
		"started_at": &now,
	})
	_ = s.states.UpdateFields(dbc, threadID, modelID, map[string]interface{}{
		"summary_job_status": types.SummaryJobStatusGenerating,
	})

	var prior string
	if st, err := s.states.Get(dbc, threadID, modelID); err == nil && st != nil {
		prior = st.Summary
	}

	history, err := s.messages.ListByThreadModel(dbc, threadID, modelID, summaryTurns)
	if err != nil {
		return fail(err)
	}
	var transcript strings.Builder
	for _, m := range history {
		if m.Role == types.RoleAssistant && m.Status != types.MessageStatusComplete {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		transcript.WriteString(m.Role)
		transcript.WriteString(": ")
		transcript.WriteString(clip(m.Content, 1500))
		transcript.WriteString("\n\n")
	}
	if transcript.Len() == 0 {
		return fail(fmt.Errorf("nothing to summarize"))
	}

	userPayload := transcript.String()
	if prior = strings.TrimSpace(prior); prior != "" {
		userPayload = "Existing summary:\n" + prior + "\n\nRecent conversation:\n" + userPayload
	}

	adapter, err := s.registry.Route(modelID)
	if err != nil {
		return fail(err)
	}
	release, err := s.registry.Acquire(ctx, adapter.Name())
	if err != nil {
		return fail(err)
	}
	defer release()

	summary, err := adapter.SendMessage(ctx, provider.Request{
		Model:        modelID,
		SystemPrompt: "Condense the conversation into a running summary a model can use as context. Keep facts, decisions, names, and open questions. Aim for two or three tight paragraphs.",
		Turns:        []provider.Turn{{Role: types.RoleUser, Content: userPayload}},
	})
	if err != nil {
		return fail(err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fail(fmt.Errorf("empty summary from provider"))
	}
	if runes := []rune(summary); len(runes) > summaryMaxChars {
		summary = string(runes[:summaryMaxChars])
	}

	done := time.Now().UTC()
	if err := s.states.UpdateFields(dbc, threadID, modelID, map[string]interface{}{
		"summary":            summary,
		"summary_tokens":     contextbuild.EstimateTokens(summary),
		"summary_job_status": types.SummaryJobStatusComplete,
	}); err != nil {
		return fail(err)
	}
	_ = s.jobs.UpdateFields(dbc, job.ID, map[string]interface{}{
		"status":       types.SummaryJobStatusComplete,
		"completed_at": &done,
	})
	s.metrics.ObserveSummaryJob("complete")
	s.log.Info("Summary refreshed",
		"thread_id", threadID.String(),
		"model", modelID,
		"summary_tokens", contextbuild.EstimateTokens(summary),
	)
	return summary, nil
}

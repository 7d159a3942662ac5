// Package orchestrator runs assistant message generation end to end:
// context assembly, provider streaming, token persistence, and the
// message status machine. One generation job owns its message
// exclusively; nothing else writes to an in-flight message.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/openconvo/convo-backend/internal/contextbuild"
	"github.com/openconvo/convo-backend/internal/data/repos"
	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/lifecycle"
	"github.com/openconvo/convo-backend/internal/observability"
	"github.com/openconvo/convo-backend/internal/pkg/ctxutil"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/provider"
)

var ErrNotRunning = errors.New("no generation running for message")

// Notifier receives coarse generation progress for fan-out beyond this
// process. Deltas are throttled; token-exact delivery is the relay's
// job. All methods must be non-blocking.
type Notifier interface {
	MessageDelta(userID, threadID, messageID uuid.UUID, chunk string, contentLen int)
	MessageTerminal(userID, threadID, messageID uuid.UUID, status string, errorCode string)
}

type Config struct {
	// InactivityTimeout fails a generation that produced no token for
	// this long. Zero means 45s.
	InactivityTimeout time.Duration
	// TotalTimeout bounds the whole generation. Zero means 180s.
	TotalTimeout time.Duration
	// ConnectRetries bounds stream re-connects before the first token.
	// After the first token a failure is terminal, never retried.
	ConnectRetries int
	// ContextBudget is the prompt-side token budget. Zero means 6000.
	ContextBudget int
	// MaxOutputTokens caps the response. Zero leaves it to the provider.
	MaxOutputTokens int
}

func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 45 * time.Second
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = 180 * time.Second
	}
	if c.ConnectRetries < 0 {
		c.ConnectRetries = 0
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 6000
	}
	return c
}

const (
	dbFlushInterval = 750 * time.Millisecond
	dbFlushBytes    = 256
	notifyInterval  = 150 * time.Millisecond
	notifyBytes     = 512
)

type Deps struct {
	Threads  repos.ChatThreadRepo
	Messages repos.ChatMessageRepo
	States   repos.ThreadModelStateRepo
	JobRuns  repos.JobRunRepo
	Store    *lifecycle.Store
	Registry *provider.Registry
	Notify   Notifier
	Metrics  *observability.Metrics

	// OnComplete fires after a generation lands complete, once the terminal
	// row is flushed. Used to kick off the background summary refresh.
	OnComplete func(threadID uuid.UUID, modelID string)
}

type Orchestrator struct {
	log  *logger.Logger
	deps Deps
	cfg  Config

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

func New(deps Deps, cfg Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		log:     log.With("service", "Orchestrator"),
		deps:    deps,
		cfg:     cfg.withDefaults(),
		running: map[uuid.UUID]context.CancelFunc{},
	}
}

// Input identifies one generation job. The assistant message row must
// already exist in status pending and be tracked in the lifecycle store.
type Input struct {
	ThreadID           uuid.UUID
	UserID             uuid.UUID
	AssistantMessageID uuid.UUID
	ModelID            string
	SystemPrompt       string
	Temperature        *float64
}

// Start launches the generation in the background and returns once the
// job is registered. The job detaches from the caller's context; only
// Cancel or the configured deadlines stop it.
func (o *Orchestrator) Start(in Input) error {
	if in.AssistantMessageID == uuid.Nil || in.ThreadID == uuid.Nil {
		return fmt.Errorf("thread and assistant message ids required")
	}

	// The run outlives the HTTP request, but provider key resolution
	// still needs the caller's identity on the context.
	runCtx, cancel := context.WithCancel(ctxutil.WithRequestData(context.Background(), &ctxutil.RequestData{
		UserID:    in.UserID,
		RequestID: uuid.New().String(),
	}))

	o.mu.Lock()
	if _, exists := o.running[in.AssistantMessageID]; exists {
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("generation already running for message %s", in.AssistantMessageID)
	}
	o.running[in.AssistantMessageID] = cancel
	o.mu.Unlock()

	jobID := o.recordJobRun(in)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("Generation panicked",
					"message_id", in.AssistantMessageID.String(),
					"panic", fmt.Sprint(r),
				)
				o.finalize(in, jobID, types.MessageStatusFailed, "provider_error", fmt.Sprintf("panic: %v", r), nil, "")
			}
			o.mu.Lock()
			delete(o.running, in.AssistantMessageID)
			o.mu.Unlock()
			cancel()
		}()
		o.run(runCtx, in, jobID)
	}()
	return nil
}

// Cancel stops a running generation. The message lands in status
// cancelled with whatever tokens were streamed so far.
func (o *Orchestrator) Cancel(messageID uuid.UUID) error {
	o.mu.Lock()
	cancel, ok := o.running[messageID]
	o.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel()
	return nil
}

// Running reports whether a generation job owns the message.
func (o *Orchestrator) Running(messageID uuid.UUID) bool {
	o.mu.Lock()
	_, ok := o.running[messageID]
	o.mu.Unlock()
	return ok
}

func (o *Orchestrator) recordJobRun(in Input) uuid.UUID {
	if o.deps.JobRuns == nil {
		return uuid.Nil
	}
	msgID := in.AssistantMessageID
	runs, err := o.deps.JobRuns.Create(dbctx.Context{Ctx: context.Background()}, []*types.JobRun{{
		ID:          uuid.New(),
		OwnerUserID: in.UserID,
		JobType:     "chat_generation",
		EntityType:  "chat_message",
		EntityID:    &msgID,
		Status:      types.JobStatusQueued,
	}})
	if err != nil || len(runs) == 0 {
		o.log.Warn("Job run create failed", "error", fmt.Sprint(err))
		return uuid.Nil
	}
	return runs[0].ID
}

func (o *Orchestrator) run(ctx context.Context, in Input, jobID uuid.UUID) {
	start := time.Now()
	dbc := dbctx.Context{Ctx: context.Background()}
	log := o.log.With("thread_id", in.ThreadID.String(), "message_id", in.AssistantMessageID.String(), "model", in.ModelID)

	if jobID != uuid.Nil {
		_ = o.deps.JobRuns.MarkStarted(dbc, jobID)
	}

	ctx, cancelTotal := context.WithTimeout(ctx, o.cfg.TotalTimeout)
	defer cancelTotal()

	// pending -> generating
	if err := o.deps.Store.SetStatus(in.AssistantMessageID, types.MessageStatusGenerating, "", ""); err != nil {
		log.Error("Cannot mark generating", "error", err.Error())
		o.finalize(in, jobID, types.MessageStatusFailed, "provider_error", "lifecycle: "+err.Error(), nil, "")
		return
	}
	now := time.Now().UTC()
	_ = o.deps.Messages.UpdateFields(dbc, in.AssistantMessageID, map[string]interface{}{
		"status":                types.MessageStatusGenerating,
		"is_streaming":          true,
		"generation_started_at": &now,
	})

	req, err := o.buildRequest(dbc, in)
	if err != nil {
		log.Error("Context assembly failed", "error", err.Error())
		o.finalize(in, jobID, types.MessageStatusFailed, "provider_error", "assemble context: "+err.Error(), nil, "")
		return
	}

	adapter, err := o.deps.Registry.Route(in.ModelID)
	if err != nil {
		o.finalize(in, jobID, types.MessageStatusFailed, "provider_error", err.Error(), nil, "")
		return
	}
	release, err := o.deps.Registry.Acquire(ctx, adapter.Name())
	if err != nil {
		o.finalizeFromErr(in, jobID, err, nil, "")
		return
	}
	defer release()

	tokens, content, err := o.stream(ctx, log, in, adapter, req)
	if o.deps.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		o.deps.Metrics.ObserveGeneration(in.ModelID, adapter.Name(), status, time.Since(start), len(tokens))
	}
	if err != nil {
		o.finalizeFromErr(in, jobID, err, tokens, content)
		return
	}
	o.finalize(in, jobID, types.MessageStatusComplete, "", "", tokens, content)
	log.Info("Generation complete", "tokens", len(tokens), "elapsed", time.Since(start).String())
}

func (o *Orchestrator) buildRequest(dbc dbctx.Context, in Input) (provider.Request, error) {
	var summary string
	if st, err := o.deps.States.Get(dbc, in.ThreadID, in.ModelID); err == nil && st != nil {
		summary = st.Summary
	}

	history, err := o.deps.Messages.ListByThreadModel(dbc, in.ThreadID, in.ModelID, 200)
	if err != nil {
		return provider.Request{}, err
	}

	msgs := make([]provider.Turn, 0, len(history))
	for _, m := range history {
		if m.ID == in.AssistantMessageID {
			continue
		}
		// Failed and cancelled turns are not part of the model's view.
		if m.Role == types.RoleAssistant && m.Status != types.MessageStatusComplete {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, provider.Turn{Role: m.Role, Content: m.Content})
	}

	window := contextbuild.Assemble(contextbuild.Input{
		SystemPrompt: in.SystemPrompt,
		Summary:      summary,
		Messages:     msgs,
		Budget:       o.cfg.ContextBudget,
	})
	if len(window.Turns) == 0 {
		return provider.Request{}, fmt.Errorf("no turns to send")
	}

	return provider.Request{
		Model:        in.ModelID,
		SystemPrompt: window.SystemPrompt,
		Turns:        window.Turns,
		Temperature:  in.Temperature,
		MaxTokens:    o.cfg.MaxOutputTokens,
	}, nil
}

type recvResult struct {
	token string
	err   error
}

// stream consumes the provider stream, appending each token to the
// lifecycle store and throttling content flushes to the database.
// Reconnects happen only while the token log is still empty.
func (o *Orchestrator) stream(ctx context.Context, log *logger.Logger, in Input, adapter provider.Adapter, req provider.Request) ([]string, string, error) {
	dbc := dbctx.Context{Ctx: context.Background()}

	var (
		tokens        []string
		full          strings.Builder
		pending       strings.Builder
		lastFlushAt   = time.Now()
		lastFlushSize = 0
		lastNotifyAt  = time.Now()
		pendingBytes  = 0
	)

	flushDB := func(force bool) {
		if !force && time.Since(lastFlushAt) < dbFlushInterval && (full.Len()-lastFlushSize) < dbFlushBytes {
			return
		}
		txt := full.String()
		lastFlushAt = time.Now()
		lastFlushSize = len(txt)
		_ = o.deps.Messages.UpdateFields(dbc, in.AssistantMessageID, map[string]interface{}{
			"content":     txt,
			"token_count": len(tokens),
		})
	}

	flushNotify := func() {
		if o.deps.Notify == nil {
			pending.Reset()
			pendingBytes = 0
			return
		}
		chunk := pending.String()
		if chunk == "" {
			return
		}
		pending.Reset()
		pendingBytes = 0
		lastNotifyAt = time.Now()
		o.deps.Notify.MessageDelta(in.UserID, in.ThreadID, in.AssistantMessageID, chunk, full.Len())
	}

	attempt := 0
	for {
		st, err := adapter.StreamMessage(ctx, req)
		if err != nil {
			if len(tokens) == 0 && provider.IsRetryable(err) && attempt < o.cfg.ConnectRetries {
				attempt++
				log.Warn("Stream connect retrying", "attempt", attempt, "error", err.Error())
				continue
			}
			return tokens, full.String(), err
		}

		streamErr := o.consume(ctx, st, func(tok string) error {
			if _, appendErr := o.deps.Store.Append(in.AssistantMessageID, tok); appendErr != nil {
				return appendErr
			}
			tokens = append(tokens, tok)
			full.WriteString(tok)
			pending.WriteString(tok)
			pendingBytes += len(tok)
			if time.Since(lastNotifyAt) >= notifyInterval || pendingBytes >= notifyBytes {
				flushNotify()
			}
			flushDB(false)
			return nil
		})
		_ = st.Close()

		if streamErr == nil {
			flushNotify()
			flushDB(true)
			return tokens, full.String(), nil
		}
		if len(tokens) == 0 && provider.IsRetryable(streamErr) && attempt < o.cfg.ConnectRetries {
			attempt++
			log.Warn("Stream retrying before first token", "attempt", attempt, "error", streamErr.Error())
			continue
		}
		flushNotify()
		flushDB(true)
		return tokens, full.String(), streamErr
	}
}

// consume pumps Recv through a local channel so the inactivity deadline
// applies between tokens, not to the stream as a whole.
func (o *Orchestrator) consume(ctx context.Context, st provider.Stream, onToken func(string) error) error {
	results := make(chan recvResult, 1)
	go func() {
		for {
			tok, err := st.Recv()
			select {
			case results <- recvResult{token: tok, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(o.cfg.InactivityTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return &provider.Error{Class: provider.ErrorClassTimeout, Message: "no token within " + o.cfg.InactivityTimeout.String()}
		case res := <-results:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				return res.err
			}
			if res.token != "" {
				if err := onToken(res.token); err != nil {
					return err
				}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(o.cfg.InactivityTimeout)
		}
	}
}

// finalizeFromErr maps a stream failure to its terminal status and
// error class.
func (o *Orchestrator) finalizeFromErr(in Input, jobID uuid.UUID, err error, tokens []string, content string) {
	switch {
	case errors.Is(err, context.Canceled):
		o.finalize(in, jobID, types.MessageStatusCancelled, "", "", tokens, content)
	case errors.Is(err, context.DeadlineExceeded):
		o.finalize(in, jobID, types.MessageStatusFailed, string(provider.ErrorClassTimeout), "generation deadline exceeded", tokens, content)
	default:
		code := string(provider.ErrorClassProvider)
		msg := err.Error()
		if pe, ok := provider.AsError(err); ok {
			code = string(pe.Class)
			msg = pe.Message
		}
		o.finalize(in, jobID, types.MessageStatusFailed, code, msg, tokens, content)
	}
}

// finalize freezes the token sequence and persists the terminal row in
// one write: content, the exact token boundaries, and the status.
func (o *Orchestrator) finalize(in Input, jobID uuid.UUID, status, errorCode, errorMessage string, tokens []string, content string) {
	dbc := dbctx.Context{Ctx: context.Background()}

	if err := o.deps.Store.SetStatus(in.AssistantMessageID, status, errorCode, errorMessage); err != nil && !errors.Is(err, lifecycle.ErrTerminal) {
		o.log.Warn("Terminal status not applied in store",
			"message_id", in.AssistantMessageID.String(),
			"status", status,
			"error", err.Error(),
		)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":                  status,
		"is_streaming":            false,
		"generation_completed_at": &now,
		"content":                 content,
		"token_count":             len(tokens),
	}
	if tokens != nil {
		if b, err := json.Marshal(tokens); err == nil {
			updates["tokens"] = datatypes.JSON(b)
		}
	}
	if errorCode != "" {
		updates["error_code"] = errorCode
		updates["error_message"] = errorMessage
	}
	if err := o.deps.Messages.UpdateFields(dbc, in.AssistantMessageID, updates); err != nil {
		o.log.Error("Terminal flush failed",
			"message_id", in.AssistantMessageID.String(),
			"status", status,
			"error", err.Error(),
		)
	}

	if status == types.MessageStatusComplete {
		_ = o.deps.States.BumpExchange(dbc, in.ThreadID, in.ModelID, 2, in.Temperature)
		_ = o.deps.Threads.UpdateFields(dbc, in.ThreadID, map[string]interface{}{
			"last_message_at": now,
		})
		if o.deps.OnComplete != nil {
			o.deps.OnComplete(in.ThreadID, in.ModelID)
		}
	}

	if jobID != uuid.Nil {
		jobStatus := types.JobStatusSucceeded
		switch status {
		case types.MessageStatusFailed:
			jobStatus = types.JobStatusFailed
		case types.MessageStatusCancelled:
			jobStatus = types.JobStatusCancelled
		}
		_ = o.deps.JobRuns.MarkCompleted(dbc, jobID, jobStatus, errorMessage)
	}

	if o.deps.Notify != nil {
		o.deps.Notify.MessageTerminal(in.UserID, in.ThreadID, in.AssistantMessageID, status, errorCode)
	}
}

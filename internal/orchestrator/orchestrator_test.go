package orchestrator

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/lifecycle"
	"github.com/openconvo/convo-backend/internal/pkg/ctxutil"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/provider"
)

// ---- in-memory repo fakes ----

type fakeThreads struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*types.ChatThread
	updates map[uuid.UUID]map[string]interface{}
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{
		rows:    map[uuid.UUID]*types.ChatThread{},
		updates: map[uuid.UUID]map[string]interface{}{},
	}
}

func (f *fakeThreads) setRow(row *types.ChatThread) {
	f.mu.Lock()
	f.rows[row.ID] = row
	f.mu.Unlock()
}

func (f *fakeThreads) Create(dbc dbctx.Context, rows []*types.ChatThread) ([]*types.ChatThread, error) {
	return rows, nil
}
func (f *fakeThreads) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.ChatThread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.ChatThread, 0, len(ids))
	for _, id := range ids {
		if row, ok := f.rows[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}
func (f *fakeThreads) ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.ChatThread, error) {
	return nil, nil
}
func (f *fakeThreads) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatThread, error) {
	return nil, nil
}
func (f *fakeThreads) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := f.updates[id]
	if merged == nil {
		merged = map[string]interface{}{}
		f.updates[id] = merged
	}
	for k, v := range updates {
		merged[k] = v
	}
	return nil
}
func (f *fakeThreads) SoftDelete(dbc dbctx.Context, id uuid.UUID) error { return nil }

type fakeMessages struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*types.ChatMessage
	history []*types.ChatMessage
	flushes int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{rows: map[uuid.UUID]*types.ChatMessage{}}
}

func (f *fakeMessages) Create(dbc dbctx.Context, rows []*types.ChatMessage) ([]*types.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.rows[r.ID] = r
	}
	return rows, nil
}
func (f *fakeMessages) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}
func (f *fakeMessages) ListByThreadModel(dbc dbctx.Context, threadID uuid.UUID, modelID string, limit int) ([]*types.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}
func (f *fakeMessages) ListByThread(dbc dbctx.Context, threadID uuid.UUID, limit int, beforeSeq *int64) ([]*types.ChatMessage, error) {
	return nil, nil
}
func (f *fakeMessages) FindByIdempotencyKey(dbc dbctx.Context, threadID, userID uuid.UUID, key string) (*types.ChatMessage, error) {
	return nil, nil
}
func (f *fakeMessages) GetBySeq(dbc dbctx.Context, threadID uuid.UUID, seq int64) (*types.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ThreadID == threadID && m.Seq == seq {
			return m, nil
		}
	}
	return nil, nil
}
func (f *fakeMessages) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	row := f.rows[id]
	if row == nil {
		row = &types.ChatMessage{ID: id}
		f.rows[id] = row
	}
	if v, ok := updates["status"].(string); ok {
		row.Status = v
	}
	if v, ok := updates["content"].(string); ok {
		row.Content = v
	}
	if v, ok := updates["token_count"].(int); ok {
		row.TokenCount = v
	}
	if v, ok := updates["error_code"].(string); ok {
		row.ErrorCode = v
	}
	if v, ok := updates["error_message"].(string); ok {
		row.ErrorMessage = v
	}
	if v, ok := updates["tokens"].(datatypes.JSON); ok {
		row.Tokens = v
	}
	return nil
}

type fakeStates struct {
	mu      sync.Mutex
	summary string
	bumps   int
}

func (f *fakeStates) Get(dbc dbctx.Context, threadID uuid.UUID, modelID string) (*types.ThreadModelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.ThreadModelState{ThreadID: threadID, ModelID: modelID, Summary: f.summary}, nil
}
func (f *fakeStates) GetOrCreate(dbc dbctx.Context, threadID uuid.UUID, modelID string) (*types.ThreadModelState, error) {
	return f.Get(dbc, threadID, modelID)
}
func (f *fakeStates) UpdateFields(dbc dbctx.Context, threadID uuid.UUID, modelID string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := updates["summary"].(string); ok {
		f.summary = v
	}
	return nil
}
func (f *fakeStates) BumpExchange(dbc dbctx.Context, threadID uuid.UUID, modelID string, messages int64, temperature *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumps++
	return nil
}

type fakeJobRuns struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.JobRun
}

func newFakeJobRuns() *fakeJobRuns { return &fakeJobRuns{rows: map[uuid.UUID]*types.JobRun{}} }

func (f *fakeJobRuns) Create(dbc dbctx.Context, runs []*types.JobRun) ([]*types.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range runs {
		f.rows[r.ID] = r
	}
	return runs, nil
}
func (f *fakeJobRuns) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}
func (f *fakeJobRuns) GetLatestByEntity(dbc dbctx.Context, ownerUserID uuid.UUID, entityType string, entityID uuid.UUID, jobType string) (*types.JobRun, error) {
	return nil, nil
}
func (f *fakeJobRuns) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row := f.rows[id]; row != nil {
		if v, ok := updates["status"].(string); ok {
			row.Status = v
		}
		if v, ok := updates["error"].(string); ok {
			row.Error = v
		}
	}
	return nil
}
func (f *fakeJobRuns) MarkStarted(dbc dbctx.Context, id uuid.UUID) error {
	return f.UpdateFields(dbc, id, map[string]interface{}{"status": types.JobStatusRunning})
}
func (f *fakeJobRuns) MarkCompleted(dbc dbctx.Context, id uuid.UUID, status string, errMsg string) error {
	return f.UpdateFields(dbc, id, map[string]interface{}{"status": status, "error": errMsg})
}

func (f *fakeJobRuns) single() *types.JobRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		return r
	}
	return nil
}

// ---- scripted adapter ----

type scriptedStream struct {
	tokens []string
	err    error
	hang   bool
	delay  time.Duration
	pos    int
	closed chan struct{}
}

func (s *scriptedStream) Recv() (string, error) {
	if s.pos < len(s.tokens) {
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		tok := s.tokens[s.pos]
		s.pos++
		return tok, nil
	}
	if s.hang {
		<-s.closed
		return "", io.EOF
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}
func (s *scriptedStream) Close() error {
	if s.closed != nil {
		select {
		case <-s.closed:
		default:
			close(s.closed)
		}
	}
	return nil
}

type scriptedAdapter struct {
	mu         sync.Mutex
	attempts   int
	scripts    []*scriptedStream
	sendOut    string
	sendErr    error
	sendReq    provider.Request
	sendUser   uuid.UUID
	streamUser uuid.UUID
}

func (a *scriptedAdapter) Name() string { return "scripted" }
func (a *scriptedAdapter) SendMessage(ctx context.Context, req provider.Request) (string, error) {
	a.mu.Lock()
	a.sendReq = req
	if rd := ctxutil.GetRequestData(ctx); rd != nil {
		a.sendUser = rd.UserID
	}
	a.mu.Unlock()
	return a.sendOut, a.sendErr
}
func (a *scriptedAdapter) StreamMessage(ctx context.Context, req provider.Request) (provider.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rd := ctxutil.GetRequestData(ctx); rd != nil {
		a.streamUser = rd.UserID
	}
	if a.attempts >= len(a.scripts) {
		return nil, &provider.Error{Class: provider.ErrorClassProvider, Message: "no script"}
	}
	st := a.scripts[a.attempts]
	a.attempts++
	return st, nil
}

// ---- harness ----

type harness struct {
	orc      *Orchestrator
	store    *lifecycle.Store
	threads  *fakeThreads
	messages *fakeMessages
	states   *fakeStates
	jobRuns  *fakeJobRuns
	adapter  *scriptedAdapter
	in       Input
}

func newHarness(t *testing.T, cfg Config, adapter *scriptedAdapter) *harness {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	store := lifecycle.NewStore(log, time.Minute)
	reg := provider.NewRegistry(log)
	reg.Register(adapter, 0)
	reg.SetFallback("scripted")

	h := &harness{
		store:    store,
		threads:  newFakeThreads(),
		messages: newFakeMessages(),
		states:   &fakeStates{},
		jobRuns:  newFakeJobRuns(),
		adapter:  adapter,
	}
	h.orc = New(Deps{
		Threads:  h.threads,
		Messages: h.messages,
		States:   h.states,
		JobRuns:  h.jobRuns,
		Store:    store,
		Registry: reg,
	}, cfg, log)

	threadID := uuid.New()
	msgID := uuid.New()
	h.messages.history = []*types.ChatMessage{
		{ID: uuid.New(), ThreadID: threadID, Role: types.RoleUser, Status: types.MessageStatusSent, Content: "hello"},
	}
	if err := store.Track(msgID, types.MessageStatusPending); err != nil {
		t.Fatalf("track: %v", err)
	}
	h.in = Input{
		ThreadID:           threadID,
		UserID:             uuid.New(),
		AssistantMessageID: msgID,
		ModelID:            "test-model",
	}
	return h
}

func (h *harness) waitTerminal(t *testing.T) lifecycle.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.store.Read(h.in.AssistantMessageID)
		if err == nil && types.IsTerminalStatus(snap.Status) && !h.orc.Running(h.in.AssistantMessageID) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("generation never reached a terminal status")
	return lifecycle.Snapshot{}
}

// ---- tests ----

func TestGenerationHappyPath(t *testing.T) {
	adapter := &scriptedAdapter{scripts: []*scriptedStream{
		{tokens: []string{"Hel", "lo", " world"}},
	}}
	h := newHarness(t, Config{}, adapter)

	if err := h.orc.Start(h.in); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := h.waitTerminal(t)

	if snap.Status != types.MessageStatusComplete {
		t.Fatalf("status = %s (%s: %s)", snap.Status, snap.ErrorCode, snap.ErrorMessage)
	}
	if snap.Content() != "Hello world" {
		t.Fatalf("content = %q", snap.Content())
	}
	if len(snap.Tokens) != 3 {
		t.Fatalf("token count = %d", len(snap.Tokens))
	}

	row, _ := h.messages.GetByID(dbctx.Context{Ctx: context.Background()}, h.in.AssistantMessageID)
	if row.Status != types.MessageStatusComplete || row.Content != "Hello world" || row.TokenCount != 3 {
		t.Fatalf("persisted row = %+v", row)
	}

	if run := h.jobRuns.single(); run == nil || run.Status != types.JobStatusSucceeded {
		t.Fatalf("job run = %+v", run)
	}
	h.states.mu.Lock()
	bumps := h.states.bumps
	h.states.mu.Unlock()
	if bumps != 1 {
		t.Fatalf("state bumps = %d", bumps)
	}
}

func TestGenerationRunsAsCallingUser(t *testing.T) {
	adapter := &scriptedAdapter{scripts: []*scriptedStream{
		{tokens: []string{"ok"}},
	}}
	h := newHarness(t, Config{}, adapter)

	if err := h.orc.Start(h.in); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := h.waitTerminal(t)
	if snap.Status != types.MessageStatusComplete {
		t.Fatalf("status = %s", snap.Status)
	}

	adapter.mu.Lock()
	got := adapter.streamUser
	adapter.mu.Unlock()
	if got != h.in.UserID {
		t.Fatalf("provider saw user %s, want %s", got, h.in.UserID)
	}
}

func TestFailureAfterFirstTokenIsTerminal(t *testing.T) {
	adapter := &scriptedAdapter{scripts: []*scriptedStream{
		{tokens: []string{"part"}, err: &provider.Error{Class: provider.ErrorClassProvider, Status: 500, Message: "upstream died"}},
		{tokens: []string{"should", "never", "run"}},
	}}
	h := newHarness(t, Config{ConnectRetries: 3}, adapter)

	if err := h.orc.Start(h.in); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := h.waitTerminal(t)

	if snap.Status != types.MessageStatusFailed {
		t.Fatalf("status = %s", snap.Status)
	}
	if snap.ErrorCode != "provider_error" {
		t.Fatalf("error code = %s", snap.ErrorCode)
	}
	// Partial output survives.
	if snap.Content() != "part" {
		t.Fatalf("content = %q", snap.Content())
	}
	adapter.mu.Lock()
	attempts := adapter.attempts
	adapter.mu.Unlock()
	if attempts != 1 {
		t.Fatalf("retried after first token: %d attempts", attempts)
	}
	if run := h.jobRuns.single(); run == nil || run.Status != types.JobStatusFailed {
		t.Fatalf("job run = %+v", run)
	}
}

func TestRetryBeforeFirstToken(t *testing.T) {
	adapter := &scriptedAdapter{scripts: []*scriptedStream{
		{err: &provider.Error{Class: provider.ErrorClassNetwork, Message: "conn reset"}},
		{tokens: []string{"ok"}},
	}}
	h := newHarness(t, Config{ConnectRetries: 2}, adapter)

	if err := h.orc.Start(h.in); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := h.waitTerminal(t)

	if snap.Status != types.MessageStatusComplete || snap.Content() != "ok" {
		t.Fatalf("snap = %+v", snap)
	}
	adapter.mu.Lock()
	attempts := adapter.attempts
	adapter.mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestNonRetryableBeforeFirstTokenFails(t *testing.T) {
	adapter := &scriptedAdapter{scripts: []*scriptedStream{
		{err: &provider.Error{Class: provider.ErrorClassAuth, Status: 401, Message: "bad key"}},
		{tokens: []string{"nope"}},
	}}
	h := newHarness(t, Config{ConnectRetries: 5}, adapter)

	if err := h.orc.Start(h.in); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := h.waitTerminal(t)
	if snap.Status != types.MessageStatusFailed || snap.ErrorCode != "auth" {
		t.Fatalf("snap = %+v", snap)
	}
}

func TestCancelGeneration(t *testing.T) {
	adapter := &scriptedAdapter{scripts: []*scriptedStream{
		{tokens: []string{"a", "b", "c", "d", "e", "f", "g", "h"}, delay: 30 * time.Millisecond},
	}}
	h := newHarness(t, Config{}, adapter)

	if err := h.orc.Start(h.in); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Let a couple of tokens land, then cancel.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, _ := h.store.Read(h.in.AssistantMessageID)
		if len(snap.Tokens) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.orc.Cancel(h.in.AssistantMessageID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	snap := h.waitTerminal(t)
	if snap.Status != types.MessageStatusCancelled {
		t.Fatalf("status = %s", snap.Status)
	}
	if len(snap.Tokens) == 0 || len(snap.Tokens) == 8 {
		t.Fatalf("cancel should keep a partial token log, got %d", len(snap.Tokens))
	}
	if run := h.jobRuns.single(); run == nil || run.Status != types.JobStatusCancelled {
		t.Fatalf("job run = %+v", run)
	}
}

func TestCancelUnknownMessage(t *testing.T) {
	adapter := &scriptedAdapter{}
	h := newHarness(t, Config{}, adapter)
	if err := h.orc.Cancel(uuid.New()); err != ErrNotRunning {
		t.Fatalf("cancel: %v", err)
	}
	_ = h
}

func TestInactivityTimeout(t *testing.T) {
	adapter := &scriptedAdapter{scripts: []*scriptedStream{
		{tokens: []string{"one"}, hang: true, closed: make(chan struct{})},
	}}
	h := newHarness(t, Config{InactivityTimeout: 60 * time.Millisecond}, adapter)

	if err := h.orc.Start(h.in); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := h.waitTerminal(t)
	if snap.Status != types.MessageStatusFailed || snap.ErrorCode != "timeout" {
		t.Fatalf("snap status=%s code=%s", snap.Status, snap.ErrorCode)
	}
	if snap.Content() != "one" {
		t.Fatalf("partial content = %q", snap.Content())
	}
}

func TestDoubleStartRejected(t *testing.T) {
	adapter := &scriptedAdapter{scripts: []*scriptedStream{
		{tokens: []string{"slow"}, delay: 200 * time.Millisecond},
	}}
	h := newHarness(t, Config{}, adapter)

	if err := h.orc.Start(h.in); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.orc.Start(h.in); err == nil {
		t.Fatal("second start must be rejected while running")
	}
	h.waitTerminal(t)
}

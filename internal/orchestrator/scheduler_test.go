package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/provider"
)

type fakeSummaryJobs struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.SummaryJob
}

func newFakeSummaryJobs() *fakeSummaryJobs {
	return &fakeSummaryJobs{rows: map[uuid.UUID]*types.SummaryJob{}}
}

func (f *fakeSummaryJobs) Create(dbc dbctx.Context, job *types.SummaryJob) (*types.SummaryJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[job.ID] = job
	return job, nil
}
func (f *fakeSummaryJobs) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.SummaryJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}
func (f *fakeSummaryJobs) GetActive(dbc dbctx.Context, threadID uuid.UUID, modelID string) (*types.SummaryJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.rows {
		if j.ThreadID == threadID && j.ModelID == modelID &&
			(j.Status == types.SummaryJobStatusPending || j.Status == types.SummaryJobStatusGenerating) {
			return j, nil
		}
	}
	return nil, nil
}
func (f *fakeSummaryJobs) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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

func (f *fakeSummaryJobs) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.rows))
	for _, j := range f.rows {
		out = append(out, j.Status)
	}
	return out
}

type slowAdapter struct {
	scriptedAdapter
	block chan struct{}
}

func (a *slowAdapter) SendMessage(ctx context.Context, req provider.Request) (string, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return a.scriptedAdapter.SendMessage(ctx, req)
}

func newTestScheduler(t *testing.T, adapter provider.Adapter) (*Scheduler, *fakeThreads, *fakeMessages, *fakeStates, *fakeSummaryJobs) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	reg := provider.NewRegistry(log)
	reg.Register(adapter, 0)
	reg.SetFallback(adapter.Name())

	threads := newFakeThreads()
	messages := newFakeMessages()
	states := &fakeStates{}
	jobs := newFakeSummaryJobs()

	s := NewScheduler(SchedulerDeps{
		Threads:  threads,
		Messages: messages,
		States:   states,
		Jobs:     jobs,
		Registry: reg,
	}, 5*time.Second, log)
	return s, threads, messages, states, jobs
}

func TestGenerateTitle(t *testing.T) {
	adapter := &scriptedAdapter{sendOut: "  \"Planning a Trip to Kyoto.\" \n"}
	s, threads, _, _, _ := newTestScheduler(t, adapter)

	threadID := uuid.New()
	title, err := s.GenerateTitle(context.Background(), threadID, "test-model", "help me plan kyoto", "sure, here is a plan")
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	if title != "Planning a Trip to Kyoto" {
		t.Fatalf("title = %q", title)
	}
	threads.mu.Lock()
	persisted := threads.updates[threadID]["title"]
	threads.mu.Unlock()
	if persisted != "Planning a Trip to Kyoto" {
		t.Fatalf("persisted title = %v", persisted)
	}

	adapter.mu.Lock()
	req := adapter.sendReq
	adapter.mu.Unlock()
	if req.Temperature == nil || *req.Temperature != titleTemperature {
		t.Fatalf("title temperature = %v", req.Temperature)
	}
	if req.MaxTokens != titleMaxTokens {
		t.Fatalf("title max tokens = %d", req.MaxTokens)
	}
}

func TestGenerateTitleFallsBackToUserText(t *testing.T) {
	adapter := &scriptedAdapter{sendErr: &provider.Error{Class: provider.ErrorClassProvider, Status: 500, Message: "down"}}
	s, _, _, _, _ := newTestScheduler(t, adapter)

	title, err := s.GenerateTitle(context.Background(), uuid.New(), "test-model", "what is the capital of peru", "")
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	if title != "what is the capital of peru" {
		t.Fatalf("fallback title = %q", title)
	}
}

func TestSanitizeTitleTruncates(t *testing.T) {
	long := strings.Repeat("word ", 40)
	got := sanitizeTitle(long)
	if len([]rune(got)) > titleMaxRunes {
		t.Fatalf("title too long: %d runes", len([]rune(got)))
	}
}

func withHistory(messages *fakeMessages, threadID uuid.UUID) {
	messages.mu.Lock()
	messages.history = []*types.ChatMessage{
		{ID: uuid.New(), ThreadID: threadID, Role: types.RoleUser, Status: types.MessageStatusSent, Content: "tell me about trains"},
		{ID: uuid.New(), ThreadID: threadID, Role: types.RoleAssistant, Status: types.MessageStatusComplete, Content: "trains are great"},
	}
	messages.mu.Unlock()
}

func TestTriggerSummary(t *testing.T) {
	adapter := &scriptedAdapter{sendOut: "They discussed trains and settled on the night route."}
	s, _, messages, states, jobs := newTestScheduler(t, adapter)
	threadID := uuid.New()
	withHistory(messages, threadID)

	got, err := s.TriggerSummary(context.Background(), threadID, "test-model")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !strings.Contains(got, "night route") {
		t.Fatalf("summary = %q", got)
	}
	states.mu.Lock()
	saved := states.summary
	states.mu.Unlock()
	if saved != got {
		t.Fatalf("state summary = %q", saved)
	}
	sts := jobs.statuses()
	if len(sts) != 1 || sts[0] != types.SummaryJobStatusComplete {
		t.Fatalf("job statuses = %v", sts)
	}
}

func TestSummaryRunsAsThreadOwner(t *testing.T) {
	adapter := &scriptedAdapter{sendOut: "a summary of the thread"}
	s, threads, messages, _, _ := newTestScheduler(t, adapter)

	threadID := uuid.New()
	owner := uuid.New()
	threads.setRow(&types.ChatThread{ID: threadID, UserID: owner})
	withHistory(messages, threadID)

	if _, err := s.TriggerSummary(context.Background(), threadID, "test-model"); err != nil {
		t.Fatalf("summary: %v", err)
	}

	adapter.mu.Lock()
	got := adapter.sendUser
	adapter.mu.Unlock()
	if got != owner {
		t.Fatalf("provider saw user %s, want owner %s", got, owner)
	}
}

func TestSummarySingleActivePerThreadModel(t *testing.T) {
	adapter := &slowAdapter{
		scriptedAdapter: scriptedAdapter{sendOut: "a summary"},
		block:           make(chan struct{}),
	}
	s, _, messages, _, _ := newTestScheduler(t, adapter)
	threadID := uuid.New()
	withHistory(messages, threadID)

	errc := make(chan error, 1)
	go func() {
		_, err := s.TriggerSummary(context.Background(), threadID, "test-model")
		errc <- err
	}()

	// Wait until the first job holds the slot, then a second must refuse.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.active)
		s.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.TriggerSummary(context.Background(), threadID, "test-model"); err == nil {
		t.Fatal("second summary should refuse while one is active")
	}

	close(adapter.block)
	if err := <-errc; err != nil {
		t.Fatalf("first summary: %v", err)
	}

	// Slot freed: a new run is allowed.
	if _, err := s.TriggerSummary(context.Background(), threadID, "test-model"); err != nil {
		t.Fatalf("summary after completion: %v", err)
	}
}

func TestSummaryFailureMarksJob(t *testing.T) {
	adapter := &scriptedAdapter{sendErr: &provider.Error{Class: provider.ErrorClassRateLimited, Status: 429, Message: "slow down"}}
	s, _, messages, _, jobs := newTestScheduler(t, adapter)
	threadID := uuid.New()
	withHistory(messages, threadID)

	if _, err := s.TriggerSummary(context.Background(), threadID, "test-model"); err == nil {
		t.Fatal("expected failure")
	}
	sts := jobs.statuses()
	if len(sts) != 1 || sts[0] != types.SummaryJobStatusFailed {
		t.Fatalf("job statuses = %v", sts)
	}
}

func TestScheduleSummaryFireAndForget(t *testing.T) {
	adapter := &scriptedAdapter{sendOut: "background summary"}
	s, _, messages, states, _ := newTestScheduler(t, adapter)
	threadID := uuid.New()
	withHistory(messages, threadID)

	s.ScheduleSummary(threadID, "test-model")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		states.mu.Lock()
		got := states.summary
		states.mu.Unlock()
		if got == "background summary" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background summary never landed")
}

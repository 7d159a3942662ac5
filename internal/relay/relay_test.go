package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/lifecycle"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

func newTestRelay(t *testing.T, cfg Config) (*Relay, *lifecycle.Store) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	store := lifecycle.NewStore(log, time.Minute)
	return New(store, cfg, log), store
}

func trackGenerating(t *testing.T, store *lifecycle.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := store.Track(id, types.MessageStatusGenerating); err != nil {
		t.Fatalf("track: %v", err)
	}
	return id
}

func TestSessionReplaysThenFollowsLive(t *testing.T) {
	r, store := newTestRelay(t, Config{})
	id := trackGenerating(t, store)
	_, _ = store.Append(id, "already")
	_, _ = store.Append(id, "-here")

	s, err := r.Open(id, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	go func() {
		_, _ = store.Append(id, "-live")
		_ = store.SetStatus(id, types.MessageStatusComplete, "", "")
	}()

	ctx := context.Background()
	var got string
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if ev.Type == lifecycle.EventStatus {
			if ev.Status != types.MessageStatusComplete {
				t.Fatalf("terminal = %s", ev.Status)
			}
			break
		}
		got += ev.Token
	}
	if got != "already-here-live" {
		t.Fatalf("streamed %q", got)
	}

	if _, err := s.Next(ctx); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("next after terminal: %v", err)
	}
}

func TestOpenFailsFastAtCeiling(t *testing.T) {
	r, store := newTestRelay(t, Config{MaxSessionsPerMessage: 2})
	id := trackGenerating(t, store)

	s1, err := r.Open(id, 0)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	s2, err := r.Open(id, 0)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	if _, err := r.Open(id, 0); !errors.Is(err, ErrBusy) {
		t.Fatalf("open 3 should be busy, got %v", err)
	}

	// Closing frees a slot; the cap is on concurrent sessions, not total.
	s1.Close()
	s3, err := r.Open(id, 0)
	if err != nil {
		t.Fatalf("open after close: %v", err)
	}
	s2.Close()
	s3.Close()

	if n := r.OpenSessions(); n != 0 {
		t.Fatalf("open sessions = %d", n)
	}
}

func TestOpenCeilingIsProcessWide(t *testing.T) {
	r, store := newTestRelay(t, Config{MaxOpenSessions: 3})

	// Sessions on distinct messages all count against the same ceiling.
	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, err := r.Open(trackGenerating(t, store), 0)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		sessions = append(sessions, s)
	}
	if n := r.OpenSessions(); n != 3 {
		t.Fatalf("open sessions = %d", n)
	}

	if _, err := r.Open(trackGenerating(t, store), 0); !errors.Is(err, ErrBusy) {
		t.Fatalf("open past process ceiling should be busy, got %v", err)
	}

	sessions[0].Close()
	s, err := r.Open(trackGenerating(t, store), 0)
	if err != nil {
		t.Fatalf("open after close: %v", err)
	}
	s.Close()
	for _, s := range sessions[1:] {
		s.Close()
	}
	if n := r.OpenSessions(); n != 0 {
		t.Fatalf("open sessions = %d after closing all", n)
	}
}

func TestPerMessageCapBindsUnderProcessRoom(t *testing.T) {
	r, store := newTestRelay(t, Config{MaxOpenSessions: 10, MaxSessionsPerMessage: 1})
	id := trackGenerating(t, store)

	s1, err := r.Open(id, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s1.Close()
	if _, err := r.Open(id, 0); !errors.Is(err, ErrBusy) {
		t.Fatalf("second session on same message should be busy, got %v", err)
	}
	s2, err := r.Open(trackGenerating(t, store), 0)
	if err != nil {
		t.Fatalf("open on other message: %v", err)
	}
	s2.Close()
}

func TestConcurrentSessionsObserveIdenticalSequence(t *testing.T) {
	const (
		nSessions = 4
		nTokens   = 200
	)
	r, store := newTestRelay(t, Config{InactivityTimeout: 5 * time.Second})
	id := trackGenerating(t, store)

	// All sessions open before the first token so everyone follows live.
	sessions := make([]*Session, nSessions)
	for i := range sessions {
		s, err := r.Open(id, 0)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		sessions[i] = s
	}

	results := make([][]string, nSessions)
	errs := make([]error, nSessions)
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			defer s.Close()
			ctx := context.Background()
			for {
				ev, err := s.Next(ctx)
				if err != nil {
					errs[i] = err
					return
				}
				if ev.Type == lifecycle.EventStatus {
					if ev.Status != types.MessageStatusComplete {
						errs[i] = errors.New("terminal " + ev.Status)
					}
					return
				}
				if ev.Index != len(results[i]) {
					errs[i] = errors.New("gap or duplicate at index")
					return
				}
				results[i] = append(results[i], ev.Token)
			}
		}(i, s)
	}

	for k := 0; k < nTokens; k++ {
		if _, err := store.Append(id, "t"+string(rune('a'+k%26))); err != nil {
			t.Fatalf("append %d: %v", k, err)
		}
	}
	if err := store.SetStatus(id, types.MessageStatusComplete, "", ""); err != nil {
		t.Fatalf("set status: %v", err)
	}
	wg.Wait()

	for i := 0; i < nSessions; i++ {
		if errs[i] != nil {
			t.Fatalf("session %d: %v", i, errs[i])
		}
		if len(results[i]) != nTokens {
			t.Fatalf("session %d saw %d tokens, want %d", i, len(results[i]), nTokens)
		}
		for k := range results[i] {
			if results[i][k] != results[0][k] {
				t.Fatalf("session %d diverges at %d: %q vs %q", i, k, results[i][k], results[0][k])
			}
		}
	}
}

func TestInactivityTimeoutIsSessionLocal(t *testing.T) {
	r, store := newTestRelay(t, Config{InactivityTimeout: 40 * time.Millisecond})
	id := trackGenerating(t, store)

	s, err := r.Open(id, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ev, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Type != lifecycle.EventStatus || ev.Status != StatusRelayTimeout {
		t.Fatalf("event = %+v", ev)
	}

	// The message itself is untouched: still generating, still appendable.
	snap, err := store.Read(id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Status != types.MessageStatusGenerating {
		t.Fatalf("message status = %s", snap.Status)
	}
	if _, err := store.Append(id, "later"); err != nil {
		t.Fatalf("append after relay timeout: %v", err)
	}

	// A fresh session sees the new token.
	s2, err := r.Open(id, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	ev, err = s2.Next(context.Background())
	if err != nil || ev.Token != "later" {
		t.Fatalf("reopen next = %+v, %v", ev, err)
	}
}

func TestTimeoutReleasesSlot(t *testing.T) {
	r, store := newTestRelay(t, Config{MaxSessionsPerMessage: 1, InactivityTimeout: 30 * time.Millisecond})
	id := trackGenerating(t, store)

	s, _ := r.Open(id, 0)
	if _, err := s.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := r.Open(id, 0); err != nil {
		t.Fatalf("slot not released after timeout: %v", err)
	}
}

func TestCallerContextCancelEndsSession(t *testing.T) {
	r, store := newTestRelay(t, Config{InactivityTimeout: time.Second})
	id := trackGenerating(t, store)

	s, _ := r.Open(id, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("next: %v", err)
	}
	if n := r.OpenSessions(); n != 0 {
		t.Fatalf("open sessions = %d", n)
	}
}

func TestCloseIdempotent(t *testing.T) {
	r, store := newTestRelay(t, Config{MaxSessionsPerMessage: 4})
	id := trackGenerating(t, store)

	s, _ := r.Open(id, 0)
	s.Close()
	s.Close()
	s.Close()
	if n := r.OpenSessions(); n != 0 {
		t.Fatalf("open sessions = %d after repeated close", n)
	}
}

func TestOpenUnknownMessage(t *testing.T) {
	r, _ := newTestRelay(t, Config{})
	if _, err := r.Open(uuid.New(), 0); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Fatalf("open: %v", err)
	}
	if n := r.OpenSessions(); n != 0 {
		t.Fatalf("failed open leaked a slot: %d", n)
	}
}

func TestOpenFromIndexSkipsReplay(t *testing.T) {
	r, store := newTestRelay(t, Config{})
	id := trackGenerating(t, store)
	_, _ = store.Append(id, "a")
	_, _ = store.Append(id, "b")

	s, err := r.Open(id, 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	go func() { _, _ = store.Append(id, "c") }()

	ev, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Index != 2 || ev.Token != "c" {
		t.Fatalf("event = %+v", ev)
	}
}

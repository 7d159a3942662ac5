// Package lifecycle tracks in-flight assistant messages: an append-only
// token log plus the message status machine. The generation pipeline is
// the only writer for a given message; readers attach watchers and
// observe tokens in append order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

var (
	ErrNotFound   = errors.New("message not tracked")
	ErrTerminal   = errors.New("message already terminal")
	ErrDuplicate  = errors.New("message already tracked")
	ErrBadStatus  = errors.New("invalid status transition")
	ErrWatchEnded = errors.New("watch ended")
)

// EventType discriminates watcher events.
type EventType string

const (
	EventToken  EventType = "token"
	EventStatus EventType = "status"
)

// Event is one observation from a Watcher. Token events carry the
// append index; the final status event carries the terminal status and
// any error detail.
type Event struct {
	Type         EventType
	Index        int
	Token        string
	Status       string
	ErrorCode    string
	ErrorMessage string
}

// Snapshot is a point-in-time copy of a tracked message.
type Snapshot struct {
	Tokens       []string
	Status       string
	ErrorCode    string
	ErrorMessage string
}

func (s Snapshot) Content() string {
	var n int
	for _, t := range s.Tokens {
		n += len(t)
	}
	out := make([]byte, 0, n)
	for _, t := range s.Tokens {
		out = append(out, t...)
	}
	return string(out)
}

type entry struct {
	mu           sync.Mutex
	tokens       []string
	status       string
	errorCode    string
	errorMessage string
	watchers     map[*Watcher]struct{}
}

func (e *entry) notifyLocked() {
	for w := range e.watchers {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

// Store holds all in-flight messages for this process. Terminal entries
// are retained for a grace period so already-open watchers drain, then
// evicted; later readers replay from the database.
type Store struct {
	log       *logger.Logger
	retention time.Duration

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
}

func NewStore(log *logger.Logger, retention time.Duration) *Store {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Store{
		log:       log.With("service", "LifecycleStore"),
		retention: retention,
		entries:   map[uuid.UUID]*entry{},
	}
}

// Track registers a message in a non-terminal starting status.
func (s *Store) Track(id uuid.UUID, status string) error {
	if id == uuid.Nil {
		return fmt.Errorf("message id required")
	}
	if types.IsTerminalStatus(status) {
		return fmt.Errorf("%w: cannot track in terminal status %q", ErrBadStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return ErrDuplicate
	}
	s.entries[id] = &entry{
		status:   status,
		watchers: map[*Watcher]struct{}{},
	}
	return nil
}

func (s *Store) get(id uuid.UUID) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Append adds one token and returns its index. Appending to a terminal
// message is a conflict; the token sequence is frozen the moment a
// terminal status lands.
func (s *Store) Append(id uuid.UUID, token string) (int, error) {
	e, err := s.get(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if types.IsTerminalStatus(e.status) {
		return 0, ErrTerminal
	}
	e.tokens = append(e.tokens, token)
	idx := len(e.tokens) - 1
	e.notifyLocked()
	return idx, nil
}

// SetStatus transitions the message. Once terminal, the status never
// changes again; a second terminal transition is a conflict.
func (s *Store) SetStatus(id uuid.UUID, status string, errorCode, errorMessage string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if types.IsTerminalStatus(e.status) {
		e.mu.Unlock()
		return ErrTerminal
	}
	e.status = status
	e.errorCode = errorCode
	e.errorMessage = errorMessage
	terminal := types.IsTerminalStatus(status)
	e.notifyLocked()
	e.mu.Unlock()

	if terminal {
		time.AfterFunc(s.retention, func() { s.evict(id) })
	}
	return nil
}

func (s *Store) evict(id uuid.UUID) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Read returns a copy of the current tokens and status.
func (s *Store) Read(id uuid.UUID) (Snapshot, error) {
	e, err := s.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Tokens:       append([]string(nil), e.tokens...),
		Status:       e.status,
		ErrorCode:    e.errorCode,
		ErrorMessage: e.errorMessage,
	}, nil
}

// Tracked reports whether the message is still held in memory.
func (s *Store) Tracked(id uuid.UUID) bool {
	s.mu.RLock()
	_, ok := s.entries[id]
	s.mu.RUnlock()
	return ok
}

// Watcher is a pull-based cursor over a message's token log. Next
// yields every token exactly once in append order, then the terminal
// status event, then ErrWatchEnded. Watchers never lose tokens to
// backpressure; a slow reader just lags.
type Watcher struct {
	store  *Store
	id     uuid.UUID
	e      *entry
	cursor int
	done   bool
	notify chan struct{}
	once   sync.Once
}

// Watch attaches a watcher starting at fromIndex. fromIndex past the
// current log length is clamped to it.
func (s *Store) Watch(id uuid.UUID, fromIndex int) (*Watcher, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if fromIndex < 0 {
		fromIndex = 0
	}
	w := &Watcher{
		store:  s,
		id:     id,
		e:      e,
		cursor: fromIndex,
		notify: make(chan struct{}, 1),
	}
	e.mu.Lock()
	if fromIndex > len(e.tokens) {
		w.cursor = len(e.tokens)
	}
	e.watchers[w] = struct{}{}
	e.mu.Unlock()
	return w, nil
}

// Next blocks until the next event or ctx expiry. After the terminal
// status event it returns ErrWatchEnded.
func (w *Watcher) Next(ctx context.Context) (Event, error) {
	for {
		w.e.mu.Lock()
		if w.cursor < len(w.e.tokens) {
			ev := Event{Type: EventToken, Index: w.cursor, Token: w.e.tokens[w.cursor]}
			w.cursor++
			w.e.mu.Unlock()
			return ev, nil
		}
		if types.IsTerminalStatus(w.e.status) {
			if w.done {
				w.e.mu.Unlock()
				return Event{}, ErrWatchEnded
			}
			w.done = true
			ev := Event{
				Type:         EventStatus,
				Status:       w.e.status,
				ErrorCode:    w.e.errorCode,
				ErrorMessage: w.e.errorMessage,
			}
			w.e.mu.Unlock()
			return ev, nil
		}
		w.e.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-w.notify:
		}
	}
}

// Close detaches the watcher. Safe to call more than once.
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.e.mu.Lock()
		delete(w.e.watchers, w)
		w.e.mu.Unlock()
	})
}

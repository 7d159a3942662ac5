// Package relay fans an in-flight message's token log out to stream
// consumers. A session replays everything appended so far, then follows
// live appends until the message goes terminal. Relay-side failures
// (too many consumers, a stalled stream) end the session without ever
// touching the message itself.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openconvo/convo-backend/internal/lifecycle"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

var (
	// ErrBusy means the relay is at capacity, either process-wide or on
	// this message. Callers should fail fast, not queue.
	ErrBusy = errors.New("relay at capacity")
	// ErrSessionEnded is returned by Next after the session delivered
	// its terminal event.
	ErrSessionEnded = errors.New("relay session ended")
)

// StatusRelayTimeout is the session-local terminal status emitted when
// the underlying generation produced nothing for the inactivity window.
// It describes this session only; the message's own status is untouched
// and a later session can still observe a normal completion.
const StatusRelayTimeout = "timeout"

type Config struct {
	// MaxOpenSessions caps concurrent sessions across all messages in
	// this process. Zero means the default of 128. The cap bounds watcher
	// memory no matter how many messages are streaming.
	MaxOpenSessions int
	// MaxSessionsPerMessage optionally caps concurrent sessions on a
	// single message, under the process cap. Zero means no extra bound.
	MaxSessionsPerMessage int
	// InactivityTimeout ends a session that saw no event for this long.
	// Zero means the default of 30 seconds.
	InactivityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenSessions <= 0 {
		c.MaxOpenSessions = 128
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 30 * time.Second
	}
	return c
}

type Relay struct {
	log   *logger.Logger
	store *lifecycle.Store
	cfg   Config

	mu    sync.Mutex
	open  map[uuid.UUID]int
	total int
}

func New(store *lifecycle.Store, cfg Config, log *logger.Logger) *Relay {
	return &Relay{
		log:   log.With("service", "Relay"),
		store: store,
		cfg:   cfg.withDefaults(),
		open:  map[uuid.UUID]int{},
	}
}

// Open starts a session from token index fromIndex. It fails fast with
// ErrBusy at the process-wide ceiling (or the per-message one, if set)
// and lifecycle.ErrNotFound when the message is no longer held in memory.
func (r *Relay) Open(messageID uuid.UUID, fromIndex int) (*Session, error) {
	r.mu.Lock()
	if r.total >= r.cfg.MaxOpenSessions {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	if r.cfg.MaxSessionsPerMessage > 0 && r.open[messageID] >= r.cfg.MaxSessionsPerMessage {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	r.open[messageID]++
	r.total++
	r.mu.Unlock()

	w, err := r.store.Watch(messageID, fromIndex)
	if err != nil {
		r.release(messageID)
		return nil, err
	}
	return &Session{
		relay:      r,
		messageID:  messageID,
		w:          w,
		inactivity: r.cfg.InactivityTimeout,
	}, nil
}

// OpenSessions reports the total sessions currently attached.
func (r *Relay) OpenSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Relay) release(messageID uuid.UUID) {
	r.mu.Lock()
	if c := r.open[messageID]; c <= 1 {
		delete(r.open, messageID)
	} else {
		r.open[messageID] = c - 1
	}
	if r.total > 0 {
		r.total--
	}
	r.mu.Unlock()
}

// Session is one consumer's cursor over a message. Sessions are not
// safe for concurrent use.
type Session struct {
	relay      *Relay
	messageID  uuid.UUID
	w          *lifecycle.Watcher
	inactivity time.Duration
	done       bool
	once       sync.Once
}

// Next returns the next event. Token events arrive in append order; a
// status event ends the session. An idle stream ends the session with a
// synthetic StatusRelayTimeout event instead of blocking forever.
func (s *Session) Next(ctx context.Context) (lifecycle.Event, error) {
	if s.done {
		return lifecycle.Event{}, ErrSessionEnded
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.inactivity)
	ev, err := s.w.Next(waitCtx)
	cancel()

	if err == nil {
		if ev.Type == lifecycle.EventStatus {
			s.finish()
		}
		return ev, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		s.finish()
		s.relay.log.Warn("Relay session timed out",
			"message_id", s.messageID.String(),
			"inactivity", s.inactivity.String(),
		)
		return lifecycle.Event{
			Type:         lifecycle.EventStatus,
			Status:       StatusRelayTimeout,
			ErrorCode:    "relay_timeout",
			ErrorMessage: "no activity within " + s.inactivity.String(),
		}, nil
	}

	if errors.Is(err, lifecycle.ErrWatchEnded) {
		s.finish()
		return lifecycle.Event{}, ErrSessionEnded
	}

	// Caller's context expired or was canceled.
	s.finish()
	return lifecycle.Event{}, err
}

func (s *Session) finish() {
	s.done = true
	s.Close()
}

// Close detaches the session. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		s.w.Close()
		s.relay.release(s.messageID)
	})
}

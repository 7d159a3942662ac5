// Package provider defines the adapter surface between the generation
// pipeline and concrete model backends. Adapters translate a normalized
// request into provider wire formats and stream tokens back.
package provider

import (
	"context"
	"strings"
)

// Turn is one prior message in the conversation window sent to a model.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized generation request handed to an adapter.
// Turns are ordered oldest first and already fit the model's context
// window; adapters must not reorder or drop them.
type Request struct {
	Model        string
	SystemPrompt string
	Turns        []Turn
	Temperature  *float64
	MaxTokens    int
}

// Stream yields tokens from an in-flight generation. Recv returns io.EOF
// when the provider finished cleanly; any other error is terminal for the
// stream. Close releases the underlying connection and is safe to call
// more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Adapter is a model backend.
type Adapter interface {
	Name() string
	SendMessage(ctx context.Context, req Request) (string, error)
	StreamMessage(ctx context.Context, req Request) (Stream, error)
}

// Local model lifecycle states reported by adapters that manage model
// weights on the host (e.g. Ollama).
const (
	ModelStatusNotLoaded = "not_loaded"
	ModelStatusLoading   = "loading"
	ModelStatusLoaded    = "loaded"
	ModelStatusError     = "error"
)

type ModelState struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// LocalAdapter extends Adapter with host-side model management. Load is
// idempotent: loading an already-loaded model reports loaded without
// side effects.
type LocalAdapter interface {
	Adapter
	Status(ctx context.Context, model string) (ModelState, error)
	Load(ctx context.Context, model string) (ModelState, error)
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &Error{Class: ErrorClassProvider, Message: "model required"}
	}
	if len(r.Turns) == 0 {
		return &Error{Class: ErrorClassProvider, Message: "at least one turn required"}
	}
	return nil
}

package provider

import (
	"context"
	"testing"
	"time"

	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

type fakeAdapter struct{ name string }

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) SendMessage(ctx context.Context, req Request) (string, error) {
	return "", nil
}
func (f *fakeAdapter) StreamMessage(ctx context.Context, req Request) (Stream, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewRegistry(log)
}

func TestRegistryRouting(t *testing.T) {
	r := newTestRegistry(t)
	openai := &fakeAdapter{name: "openai"}
	ollama := &fakeAdapter{name: "ollama"}
	r.Register(openai, 0)
	r.Register(ollama, 0)
	r.Bind("gpt-", "openai")
	r.Bind("o", "openai")
	r.Bind("ol", "ollama")
	r.SetFallback("ollama")

	cases := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "openai"},
		{"o3-mini", "openai"},
		{"ollama-wrapped", "ollama"}, // longest prefix wins
		{"llama3:8b", "ollama"},      // fallback
	}
	for _, tc := range cases {
		a, err := r.Route(tc.model)
		if err != nil {
			t.Fatalf("route %s: %v", tc.model, err)
		}
		if a.Name() != tc.want {
			t.Errorf("route %s = %s, want %s", tc.model, a.Name(), tc.want)
		}
	}
}

func TestRegistryRouteErrors(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Route("gpt-4o"); err == nil {
		t.Fatal("expected error with no providers")
	}
	r.Bind("gpt-", "openai")
	if _, err := r.Route("gpt-4o"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestRegistryAcquireCapsConcurrency(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeAdapter{name: "openai"}, 1)

	rel1, err := r.Acquire(context.Background(), "openai")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "openai"); err == nil {
		t.Fatal("second acquire should block until timeout")
	}

	rel1()
	rel1() // double release must be safe

	rel2, err := r.Acquire(context.Background(), "openai")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	rel2()
}

func TestRegistryAcquireUncapped(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeAdapter{name: "ollama"}, 0)
	for i := 0; i < 16; i++ {
		rel, err := r.Acquire(context.Background(), "ollama")
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		rel()
	}
}

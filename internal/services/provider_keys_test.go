package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/pkg/ctxutil"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/secrets"
)

type fakeKeyRepo struct {
	mu   sync.Mutex
	rows map[string]*types.ProviderKey
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{rows: map[string]*types.ProviderKey{}}
}

func keyRepoKey(userID uuid.UUID, provider string) string {
	return userID.String() + "|" + provider
}

func (f *fakeKeyRepo) Upsert(dbc dbctx.Context, row *types.ProviderKey) (*types.ProviderKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[keyRepoKey(row.UserID, row.Provider)] = row
	return row, nil
}
func (f *fakeKeyRepo) Get(dbc dbctx.Context, userID uuid.UUID, provider string) (*types.ProviderKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[keyRepoKey(userID, provider)], nil
}
func (f *fakeKeyRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.ProviderKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ProviderKey
	for _, r := range f.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeKeyRepo) Delete(dbc dbctx.Context, userID uuid.UUID, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, keyRepoKey(userID, provider))
	return nil
}

func newTestKeyService(t *testing.T) (ProviderKeyService, *fakeKeyRepo) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	master, err := secrets.GenerateMasterKey()
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	sealer, err := secrets.NewSealer(master, log)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	repo := newFakeKeyRepo()
	return NewProviderKeyService(repo, sealer, log), repo
}

func TestKeyFuncPrefersStoredUserKey(t *testing.T) {
	t.Setenv("FAKE_PROVIDER_KEY", "env-key")
	svc, _ := newTestKeyService(t)

	userID := uuid.New()
	ctx := ctxutil.WithRequestData(context.Background(), &ctxutil.RequestData{UserID: userID})
	if err := svc.Put(dbctx.Context{Ctx: ctx}, "fakeprov", "sk-user-secret"); err != nil {
		t.Fatalf("put: %v", err)
	}

	resolve := svc.KeyFunc("fakeprov", "FAKE_PROVIDER_KEY")
	got, err := resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "sk-user-secret" {
		t.Fatalf("resolved key = %q, want stored user key", got)
	}
}

func TestKeyFuncFallsBackToEnvWithoutUser(t *testing.T) {
	t.Setenv("FAKE_PROVIDER_KEY", "env-key")
	svc, _ := newTestKeyService(t)

	resolve := svc.KeyFunc("fakeprov", "FAKE_PROVIDER_KEY")
	got, err := resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "env-key" {
		t.Fatalf("resolved key = %q, want env fallback", got)
	}
}

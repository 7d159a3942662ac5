package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/openconvo/convo-backend/internal/data/repos"
	types "github.com/openconvo/convo-backend/internal/domain"
	"github.com/openconvo/convo-backend/internal/pkg/apierr"
	"github.com/openconvo/convo-backend/internal/pkg/ctxutil"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/provider"
	"github.com/openconvo/convo-backend/internal/secrets"
)

// ProviderKeyService stores per-user provider API keys sealed at rest and
// hands adapters a resolver that decrypts only at call time.
type ProviderKeyService interface {
	Put(dbc dbctx.Context, providerName string, plaintext string) error
	Delete(dbc dbctx.Context, providerName string) error
	ListProviders(dbc dbctx.Context) ([]string, error)
	// KeyFunc builds the resolver for one provider. Resolution order: the
	// calling user's sealed key, then the provider's environment variable.
	KeyFunc(providerName, envVar string) provider.KeyFunc
}

type providerKeyService struct {
	log    *logger.Logger
	keys   repos.ProviderKeyRepo
	sealer *secrets.Sealer
}

func NewProviderKeyService(keyRepo repos.ProviderKeyRepo, sealer *secrets.Sealer, baseLog *logger.Logger) ProviderKeyService {
	return &providerKeyService{
		log:    baseLog.With("service", "ProviderKeyService"),
		keys:   keyRepo,
		sealer: sealer,
	}
}

func (s *providerKeyService) Put(dbc dbctx.Context, providerName string, plaintext string) error {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return apierr.New(401, "unauthorized", fmt.Errorf("not authenticated"))
	}
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	plaintext = strings.TrimSpace(plaintext)
	if providerName == "" || plaintext == "" {
		return apierr.New(400, "invalid_request", fmt.Errorf("missing provider or key"))
	}
	sealed, err := s.sealer.Seal(plaintext)
	if err != nil {
		return err
	}
	_, err = s.keys.Upsert(dbc, &types.ProviderKey{
		UserID:    rd.UserID,
		Provider:  providerName,
		SealedKey: sealed,
	})
	return err
}

func (s *providerKeyService) Delete(dbc dbctx.Context, providerName string) error {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return apierr.New(401, "unauthorized", fmt.Errorf("not authenticated"))
	}
	return s.keys.Delete(dbc, rd.UserID, providerName)
}

func (s *providerKeyService) ListProviders(dbc dbctx.Context) ([]string, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.New(401, "unauthorized", fmt.Errorf("not authenticated"))
	}
	rows, err := s.keys.ListByUser(dbc, rd.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Provider)
	}
	return out, nil
}

func (s *providerKeyService) KeyFunc(providerName, envVar string) provider.KeyFunc {
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	return func(ctx context.Context) (string, error) {
		if rd := ctxutil.GetRequestData(ctx); rd != nil && rd.UserID != uuid.Nil {
			row, err := s.keys.Get(dbctx.Context{Ctx: ctx}, rd.UserID, providerName)
			if err != nil {
				return "", err
			}
			if row != nil {
				return s.sealer.Open(row.SealedKey)
			}
		}
		if envVar != "" {
			if key := strings.TrimSpace(os.Getenv(envVar)); key != "" {
				return key, nil
			}
		}
		return "", fmt.Errorf("no API key configured for provider %q", providerName)
	}
}

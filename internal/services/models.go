package services

import (
	"context"

	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/provider"
)

// ModelService exposes local model management for providers that host
// models on this machine. Remote providers reject both operations.
type ModelService interface {
	Load(ctx context.Context, modelID string) (provider.ModelState, error)
	Status(ctx context.Context, modelID string) (provider.ModelState, error)
}

type modelService struct {
	log      *logger.Logger
	registry *provider.Registry
}

func NewModelService(registry *provider.Registry, baseLog *logger.Logger) ModelService {
	return &modelService{
		log:      baseLog.With("service", "ModelService"),
		registry: registry,
	}
}

func (s *modelService) Load(ctx context.Context, modelID string) (provider.ModelState, error) {
	la, err := s.registry.Local(modelID)
	if err != nil {
		return provider.ModelState{}, err
	}
	return la.Load(ctx, modelID)
}

func (s *modelService) Status(ctx context.Context, modelID string) (provider.ModelState, error) {
	la, err := s.registry.Local(modelID)
	if err != nil {
		return provider.ModelState{}, err
	}
	return la.Status(ctx, modelID)
}

package app

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/openconvo/convo-backend/internal/lifecycle"
	"github.com/openconvo/convo-backend/internal/observability"
	"github.com/openconvo/convo-backend/internal/orchestrator"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/provider"
	"github.com/openconvo/convo-backend/internal/relay"
	"github.com/openconvo/convo-backend/internal/secrets"
	"github.com/openconvo/convo-backend/internal/services"
)

type Services struct {
	Store    *lifecycle.Store
	Registry *provider.Registry
	Relay    *relay.Relay

	Orchestrator *orchestrator.Orchestrator
	Scheduler    *orchestrator.Scheduler

	Chat   services.ChatService
	Models services.ModelService
	Keys   services.ProviderKeyService
	Notify services.ChatNotifier

	Metrics *observability.Metrics
}

func wireServices(
	db *gorm.DB,
	log *logger.Logger,
	cfg Config,
	reposet Repos,
	emitter services.SSEEmitter,
) (Services, error) {
	metrics := observability.Current()

	sealer, err := secrets.NewSealer(cfg.MasterKeyB64, log)
	if err != nil {
		return Services{}, fmt.Errorf("init sealer: %w", err)
	}
	keyService := services.NewProviderKeyService(reposet.ProviderKeys, sealer, log)

	registry := provider.NewRegistry(log)
	openaiAdapter, err := provider.NewOpenAIAdapter(log, keyService.KeyFunc("openai", "OPENAI_API_KEY"))
	if err != nil {
		return Services{}, fmt.Errorf("init openai adapter: %w", err)
	}
	registry.Register(openaiAdapter, cfg.ProviderCap)

	ollamaAdapter, err := provider.NewOllamaAdapter(log)
	if err != nil {
		return Services{}, fmt.Errorf("init ollama adapter: %w", err)
	}
	registry.Register(ollamaAdapter, cfg.ProviderCap)

	for prefix, providerName := range cfg.ModelBindings {
		registry.Bind(prefix, providerName)
	}
	registry.SetFallback(cfg.FallbackProvider)

	store := lifecycle.NewStore(log, 5*time.Minute)

	rl := relay.New(store, relay.Config{
		MaxOpenSessions:   cfg.RelayCeiling,
		InactivityTimeout: cfg.RelayInactivityTimeout,
	}, log)

	notifier := services.NewChatNotifier(emitter)

	scheduler := orchestrator.NewScheduler(orchestrator.SchedulerDeps{
		Threads:  reposet.Threads,
		Messages: reposet.Messages,
		States:   reposet.States,
		Jobs:     reposet.SummaryJobs,
		Registry: registry,
		Metrics:  metrics,
	}, cfg.SchedulerTimeout, log)

	orc := orchestrator.New(orchestrator.Deps{
		Threads:    reposet.Threads,
		Messages:   reposet.Messages,
		States:     reposet.States,
		JobRuns:    reposet.JobRuns,
		Store:      store,
		Registry:   registry,
		Notify:     notifier,
		Metrics:    metrics,
		OnComplete: scheduler.ScheduleSummary,
	}, orchestrator.Config{
		InactivityTimeout: cfg.GenInactivityTimeout,
		TotalTimeout:      cfg.GenTotalTimeout,
		ConnectRetries:    cfg.GenConnectRetries,
		ContextBudget:     cfg.ContextBudget,
		MaxOutputTokens:   cfg.MaxOutputTokens,
	}, log)

	chatService := services.NewChatService(
		db,
		log,
		reposet.Threads,
		reposet.Messages,
		reposet.States,
		store,
		orc,
		scheduler,
		notifier,
		cfg.SystemPrompt,
	)

	return Services{
		Store:        store,
		Registry:     registry,
		Relay:        rl,
		Orchestrator: orc,
		Scheduler:    scheduler,
		Chat:         chatService,
		Models:       services.NewModelService(registry, log),
		Keys:         keyService,
		Notify:       notifier,
		Metrics:      metrics,
	}, nil
}

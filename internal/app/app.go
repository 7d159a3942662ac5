package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/openconvo/convo-backend/internal/db"
	httpx "github.com/openconvo/convo-backend/internal/http"
	"github.com/openconvo/convo-backend/internal/observability"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/realtime"
	"github.com/openconvo/convo-backend/internal/realtime/bus"
	"github.com/openconvo/convo-backend/internal/services"
)

const shutdownGrace = 5 * time.Second

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services
	Hub      *realtime.SSEHub

	sseBus          bus.Bus
	metricsShutdown func(context.Context) error
	cancel          context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	ctx, cancel := context.WithCancel(context.Background())

	metricsShutdown := observability.Init(ctx, log)

	hub := realtime.NewSSEHub(log)

	// With the redis bus, all emission goes through the bus and comes back
	// via the forwarder, so every instance (including the emitter's own)
	// delivers through its local hub exactly once.
	var emitter services.SSEEmitter = &services.HubEmitter{Hub: hub}
	var sseBus bus.Bus
	if cfg.UseRedisBus {
		sseBus, err = bus.NewRedisBus(log)
		if err != nil {
			cancel()
			log.Sync()
			return nil, fmt.Errorf("init redis bus: %w", err)
		}
		if err := sseBus.StartForwarder(ctx, hub.Broadcast); err != nil {
			cancel()
			log.Sync()
			return nil, fmt.Errorf("start bus forwarder: %w", err)
		}
		emitter = &services.RedisEmitter{Bus: sseBus}
	}

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, cfg, reposet, emitter)
	if err != nil {
		cancel()
		log.Sync()
		return nil, err
	}

	router := httpx.NewRouter(wireRouter(theDB, log, cfg, serviceset, hub))

	return &App{
		Log:             log,
		DB:              theDB,
		Router:          router,
		Cfg:             cfg,
		Repos:           reposet,
		Services:        serviceset,
		Hub:             hub,
		sseBus:          sseBus,
		metricsShutdown: metricsShutdown,
		cancel:          cancel,
	}, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.sseBus != nil {
		_ = a.sseBus.Close()
	}
	if a.metricsShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = a.metricsShutdown(ctx)
		cancel()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

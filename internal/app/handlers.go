package app

import (
	"gorm.io/gorm"

	httpx "github.com/openconvo/convo-backend/internal/http"
	httpH "github.com/openconvo/convo-backend/internal/http/handlers"
	httpMW "github.com/openconvo/convo-backend/internal/http/middleware"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
	"github.com/openconvo/convo-backend/internal/realtime"
)

func wireRouter(
	db *gorm.DB,
	log *logger.Logger,
	cfg Config,
	serviceset Services,
	hub *realtime.SSEHub,
) httpx.RouterConfig {
	return httpx.RouterConfig{
		AuthMiddleware:  httpMW.NewAuthMiddleware(log, cfg.JWTSecretKey),
		Metrics:         serviceset.Metrics,
		ChatHandler:     httpH.NewChatHandler(serviceset.Chat),
		RelayHandler:    httpH.NewRelayHandler(log, serviceset.Chat, serviceset.Relay, serviceset.Store, serviceset.Metrics),
		RealtimeHandler: httpH.NewRealtimeHandler(log, hub),
		ModelHandler:    httpH.NewModelHandler(serviceset.Models),
		KeyHandler:      httpH.NewKeyHandler(serviceset.Keys),
		HealthHandler:   httpH.NewHealthHandler(db),
	}
}

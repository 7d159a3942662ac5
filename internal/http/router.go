package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/openconvo/convo-backend/internal/http/handlers"
	httpMW "github.com/openconvo/convo-backend/internal/http/middleware"
	"github.com/openconvo/convo-backend/internal/observability"
)

type RouterConfig struct {
	AuthMiddleware *httpMW.AuthMiddleware
	Metrics        *observability.Metrics

	ChatHandler     *httpH.ChatHandler
	RelayHandler    *httpH.RelayHandler
	RealtimeHandler *httpH.RealtimeHandler
	ModelHandler    *httpH.ModelHandler
	KeyHandler      *httpH.KeyHandler
	HealthHandler   *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(httpMW.CORS())
	if cfg.Metrics != nil {
		r.Use(httpMW.Metrics(cfg.Metrics))
	}

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if cfg.RealtimeHandler != nil {
		api.GET("/sse/stream", cfg.RealtimeHandler.Stream)
	}

	if cfg.ChatHandler != nil {
		api.POST("/chat/threads", cfg.ChatHandler.CreateThread)
		api.GET("/chat/threads", cfg.ChatHandler.ListThreads)
		api.GET("/chat/threads/:id", cfg.ChatHandler.GetThread)
		api.DELETE("/chat/threads/:id", cfg.ChatHandler.DeleteThread)
		api.GET("/chat/threads/:id/messages", cfg.ChatHandler.ListMessages)
		api.POST("/chat/threads/:id/messages", cfg.ChatHandler.StartExchange)
		api.POST("/chat/threads/:id/summary", cfg.ChatHandler.TriggerSummary)
		api.POST("/chat/messages/:id/cancel", cfg.ChatHandler.CancelGeneration)
	}

	if cfg.RelayHandler != nil {
		api.GET("/chat/messages/:id/stream", cfg.RelayHandler.Stream)
	}

	if cfg.ModelHandler != nil {
		api.POST("/models/:id/load", cfg.ModelHandler.Load)
		api.GET("/models/:id/status", cfg.ModelHandler.Status)
	}

	if cfg.KeyHandler != nil {
		api.GET("/provider-keys", cfg.KeyHandler.List)
		api.PUT("/provider-keys/:provider", cfg.KeyHandler.Put)
		api.DELETE("/provider-keys/:provider", cfg.KeyHandler.Delete)
	}

	return r
}

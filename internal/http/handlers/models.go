package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openconvo/convo-backend/internal/http/response"
	"github.com/openconvo/convo-backend/internal/services"
)

type ModelHandler struct {
	models services.ModelService
}

func NewModelHandler(models services.ModelService) *ModelHandler {
	return &ModelHandler{models: models}
}

// POST /api/models/:id/load
//
// Idempotent: loading or loaded models return their current state.
func (h *ModelHandler) Load(c *gin.Context) {
	modelID := strings.TrimSpace(c.Param("id"))
	if modelID == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_model_id", nil)
		return
	}
	state, err := h.models.Load(c.Request.Context(), modelID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "model_load_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"model_id": modelID, "state": state})
}

// GET /api/models/:id/status
func (h *ModelHandler) Status(c *gin.Context) {
	modelID := strings.TrimSpace(c.Param("id"))
	if modelID == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_model_id", nil)
		return
	}
	state, err := h.models.Status(c.Request.Context(), modelID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "model_status_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"model_id": modelID, "state": state})
}

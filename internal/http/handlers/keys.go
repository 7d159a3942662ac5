package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openconvo/convo-backend/internal/http/response"
	"github.com/openconvo/convo-backend/internal/pkg/dbctx"
	"github.com/openconvo/convo-backend/internal/services"
)

type KeyHandler struct {
	keys services.ProviderKeyService
}

func NewKeyHandler(keys services.ProviderKeyService) *KeyHandler {
	return &KeyHandler{keys: keys}
}

type putKeyReq struct {
	Key string `json:"key" binding:"required"`
}

// PUT /api/provider-keys/:provider
//
// The plaintext key is sealed before it reaches the database and is never
// echoed back.
func (h *KeyHandler) Put(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	var req putKeyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.keys.Put(dbc, provider, req.Key); err != nil {
		respondServiceError(c, err, "store_key_failed")
		return
	}
	response.RespondOK(c, gin.H{"provider": provider, "stored": true})
}

// GET /api/provider-keys
func (h *KeyHandler) List(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	providers, err := h.keys.ListProviders(dbc)
	if err != nil {
		respondServiceError(c, err, "list_keys_failed")
		return
	}
	response.RespondOK(c, gin.H{"providers": providers})
}

// DELETE /api/provider-keys/:provider
func (h *KeyHandler) Delete(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.keys.Delete(dbc, provider); err != nil {
		respondServiceError(c, err, "delete_key_failed")
		return
	}
	response.RespondOK(c, gin.H{"provider": provider, "deleted": true})
}

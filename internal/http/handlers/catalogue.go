package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/labstream/workplan-backend/internal/http/response"
	"github.com/labstream/workplan-backend/internal/services"
)

type CatalogueHandler struct {
	catalogues services.CatalogueService
}

func NewCatalogueHandler(catalogues services.CatalogueService) *CatalogueHandler {
	return &CatalogueHandler{catalogues: catalogues}
}

// POST /api/catalogues (LIMS publication; YAML or JSON body)
func (h *CatalogueHandler) Ingest(c *gin.Context) {
	contentType := c.GetHeader("Content-Type")
	ctx := c.Request.Context()

	if strings.Contains(contentType, "json") {
		var doc services.CatalogueDocument
		if err := c.ShouldBindJSON(&doc); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
		cat, res := h.catalogues.Ingest(ctx, &doc)
		respondIngest(c, cat, res)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	cat, res := h.catalogues.IngestYAML(ctx, raw)
	respondIngest(c, cat, res)
}

func respondIngest(c *gin.Context, cat any, res services.Result) {
	if !res.OK {
		response.RespondResult(c, res)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"catalogue": cat, "messages": res.Messages})
}

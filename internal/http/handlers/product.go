package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/catalogue"
	"github.com/labstream/workplan-backend/internal/data/repos/products"
	"github.com/labstream/workplan-backend/internal/http/response"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
)

type ProductHandler struct {
	catalogue products.CatalogueRepo
}

func NewProductHandler(catalogueRepo products.CatalogueRepo) *ProductHandler {
	return &ProductHandler{catalogue: catalogueRepo}
}

// GET /api/products
func (h *ProductHandler) List(c *gin.Context) {
	rows, err := h.catalogue.ListAvailableProducts(dbctx.Context{Ctx: c.Request.Context()})
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_products_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"products": rows})
}

// GET /api/products/:id/modules
//
// Returns, per stage, the one-step link map over the module graph and the
// default walk, for the wizard's option picker.
func (h *ProductHandler) Modules(c *gin.Context) {
	productID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_product_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	processes, err := h.catalogue.ProcessesForProduct(dbc, productID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "load_product_failed", err)
		return
	}
	if len(processes) == 0 {
		response.RespondError(c, http.StatusNotFound, "product_not_found", nil)
		return
	}

	type stageView struct {
		ProcessID      uuid.UUID           `json:"process_id"`
		ProcessName    string              `json:"process_name"`
		AvailableLinks map[string][]string `json:"available_links"`
		DefaultPath    []string            `json:"default_path"`
	}
	stages := make([]stageView, 0, len(processes))
	for _, proc := range processes {
		links := catalogue.BuildAvailableLinks(proc.Pairings, proc.Modules)
		var defaults []string
		if path, err := catalogue.BuildDefaultPath(proc.Pairings, proc.Modules); err == nil {
			for _, m := range path {
				defaults = append(defaults, m.Name)
			}
		}
		stages = append(stages, stageView{
			ProcessID:      proc.ID,
			ProcessName:    proc.Name,
			AvailableLinks: links,
			DefaultPath:    defaults,
		})
	}
	response.RespondOK(c, gin.H{"stages": stages})
}

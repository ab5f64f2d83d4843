package handler

import (
	"net/http"
	"ticket-rush/internal/model"
	"ticket-rush/internal/service"

	"github.com/gin-gonic/gin"
)

type InventoryHandler struct {
	service service.InventoryService
}

func NewInventoryHandler(service service.InventoryService) *InventoryHandler {
	return &InventoryHandler{service: service}
}

func (h *InventoryHandler) RegisterRoutes(r *gin.Engine) {
	router := r.Group("/api/v1")
	{
		router.GET("inventories", h.List)
		router.GET("inventories/:date", h.GetAvailability)
		router.POST("inventories", h.Create)
		router.PUT("inventories/:date/restock", h.Restock)
		router.PUT("inventories/:date/total", h.SetTotal)
		router.DELETE("inventories/:date", h.Delete)
	}
}

// RestockRequest 補貨請求
type RestockRequest struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}

// SetTotalRequest 調整總量請求
type SetTotalRequest struct {
	TotalCount *int `json:"total_count" binding:"required,min=0"`
}

type dateUri struct {
	Date string `uri:"date" binding:"required"`
}

type deleteQuery struct {
	Force bool `form:"force"`
}

func (h *InventoryHandler) List(c *gin.Context) {
	inventories, err := h.service.List(c)
	if err != nil {
		handleError(c, err, "List")
		return
	}
	resp := make([]model.InventoryResponse, 0, len(inventories))
	for _, inv := range inventories {
		resp = append(resp, inv.ToResponse())
	}
	handleSuccess(c, resp, http.StatusOK)
}

func (h *InventoryHandler) GetAvailability(c *gin.Context) {
	var uri dateUri
	if err := BindUri(c, &uri); err != nil {
		return
	}
	inv, err := h.service.GetAvailability(c, uri.Date)
	if err != nil {
		handleError(c, err, "GetAvailability")
		return
	}
	handleSuccess(c, inv.ToResponse(), http.StatusOK)
}

func (h *InventoryHandler) Create(c *gin.Context) {
	var req model.CreateInventoryRequest
	if err := BindJson(c, &req); err != nil {
		return
	}
	inv, err := h.service.Create(c, req)
	if err != nil {
		handleError(c, err, "Create")
		return
	}
	handleSuccess(c, inv.ToResponse(), http.StatusCreated)
}

func (h *InventoryHandler) Restock(c *gin.Context) {
	var req RestockRequest
	if err := BindJson(c, &req); err != nil {
		return
	}
	inv, err := h.service.Restock(c, c.Param("date"), req.Quantity)
	if err != nil {
		handleError(c, err, "Restock")
		return
	}
	handleSuccess(c, inv.ToResponse(), http.StatusOK)
}

func (h *InventoryHandler) SetTotal(c *gin.Context) {
	var req SetTotalRequest
	if err := BindJson(c, &req); err != nil {
		return
	}
	inv, err := h.service.SetTotal(c, c.Param("date"), *req.TotalCount)
	if err != nil {
		handleError(c, err, "SetTotal")
		return
	}
	handleSuccess(c, inv.ToResponse(), http.StatusOK)
}

func (h *InventoryHandler) Delete(c *gin.Context) {
	var query deleteQuery
	if err := BindQuery(c, &query); err != nil {
		return
	}
	if err := h.service.Delete(c, c.Param("date"), query.Force); err != nil {
		handleError(c, err, "Delete")
		return
	}
	handleSuccess(c, nil, http.StatusNoContent)
}

package handler

import (
	"net/http"
	"strconv"
	"ticket-rush/internal/model"
	"ticket-rush/internal/service"
	apperrors "ticket-rush/pkg/app_errors"

	"github.com/gin-gonic/gin"
)

type OrderHandler struct {
	service service.OrderService
}

func NewOrderHandler(service service.OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

func (h *OrderHandler) RegisterRoutes(r *gin.Engine) {
	router := r.Group("/api/v1")
	{
		router.GET("users/:id/orders", h.ListUserOrders)
		router.GET("orders/:orderNo", h.GetOrder)
		router.POST("orders/:orderNo/pay", h.PayOrder)
		router.POST("orders/:orderNo/cancel", h.CancelOrder)
	}
}

func (h *OrderHandler) ListUserOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		handleError(c, apperrors.ErrInvalidInput, "ListUserOrders")
		return
	}

	orders, err := h.service.ListUserOrders(c, userID)
	if err != nil {
		handleError(c, err, "ListUserOrders")
		return
	}

	resp := make([]model.OrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, o.ToResponse())
	}
	handleSuccess(c, resp, http.StatusOK)
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.service.GetOrder(c, c.Param("orderNo"))
	if err != nil {
		handleError(c, err, "GetOrder")
		return
	}
	handleSuccess(c, order.ToResponse(), http.StatusOK)
}

func (h *OrderHandler) PayOrder(c *gin.Context) {
	order, err := h.service.Pay(c, c.Param("orderNo"))
	if err != nil {
		handleError(c, err, "PayOrder")
		return
	}
	handleSuccess(c, order.ToResponse(), http.StatusOK)
}

func (h *OrderHandler) CancelOrder(c *gin.Context) {
	order, err := h.service.Cancel(c, c.Param("orderNo"))
	if err != nil {
		handleError(c, err, "CancelOrder")
		return
	}
	handleSuccess(c, order.ToResponse(), http.StatusOK)
}

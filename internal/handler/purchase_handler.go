package handler

import (
	"net/http"
	"ticket-rush/internal/model"
	"ticket-rush/internal/service"
	apperrors "ticket-rush/pkg/app_errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxWait 阻塞限流最多等待時間
const maxWait = 5 * time.Second

type PurchaseHandler struct {
	service service.PurchaseService
}

func NewPurchaseHandler(service service.PurchaseService) *PurchaseHandler {
	return &PurchaseHandler{service: service}
}

func (h *PurchaseHandler) RegisterRoutes(r *gin.Engine) {
	router := r.Group("/api/v1")
	{
		router.POST("purchases", h.Purchase)
		router.GET("intents/:id", h.GetIntent)
	}
}

type purchaseQuery struct {
	WaitMillis int `form:"wait_ms" binding:"min=0"`
}

func (h *PurchaseHandler) Purchase(c *gin.Context) {
	var req model.PurchaseRequest
	if err := BindJson(c, &req); err != nil {
		return
	}
	var query purchaseQuery
	if err := BindQuery(c, &query); err != nil {
		return
	}
	req.ClientIP = c.ClientIP()

	var (
		receipt *model.PurchaseReceipt
		err     error
	)
	if query.WaitMillis > 0 {
		wait := min(time.Duration(query.WaitMillis)*time.Millisecond, maxWait)
		receipt, err = h.service.PurchaseBlocking(c, req, wait)
	} else {
		receipt, err = h.service.Purchase(c, req)
	}
	if err != nil {
		handleError(c, err, "Purchase")
		return
	}

	// 已預留庫存，訂單非同步落地
	handleSuccess(c, receipt, http.StatusAccepted)
}

func (h *PurchaseHandler) GetIntent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": apperrors.CodeInvalidInput, "error": "Invalid intent id"})
		return
	}

	view, err := h.service.GetIntent(c, id)
	if err != nil {
		handleError(c, err, "GetIntent")
		return
	}
	handleSuccess(c, view, http.StatusOK)
}

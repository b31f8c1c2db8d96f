package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"shop-order-service/internal/models"
	"shop-order-service/internal/service"
	"shop-order-service/internal/util"
	"shop-order-service/internal/vnpay"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	orders *service.OrderService
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *service.OrderService) *Handler {
	return &Handler{
		orders: orders,
		logger: util.Named("api"),
	}
}

// response is the envelope every endpoint returns: a status flag, a
// human-readable message and either a payload or an error reference.
type response struct {
	Status  bool        `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Ref     string      `json:"ref,omitempty"`
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.placeOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/complete", h.completeOrder)
		v1.GET("/users/:userID/orders", h.listUserOrders)
		v1.GET("/variants/:id/stock", h.variantStock)
		v1.GET("/payment/vnpay/return", h.vnpayReturn)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// placeOrder handles checkout
func (h *Handler) placeOrder(c *gin.Context) {
	var req service.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{
			Status:  false,
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	req.ClientIP = c.ClientIP()

	resp, err := h.orders.PlaceOrder(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if resp.PaymentURL != "" {
		c.JSON(http.StatusOK, response{
			Status:  true,
			Message: "Redirect to payment gateway",
			Data:    resp,
		})
		return
	}

	c.JSON(http.StatusCreated, response{
		Status:  true,
		Message: "Order placed",
		Data:    resp,
	})
}

// getOrder returns one order with its items and history
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.paramID(c, "id")
	if !ok {
		return
	}

	detail, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response{
		Status:  true,
		Message: "Order detail",
		Data:    detail,
	})
}

// cancelOrder cancels a pending order
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := h.paramID(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), orderID, actorFromQuery(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response{
		Status:  true,
		Message: "Order cancelled",
		Data:    order,
	})
}

// completeOrder confirms delivery of an order
func (h *Handler) completeOrder(c *gin.Context) {
	orderID, ok := h.paramID(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.CompleteOrder(c.Request.Context(), orderID, actorFromQuery(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response{
		Status:  true,
		Message: "Order completed",
		Data:    order,
	})
}

// listUserOrders returns a user's orders, optionally filtered by code
func (h *Handler) listUserOrders(c *gin.Context) {
	userID, ok := h.paramID(c, "userID")
	if !ok {
		return
	}

	orders, err := h.orders.ListOrdersByUser(c.Request.Context(), userID, c.Query("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response{
		Status:  true,
		Message: "Orders",
		Data:    orders,
	})
}

// variantStock returns the sellable quantity for one variant
func (h *Handler) variantStock(c *gin.Context) {
	variantID, ok := h.paramID(c, "id")
	if !ok {
		return
	}

	quantity, err := h.orders.GetVariantStock(c.Request.Context(), variantID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response{
		Status:  true,
		Message: "Stock",
		Data: gin.H{
			"variant_id": variantID,
			"quantity":   quantity,
		},
	})
}

// vnpayReturn receives the gateway callback
func (h *Handler) vnpayReturn(c *gin.Context) {
	outcome, err := h.orders.HandleGatewayReturn(c.Request.Context(), c.Request.URL.Query())
	if err != nil {
		h.respondError(c, err)
		return
	}

	message := "Payment failed, order cancelled"
	if outcome.PaymentSucceeded {
		message = "Payment confirmed"
	}
	if outcome.AlreadyProcessed {
		message = "Callback already processed"
	}

	c.JSON(http.StatusOK, response{
		Status:  outcome.PaymentSucceeded,
		Message: message,
		Data:    outcome,
	})
}

func (h *Handler) paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, response{
			Status:  false,
			Message: "Invalid " + name,
		})
		return 0, false
	}
	return id, true
}

// actorFromQuery reads the acting user id; absent means system.
func actorFromQuery(c *gin.Context) int64 {
	actorID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		return models.ActorSystem
	}
	return actorID
}

// respondError maps workflow errors onto HTTP statuses. Anything
// unexpected gets an opaque reference id; the underlying error only
// goes to the log.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrVariantNotFound),
		errors.Is(err, service.ErrVoucherNotFound):
		c.JSON(http.StatusNotFound, response{Status: false, Message: err.Error()})

	case errors.Is(err, service.ErrInvalidStateTransition),
		errors.Is(err, service.ErrVoucherNotEligible),
		errors.Is(err, service.ErrVoucherExhausted),
		errors.Is(err, service.ErrInvalidPaymentMethod),
		errors.Is(err, service.ErrEmptyItems):
		c.JSON(http.StatusBadRequest, response{Status: false, Message: err.Error()})

	case errors.Is(err, service.ErrInsufficientStock):
		c.JSON(http.StatusConflict, response{Status: false, Message: err.Error()})

	case errors.Is(err, vnpay.ErrInvalidSignature),
		errors.Is(err, vnpay.ErrMissingField):
		c.JSON(http.StatusBadRequest, response{Status: false, Message: "Invalid payment callback"})

	default:
		ref := uuid.New().String()
		h.logger.Error("Request failed",
			zap.String("ref", ref),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, response{
			Status:  false,
			Message: "Internal error",
			Ref:     ref,
		})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/core/service"
)

const idempotencyHeader = "Idempotency-Key"

type HTTPHandler struct {
	engine *service.ReconciliationEngine
	logger zerolog.Logger
}

type CreateItemHTTPRequest struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	ImageURL  string          `json:"image_url"`
	Quantity  int             `json:"quantity"`
}

type QuantityHTTPRequest struct {
	Quantity *int `json:"quantity"`
}

type AddToCartHTTPRequest struct {
	ItemID   string `json:"item_id"`
	Quantity *int   `json:"quantity"` // defaults to 1
}

type HTTPResponse struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func NewHTTPHandler(engine *service.ReconciliationEngine, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{engine: engine, logger: logger}
}

// NewRouter wires the API, health and metrics endpoints.
func NewRouter(h *HTTPHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), MetricsMiddleware)

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/items", h.CreateItem)
	api.GET("/items", h.ListItems)
	api.GET("/items/:id", h.GetItem)
	api.PUT("/items/:id/quantity", h.UpdateItemQuantity)
	api.DELETE("/items/:id", h.DeleteItem)

	api.GET("/cart", h.ListCart)
	api.POST("/cart", h.AddToCart)
	api.PUT("/cart/:itemId", h.SetCartQuantity)
	api.DELETE("/cart/:itemId", h.RemoveFromCart)

	api.POST("/checkout", h.Checkout)
	api.GET("/ledger", h.Ledger)

	return r
}

func (h *HTTPHandler) CreateItem(c *gin.Context) {
	var req CreateItemHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}

	item, err := h.engine.CreateItem(c.Request.Context(), domain.NewItem{
		Name:      req.Name,
		UnitPrice: req.UnitPrice,
		ImageURL:  req.ImageURL,
		Quantity:  req.Quantity,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, HTTPResponse{Success: true, Message: "item created", Data: toItemDTO(*item)})
}

func (h *HTTPHandler) ListItems(c *gin.Context) {
	filter := domain.ItemFilter{}
	if raw := c.Query("in_inventory"); raw != "" {
		only, err := strconv.ParseBool(raw)
		if err != nil {
			h.badRequest(c, "in_inventory must be a boolean")
			return
		}
		filter.InInventoryOnly = only
	}

	items, err := h.engine.ListItems(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{Success: true, Data: toItemDTOs(items)})
}

func (h *HTTPHandler) GetItem(c *gin.Context) {
	item, err := h.engine.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{Success: true, Data: toItemDTO(*item)})
}

func (h *HTTPHandler) UpdateItemQuantity(c *gin.Context) {
	var req QuantityHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Quantity == nil {
		h.badRequest(c, "quantity is required")
		return
	}

	item, err := h.engine.UpdateItemQuantity(c.Request.Context(), c.Param("id"), *req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{Success: true, Message: "inventory updated", Data: toItemDTO(*item)})
}

func (h *HTTPHandler) DeleteItem(c *gin.Context) {
	if err := h.engine.DeleteItem(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{Success: true, Message: "item deleted"})
}

func (h *HTTPHandler) ListCart(c *gin.Context) {
	lines, err := h.engine.ListCart(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{Success: true, Data: toCartDTO(lines)})
}

func (h *HTTPHandler) AddToCart(c *gin.Context) {
	var req AddToCartHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	if req.ItemID == "" {
		h.badRequest(c, "item_id is required")
		return
	}
	delta := 1
	if req.Quantity != nil {
		delta = *req.Quantity
	}

	res, err := h.engine.AddToCart(c.Request.Context(), req.ItemID, delta)
	observeCart("add", err)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{Success: true, Message: "cart updated", Data: toCartChangeDTO(req.ItemID, res)})
}

func (h *HTTPHandler) SetCartQuantity(c *gin.Context) {
	var req QuantityHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Quantity == nil {
		h.badRequest(c, "quantity is required")
		return
	}

	itemID := c.Param("itemId")
	res, err := h.engine.SetCartQuantity(c.Request.Context(), itemID, *req.Quantity)
	observeCart("set", err)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{Success: true, Message: "cart updated", Data: toCartChangeDTO(itemID, res)})
}

func (h *HTTPHandler) RemoveFromCart(c *gin.Context) {
	err := h.engine.RemoveFromCart(c.Request.Context(), c.Param("itemId"))
	observeCart("remove", err)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{Success: true, Message: "item removed from cart"})
}

func (h *HTTPHandler) Checkout(c *gin.Context) {
	receipt, err := h.engine.Finalize(c.Request.Context(), c.GetHeader(idempotencyHeader))
	observeCart("finalize", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(receipt.Lines) > 0 {
		CheckoutTotal.Inc()
	}

	c.JSON(http.StatusOK, HTTPResponse{Success: true, Message: "checkout complete", Data: toReceiptDTO(*receipt)})
}

func (h *HTTPHandler) Ledger(c *gin.Context) {
	entries, err := h.engine.Ledger(c.Request.Context(), c.Query("checkout_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{Success: true, Data: toLedgerDTOs(entries)})
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, HTTPResponse{
		Success: false,
		Kind:    string(domain.KindValidation),
		Message: message,
	})
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	kind, message := errorBody(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}

	c.JSON(status, HTTPResponse{Success: false, Kind: string(kind), Message: message})
}

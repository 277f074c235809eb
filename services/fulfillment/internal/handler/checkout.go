// Package handler содержит HTTP обработчики витрины, вебхуков и операций персонала.
package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/service"
)

// dateLayout — формат даты доставки.
const dateLayout = "2006-01-02"

// CheckoutHandler — обработчик заказов и оформления оплаты.
type CheckoutHandler struct {
	svc CheckoutService
}

// NewCheckoutHandler создаёт обработчик.
func NewCheckoutHandler(svc CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{svc: svc}
}

// === Request/Response DTOs ===

// CreateOrderRequest — запрос на создание заказа.
type CreateOrderRequest struct {
	CustomerID      *string            `json:"customer_id"`
	Email           string             `json:"email" binding:"required,email"`
	DeliveryAddress string             `json:"delivery_address" binding:"required"`
	DeliveryDate    string             `json:"delivery_date" binding:"required"`
	Items           []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

// OrderItemRequest — букет в заказе.
type OrderItemRequest struct {
	BouquetID string       `json:"bouquet_id" binding:"required"`
	Name      string       `json:"name" binding:"required"`
	Quantity  int32        `json:"quantity" binding:"required,min=1"`
	UnitPrice MoneyPayload `json:"unit_price" binding:"required"`
}

// MoneyPayload — сумма в минимальных единицах.
type MoneyPayload struct {
	Amount   int64  `json:"amount" binding:"required,min=1"`
	Currency string `json:"currency" binding:"required,len=3"`
}

// CheckoutRequest — запрос на оформление оплаты заказа.
type CheckoutRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

// OrderResponse — заказ в ответе.
type OrderResponse struct {
	ID              string         `json:"id"`
	Status          string         `json:"status"`
	PaymentStatus   string         `json:"payment_status"`
	Email           string         `json:"email"`
	DeliveryAddress string         `json:"delivery_address"`
	DeliveryDate    string         `json:"delivery_date"`
	Total           MoneyPayload   `json:"total"`
	Items           []ItemResponse `json:"items"`
	CreatedAt       int64          `json:"created_at"`
}

// OrderStatusResponse — заказ для покупателя по ссылке, без email и адреса.
type OrderStatusResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PaymentStatus string         `json:"payment_status"`
	DeliveryDate  string         `json:"delivery_date"`
	Total         MoneyPayload   `json:"total"`
	Items         []ItemResponse `json:"items"`
}

// ItemResponse — позиция заказа в ответе.
type ItemResponse struct {
	BouquetID string       `json:"bouquet_id"`
	Name      string       `json:"name"`
	Quantity  int32        `json:"quantity"`
	UnitPrice MoneyPayload `json:"unit_price"`
}

// CaptureResponse — итог захвата оплаты PayPal.
type CaptureResponse struct {
	OrderID       string `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
	CaptureID     string `json:"capture_id,omitempty"`
}

// LoyaltyResponse — баланс баллов.
type LoyaltyResponse struct {
	CustomerID string                 `json:"customer_id"`
	Balance    int64                  `json:"balance"`
	Entries    []LoyaltyEntryResponse `json:"entries"`
}

// LoyaltyEntryResponse — движение баллов.
type LoyaltyEntryResponse struct {
	Delta     int64   `json:"delta"`
	Reason    string  `json:"reason"`
	OrderID   *string `json:"order_id,omitempty"`
	CreatedAt int64   `json:"created_at"`
}

func toItemResponses(o *domain.Order) []ItemResponse {
	items := make([]ItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemResponse{
			BouquetID: it.BouquetID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: MoneyPayload{Amount: it.UnitPrice.Amount, Currency: it.UnitPrice.Currency},
		})
	}
	return items
}

func toOrderResponse(o *domain.Order) OrderResponse {
	return OrderResponse{
		ID:              o.ID,
		Status:          string(o.Status),
		PaymentStatus:   o.Status.CustomerPaymentStatus(),
		Email:           o.Email,
		DeliveryAddress: o.DeliveryAddress,
		DeliveryDate:    o.DeliveryDate.Format(dateLayout),
		Total:           MoneyPayload{Amount: o.Total.Amount, Currency: o.Total.Currency},
		Items:           toItemResponses(o),
		CreatedAt:       o.CreatedAt.Unix(),
	}
}

func toOrderStatusResponse(view *service.OrderView) OrderStatusResponse {
	o := view.Order
	return OrderStatusResponse{
		ID:            o.ID,
		Status:        string(o.Status),
		PaymentStatus: view.PaymentStatus,
		DeliveryDate:  o.DeliveryDate.Format(dateLayout),
		Total:         MoneyPayload{Amount: o.Total.Amount, Currency: o.Total.Currency},
		Items:         toItemResponses(o),
	}
}

// === Handlers ===

// CreateOrder создаёт заказ в pending.
// POST /api/v1/orders
func (h *CheckoutHandler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	date, err := time.Parse(dateLayout, req.DeliveryDate)
	if err != nil {
		badRequest(c, fmt.Errorf("delivery_date должна быть в формате %s", dateLayout))
		return
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.OrderItem{
			BouquetID: it.BouquetID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: domain.Money{Amount: it.UnitPrice.Amount, Currency: it.UnitPrice.Currency},
		})
	}

	order, err := h.svc.CreateOrder(c.Request.Context(), service.CreateOrderInput{
		CustomerID:      req.CustomerID,
		Email:           req.Email,
		DeliveryAddress: req.DeliveryAddress,
		DeliveryDate:    date,
		Items:           items,
	})
	if err != nil {
		HandleError(c, err, "CreateOrder")
		return
	}

	c.JSON(http.StatusCreated, toOrderResponse(order))
}

// GetOrder возвращает статус заказа для покупателя. Маршрут публичный,
// поэтому персональные данные в ответ не попадают.
// GET /api/v1/orders/:id
func (h *CheckoutHandler) GetOrder(c *gin.Context) {
	view, err := h.svc.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err, "GetOrder")
		return
	}
	c.JSON(http.StatusOK, toOrderStatusResponse(view))
}

// CreateStripeSession создаёт Checkout Session.
// POST /api/v1/checkout/stripe/session
func (h *CheckoutHandler) CreateStripeSession(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	session, err := h.svc.CreateStripeSession(c.Request.Context(), req.OrderID)
	if err != nil {
		HandleError(c, err, "CreateStripeSession")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": session.ID, "url": session.URL})
}

// CreatePayPalOrder создаёт заказ PayPal.
// POST /api/v1/checkout/paypal/orders
func (h *CheckoutHandler) CreatePayPalOrder(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	out, err := h.svc.CreatePayPalOrder(c.Request.Context(), req.OrderID)
	if err != nil {
		HandleError(c, err, "CreatePayPalOrder")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"paypal_order_id": out.PayPalOrderID, "approve_url": out.ApproveURL})
}

// CapturePayPal захватывает оплату после одобрения покупателем.
// POST /api/v1/checkout/paypal/orders/:paypal_order_id/capture
func (h *CheckoutHandler) CapturePayPal(c *gin.Context) {
	res, err := h.svc.CapturePayPal(c.Request.Context(), c.Param("paypal_order_id"))
	if err != nil {
		HandleError(c, err, "CapturePayPal")
		return
	}
	c.JSON(http.StatusOK, CaptureResponse{
		OrderID:       res.OrderID,
		PaymentStatus: res.PaymentStatus,
		CaptureID:     res.CaptureID,
	})
}

// GetLoyalty возвращает баланс баллов покупателя.
// GET /api/v1/ops/customers/:id/loyalty
func (h *CheckoutHandler) GetLoyalty(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	account, err := h.svc.LoyaltyAccount(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		HandleError(c, err, "GetLoyalty")
		return
	}

	entries := make([]LoyaltyEntryResponse, 0, len(account.Entries))
	for _, e := range account.Entries {
		entries = append(entries, LoyaltyEntryResponse{
			Delta:     e.Delta,
			Reason:    e.Reason,
			OrderID:   e.OrderID,
			CreatedAt: e.CreatedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, LoyaltyResponse{CustomerID: account.CustomerID, Balance: account.Balance, Entries: entries})
}

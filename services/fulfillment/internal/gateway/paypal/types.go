package paypal

import (
	"fmt"
	"strings"
)

// Статусы заказа PayPal.
const (
	StatusCreated   = "CREATED"
	StatusApproved  = "APPROVED"
	StatusCompleted = "COMPLETED"
)

// Amount — сумма в формате PayPal ("45.00").
type Amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// PurchaseUnit — единица покупки. ReferenceID — наш id заказа.
type PurchaseUnit struct {
	ReferenceID string    `json:"reference_id,omitempty"`
	CustomID    string    `json:"custom_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Amount      *Amount   `json:"amount,omitempty"`
	Payments    *Payments `json:"payments,omitempty"`
}

// Payments содержит захваты платежа.
type Payments struct {
	Captures []Capture `json:"captures"`
}

// Capture — захват платежа.
type Capture struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Amount *Amount `json:"amount,omitempty"`
}

// Link — HATEOAS ссылка.
type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

// createOrderRequest — тело POST /v2/checkout/orders.
type createOrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
}

// Order — ответ PayPal на создание и захват заказа.
type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
	Links         []Link         `json:"links"`
}

// ApproveURL возвращает ссылку для покупателя.
func (o *Order) ApproveURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

// ReferenceID возвращает наш id заказа из первой единицы покупки.
func (o *Order) ReferenceID() string {
	if len(o.PurchaseUnits) == 0 {
		return ""
	}
	return o.PurchaseUnits[0].ReferenceID
}

// CaptureID возвращает id первого захвата.
func (o *Order) CaptureID() string {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0].ID
		}
	}
	return ""
}

// ErrorDetail — деталь ошибки PayPal.
type ErrorDetail struct {
	Field       string `json:"field,omitempty"`
	Issue       string `json:"issue"`
	Description string `json:"description,omitempty"`
}

// APIError — ошибка REST API PayPal с исходным телом ответа.
type APIError struct {
	StatusCode int           `json:"-"`
	Name       string        `json:"name"`
	Message    string        `json:"message"`
	DebugID    string        `json:"debug_id"`
	Details    []ErrorDetail `json:"details"`
	Body       []byte        `json:"-"`
}

func (e *APIError) Error() string {
	issues := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		issues = append(issues, d.Issue)
	}
	return fmt.Sprintf("paypal %d %s: %s [%s] debug_id=%s",
		e.StatusCode, e.Name, e.Message, strings.Join(issues, ","), e.DebugID)
}

// HasIssue проверяет наличие issue в деталях ошибки.
func (e *APIError) HasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// FormatAmount переводит минимальные единицы в строку PayPal: 4500 → "45.00".
func FormatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

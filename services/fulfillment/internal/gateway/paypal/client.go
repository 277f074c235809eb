// Package paypal — клиент REST API PayPal Orders v2: создание, захват
// и чтение заказа. Токен OAuth2 (client credentials) кэшируется до истечения,
// вызовы защищены повтором на 5xx и circuit breaker.
package paypal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"example.com/bouquet-shop/pkg/circuitbreaker"
	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/pkg/metrics"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// Config — настройки клиента PayPal.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration

	// BreakerFailureRatio — доля сбоев, при которой breaker открывается.
	BreakerFailureRatio float64
}

// Client — клиент PayPal Orders v2.
type Client struct {
	http    *resty.Client
	tokens  oauth2.TokenSource
	breaker *circuitbreaker.Breaker
}

// NewClient создаёт клиента PayPal.
func NewClient(cfg Config) *Client {
	httpClient := &http.Client{Timeout: cfg.Timeout}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// TokenSource кэширует токен и обновляет его после истечения
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	rc := resty.NewWithClient(httpClient).
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(4 * cfg.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	settings := circuitbreaker.DefaultSettings()
	if cfg.BreakerFailureRatio > 0 {
		settings.FailureRatio = cfg.BreakerFailureRatio
	}
	settings.IsFailure = func(err error) bool {
		return errors.Is(err, domain.ErrGatewayUnavailable)
	}

	return &Client{
		http:    rc,
		tokens:  cc.TokenSource(tokenCtx),
		breaker: circuitbreaker.NewWithSettings("paypal", settings),
	}
}

// CreateOrder создаёт заказ PayPal с intent CAPTURE. requestID передаётся
// в PayPal-Request-Id: повтор с тем же id вернёт тот же заказ.
func (c *Client) CreateOrder(ctx context.Context, order *domain.Order, requestID string) (*Order, error) {
	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []PurchaseUnit{{
			ReferenceID: order.ID,
			CustomID:    order.ID,
			Description: fmt.Sprintf("Заказ %s", order.ID),
			Amount: &Amount{
				CurrencyCode: order.Total.Currency,
				Value:        FormatAmount(order.Total.Amount),
			},
		}},
	}
	return c.call(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", requestID, body)
}

// CaptureOrder захватывает одобренный покупателем заказ PayPal.
func (c *Client) CaptureOrder(ctx context.Context, paypalOrderID, requestID string) (*Order, error) {
	return c.call(ctx, "capture_order", http.MethodPost, "/v2/checkout/orders/"+paypalOrderID+"/capture", requestID, struct{}{})
}

// GetOrder читает текущее состояние заказа PayPal.
func (c *Client) GetOrder(ctx context.Context, paypalOrderID string) (*Order, error) {
	return c.call(ctx, "get_order", http.MethodGet, "/v2/checkout/orders/"+paypalOrderID, "", nil)
}

func (c *Client) call(ctx context.Context, op, method, path, requestID string, body any) (*Order, error) {
	log := logger.FromContext(ctx)

	res, err := circuitbreaker.Execute(c.breaker, func() (*Order, error) {
		return c.do(ctx, method, path, requestID, body)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
	}

	result := "ok"
	switch {
	case errors.Is(err, domain.ErrPaymentDeclined):
		result = "declined"
	case err != nil:
		result = "error"
	}
	metrics.GatewayCalls.WithLabelValues("paypal", op, result).Inc()

	if err != nil {
		log.Warn().Err(err).Str("operation", op).Str("request_id", requestID).Msg("Ошибка вызова PayPal")
		return nil, err
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path, requestID string, body any) (*Order, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: токен PayPal: %w", domain.ErrGatewayUnavailable, err)
	}

	var out Order
	apiErr := &APIError{}
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok.AccessToken).
		SetHeader("Prefer", "return=representation").
		SetResult(&out).
		SetError(apiErr)
	if requestID != "" {
		req.SetHeader("PayPal-Request-Id", requestID)
	}
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
	}

	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		apiErr.Body = resp.Body()
		switch {
		case resp.StatusCode() == http.StatusUnprocessableEntity:
			return nil, fmt.Errorf("%w: %w", domain.ErrPaymentDeclined, apiErr)
		case resp.StatusCode() >= http.StatusInternalServerError, resp.StatusCode() == http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, apiErr)
		default:
			return nil, apiErr
		}
	}

	return &out, nil
}

package stripe

import (
	"context"
	"fmt"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"example.com/bouquet-shop/pkg/metrics"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// SessionCreator — метод client.API.CheckoutSessions, подменяется в тестах.
type SessionCreator interface {
	New(params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error)
}

// Session — созданная Checkout Session.
type Session struct {
	ID  string
	URL string
}

// Config — настройки создания сессий.
type Config struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
}

// Checkout создаёт Checkout Session для заказа.
type Checkout struct {
	sessions SessionCreator
	cfg      Config
}

// NewCheckout создаёт клиента Stripe со своим ключом, без глобального stripe.Key.
func NewCheckout(cfg Config) *Checkout {
	api := client.New(cfg.SecretKey, nil)
	return NewCheckoutWithSessions(api.CheckoutSessions, cfg)
}

// NewCheckoutWithSessions создаёт Checkout поверх произвольного SessionCreator.
func NewCheckoutWithSessions(sessions SessionCreator, cfg Config) *Checkout {
	return &Checkout{sessions: sessions, cfg: cfg}
}

// CreateSession создаёт сессию оплаты. id заказа передаётся в metadata
// сессии и PaymentIntent, чтобы вебхуки можно было сопоставить с заказом.
func (c *Checkout) CreateSession(ctx context.Context, order *domain.Order) (*Session, error) {
	currency := strings.ToLower(order.Total.Currency)

	params := &stripeapi.CheckoutSessionParams{
		Mode:              stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		SuccessURL:        stripeapi.String(c.cfg.SuccessURL),
		CancelURL:         stripeapi.String(c.cfg.CancelURL),
		ClientReferenceID: stripeapi.String(order.ID),
		CustomerEmail:     stripeapi.String(order.Email),
		PaymentIntentData: &stripeapi.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{MetadataOrderID: order.ID},
		},
	}
	for _, item := range order.Items {
		params.LineItems = append(params.LineItems, &stripeapi.CheckoutSessionLineItemParams{
			Quantity: stripeapi.Int64(int64(item.Quantity)),
			PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripeapi.String(currency),
				UnitAmount: stripeapi.Int64(item.UnitPrice.Amount),
				ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripeapi.String(item.Name),
				},
			},
		})
	}
	params.AddMetadata(MetadataOrderID, order.ID)
	params.Context = ctx

	s, err := c.sessions.New(params)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues("stripe", "create_session", "error").Inc()
		return nil, fmt.Errorf("%w: stripe: %w", domain.ErrGatewayUnavailable, err)
	}
	metrics.GatewayCalls.WithLabelValues("stripe", "create_session", "ok").Inc()

	return &Session{ID: s.ID, URL: s.URL}, nil
}

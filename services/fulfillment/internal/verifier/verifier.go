// Package verifier проверяет подлинность платёжных событий до того,
// как они попадут в машину состояний. Побочных эффектов у пакета нет.
package verifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/paypal"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/stripe"
)

// HeaderStripeSignature — заголовок подписи вебхука Stripe.
const HeaderStripeSignature = "Stripe-Signature"

// Verified — результат проверки входящего события.
type Verified struct {
	// Event заполнен, если событие нужно провести через конвейер.
	Event *domain.PaymentEvent

	// SelfTest — тестовое событие, подтверждается без обработки.
	SelfTest bool

	// Ignored — подлинное событие типа, который магазин не обрабатывает.
	Ignored bool

	EventID string
	Type    string
}

// Config — настройки проверки.
type Config struct {
	StripeWebhookSecret string
	Tolerance           time.Duration

	// SelfTestBypass пропускает проверку подписи для evt_test_*.
	// В production выключен конфигурацией.
	SelfTestBypass bool
}

// Verifier проверяет push-события провайдеров.
type Verifier struct {
	cfg Config
	now func() time.Time
}

// New создаёт Verifier.
func New(cfg Config) *Verifier {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	return &Verifier{cfg: cfg, now: time.Now}
}

// Verify проверяет тело вебхука провайдера. Тело должно быть исходными
// байтами запроса, без повторной сериализации.
func (v *Verifier) Verify(provider domain.Provider, payload []byte, headers http.Header) (*Verified, error) {
	switch provider {
	case domain.ProviderStripe:
		return v.verifyStripe(payload, headers.Get(HeaderStripeSignature))
	default:
		return nil, fmt.Errorf("%w: провайдер %s не присылает вебхуки", domain.ErrVerification, provider)
	}
}

// envelope — поля события, доступные до проверки подписи.
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func (v *Verifier) verifyStripe(payload []byte, signature string) (*Verified, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: некорректный JSON", domain.ErrVerification)
	}

	selfTest := domain.IsSelfTestEventID(env.ID)
	if selfTest && v.cfg.SelfTestBypass {
		return &Verified{SelfTest: true, EventID: env.ID, Type: env.Type}, nil
	}

	if signature == "" {
		return nil, fmt.Errorf("%w: нет заголовка %s", domain.ErrBadSignature, HeaderStripeSignature)
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signature, v.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                v.cfg.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadSignature, err)
	}

	if selfTest {
		return &Verified{SelfTest: true, EventID: evt.ID, Type: string(evt.Type)}, nil
	}

	ev, err := stripe.Normalize(evt, payload, v.now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEventKind) {
			return &Verified{Ignored: true, EventID: evt.ID, Type: string(evt.Type)}, nil
		}
		return nil, err
	}

	return &Verified{Event: ev, EventID: evt.ID, Type: string(evt.Type)}, nil
}

// VerifyCapture проверяет синхронный ответ PayPal на захват и превращает
// его в событие capture_completed. Ключ события — id заказа PayPal,
// повторный захват того же заказа даёт тот же ключ.
func VerifyCapture(requestedID string, res *paypal.Order) (*domain.PaymentEvent, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: пустой ответ PayPal", domain.ErrUnexpectedState)
	}
	if res.ID != requestedID {
		return nil, fmt.Errorf("%w: PayPal вернул заказ %s вместо %s", domain.ErrUnexpectedState, res.ID, requestedID)
	}
	if res.Status != paypal.StatusCompleted {
		return nil, fmt.Errorf("%w: статус захвата %s", domain.ErrUnexpectedState, res.Status)
	}

	ev := &domain.PaymentEvent{
		Provider:          domain.ProviderPayPal,
		EventID:           res.ID,
		Kind:              domain.EventCaptureCompleted,
		OrderID:           res.ReferenceID(),
		ProviderPaymentID: res.ID,
		ReceivedAt:        time.Now().UTC(),
	}
	if raw, err := json.Marshal(res); err == nil {
		ev.Raw = raw
	}
	return ev, nil
}

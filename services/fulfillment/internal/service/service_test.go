package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/bouquet-shop/pkg/lock"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/effects"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/paypal"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/stripe"
	"example.com/bouquet-shop/services/fulfillment/internal/ledger"
	"example.com/bouquet-shop/services/fulfillment/internal/reconciler"
	"example.com/bouquet-shop/services/fulfillment/internal/repository"
	"example.com/bouquet-shop/services/fulfillment/internal/testutil"
	"example.com/bouquet-shop/services/fulfillment/internal/verifier"
)

// =============================================================================
// Моки
// =============================================================================

type mockStripe struct {
	mock.Mock
}

func (m *mockStripe) CreateSession(ctx context.Context, order *domain.Order) (*stripe.Session, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.Session), args.Error(1)
}

type mockPayPal struct {
	mock.Mock
}

func (m *mockPayPal) CreateOrder(ctx context.Context, order *domain.Order, requestID string) (*paypal.Order, error) {
	args := m.Called(ctx, order, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paypal.Order), args.Error(1)
}

func (m *mockPayPal) CaptureOrder(ctx context.Context, paypalOrderID, requestID string) (*paypal.Order, error) {
	args := m.Called(ctx, paypalOrderID, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paypal.Order), args.Error(1)
}

func (m *mockPayPal) GetOrder(ctx context.Context, paypalOrderID string) (*paypal.Order, error) {
	args := m.Called(ctx, paypalOrderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paypal.Order), args.Error(1)
}

// flakyOrders возвращает ошибку из GetByPaymentRef заданное число раз.
type flakyOrders struct {
	repository.OrderRepository
	failures int
}

func (f *flakyOrders) GetByPaymentRef(ctx context.Context, ref domain.PaymentRef) (*domain.Order, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	return f.OrderRepository.GetByPaymentRef(ctx, ref)
}

// =============================================================================
// Окружение
// =============================================================================

const webhookSecret = "whsec_service_test"

type env struct {
	svc    *Service
	store  *testutil.Store
	stripe *mockStripe
	paypal *mockPayPal
}

func newEnv(t *testing.T, selfTestBypass bool) *env {
	t.Helper()
	store := testutil.NewStore()
	l := ledger.New(store.Claims(), time.Minute)
	rec := reconciler.New(store.Orders(), store.Transitions(), l, lock.NewLocalLocker(), reconciler.DefaultConfig())
	loyalty := effects.NewLoyaltyExecutor(store.Loyalty(), store.Tasks())
	notifier := effects.NewNotifier(store.Notifications())

	e := &env{store: store, stripe: new(mockStripe), paypal: new(mockPayPal)}
	e.svc = New(Deps{
		Orders:        store.Orders(),
		Stripe:        e.stripe,
		PayPal:        e.paypal,
		Verifier:      verifier.New(verifier.Config{StripeWebhookSecret: webhookSecret, SelfTestBypass: selfTestBypass}),
		Reconciler:    rec,
		Loyalty:       loyalty,
		Tasks:         taskQueue{store},
		Anomalies:     l,
		Notifications: notifier,
	})
	return e
}

// taskQueue — операции над очередью поверх in-memory хранилища.
type taskQueue struct{ s *testutil.Store }

func (q taskQueue) ListFailed(ctx context.Context, limit int) ([]*domain.SideEffectTask, error) {
	return q.s.Tasks().ListFailed(ctx, limit)
}

func (q taskQueue) Requeue(ctx context.Context, id string) error {
	return q.s.Tasks().Requeue(ctx, id, time.Now())
}

func validInput() CreateOrderInput {
	customer := "customer-7"
	return CreateOrderInput{
		CustomerID:      &customer,
		Email:           "maria@example.com",
		DeliveryAddress: "ул. Садовая, 5",
		DeliveryDate:    time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		Items: []domain.OrderItem{
			{BouquetID: "roses-15", Name: "15 роз", Quantity: 1, UnitPrice: domain.Money{Amount: 3000, Currency: "EUR"}},
			{BouquetID: "card", Name: "Открытка", Quantity: 3, UnitPrice: domain.Money{Amount: 500, Currency: "EUR"}},
		},
	}
}

func signed(payload string) http.Header {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = fmt.Fprintf(mac, "%d.%s", ts, payload)
	h := http.Header{}
	h.Set(verifier.HeaderStripeSignature, fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return h
}

func checkoutCompleted(eventID, orderID string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed",
"data":{"object":{"id":"cs_1","object":"checkout.session","payment_status":"paid","payment_intent":"pi_1",
"amount_total":4500,"currency":"eur","metadata":{"order_id":%q}}}}`, eventID, orderID)
}

// =============================================================================
// Заказы и оформление оплаты
// =============================================================================

func TestCreateOrder(t *testing.T) {
	e := newEnv(t, true)

	order, err := e.svc.CreateOrder(context.Background(), validInput())
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, domain.Money{Amount: 4500, Currency: "EUR"}, order.Total)
	for _, item := range order.Items {
		assert.NotEmpty(t, item.ID)
	}

	view, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, view.PaymentStatus)
}

func TestCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(in *CreateOrderInput)
		wantErr error
	}{
		{name: "нет email", mutate: func(in *CreateOrderInput) { in.Email = "" }, wantErr: domain.ErrInvalidEmail},
		{name: "нет адреса", mutate: func(in *CreateOrderInput) { in.DeliveryAddress = " " }, wantErr: domain.ErrInvalidAddress},
		{name: "нет позиций", mutate: func(in *CreateOrderInput) { in.Items = nil }, wantErr: domain.ErrEmptyItems},
		{name: "разные валюты", mutate: func(in *CreateOrderInput) { in.Items[1].UnitPrice.Currency = "USD" }, wantErr: domain.ErrCurrencyMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, true)
			in := validInput()
			tt.mutate(&in)

			_, err := e.svc.CreateOrder(context.Background(), in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateOrder_GuestCheckout(t *testing.T) {
	e := newEnv(t, true)
	in := validInput()
	empty := ""
	in.CustomerID = &empty

	order, err := e.svc.CreateOrder(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, order.IsGuest())
	assert.Nil(t, order.CustomerID)
}

func TestGetOrder_NotFound(t *testing.T) {
	e := newEnv(t, true)
	_, err := e.svc.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestCreateStripeSession_AttachesSession(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)

	e.stripe.On("CreateSession", ctx, mock.MatchedBy(func(o *domain.Order) bool { return o.ID == order.ID })).
		Return(&stripe.Session{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil)

	session, err := e.svc.CreateStripeSession(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.ID)

	found, err := e.store.Orders().GetByPaymentRef(ctx, domain.PaymentRef{Provider: domain.ProviderStripe, PaymentID: "cs_test_1"})
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)
	e.stripe.AssertExpectations(t)
}

func TestCreateStripeSession_GatewayDown(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)

	e.stripe.On("CreateSession", ctx, mock.Anything).Return(nil, fmt.Errorf("%w: timeout", domain.ErrGatewayUnavailable))

	_, err = e.svc.CreateStripeSession(ctx, order.ID)
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}

func TestCreateStripeSession_NotPending(t *testing.T) {
	e := newEnv(t, true)
	e.store.PutOrder(&domain.Order{ID: "paid", Status: domain.OrderStatusConfirmed, Total: domain.Money{Amount: 100, Currency: "EUR"}})

	_, err := e.svc.CreateStripeSession(context.Background(), "paid")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	e.stripe.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
}

func TestCreatePayPalOrder(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)

	e.paypal.On("CreateOrder", ctx, mock.Anything, "create:"+order.ID).Return(&paypal.Order{
		ID:     "PP-1",
		Status: paypal.StatusCreated,
		Links:  []paypal.Link{{Rel: "approve", Href: "https://www.sandbox.paypal.com/checkoutnow?token=PP-1"}},
	}, nil)

	out, err := e.svc.CreatePayPalOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "PP-1", out.PayPalOrderID)
	assert.Contains(t, out.ApproveURL, "token=PP-1")
}

// =============================================================================
// Захват PayPal
// =============================================================================

func paypalOrder(t *testing.T, e *env) *domain.Order {
	t.Helper()
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)
	require.NoError(t, e.store.Orders().AttachPayment(ctx, order.ID, domain.PaymentRef{Provider: domain.ProviderPayPal, PaymentID: "PP-1"}))
	return order
}

func completedCapture(orderID string) *paypal.Order {
	return &paypal.Order{
		ID:     "PP-1",
		Status: paypal.StatusCompleted,
		PurchaseUnits: []paypal.PurchaseUnit{{
			ReferenceID: orderID,
			Payments:    &paypal.Payments{Captures: []paypal.Capture{{ID: "CAP-1", Status: paypal.StatusCompleted}}},
		}},
	}
}

func TestCapturePayPal_Confirms(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order := paypalOrder(t, e)

	e.paypal.On("CaptureOrder", ctx, "PP-1", "capture:PP-1").Return(completedCapture(order.ID), nil).Once()

	res, err := e.svc.CapturePayPal(ctx, "PP-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, res.PaymentStatus)
	assert.Equal(t, "CAP-1", res.CaptureID)

	// Повторный запрос покупателя не обращается к PayPal
	res, err = e.svc.CapturePayPal(ctx, "PP-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, res.PaymentStatus)

	claim := e.store.Claim(domain.EventKey{Provider: domain.ProviderPayPal, EventID: "PP-1"})
	require.NotNil(t, claim)
	assert.Equal(t, domain.ClaimCompleted, claim.Status)
	e.paypal.AssertExpectations(t)
}

func TestCapturePayPal_DeclinedLeavesPending(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order := paypalOrder(t, e)

	declined := &paypal.APIError{StatusCode: 422, Name: "UNPROCESSABLE_ENTITY", Details: []paypal.ErrorDetail{{Issue: "INSTRUMENT_DECLINED"}}}
	e.paypal.On("CaptureOrder", ctx, "PP-1", "capture:PP-1").Return(nil, fmt.Errorf("%w: %w", domain.ErrPaymentDeclined, declined))

	_, err := e.svc.CapturePayPal(ctx, "PP-1")
	require.ErrorIs(t, err, domain.ErrPaymentDeclined)

	var apiErr *paypal.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.HasIssue("INSTRUMENT_DECLINED"))

	view, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, view.Order.Status)
	assert.Empty(t, e.store.AllTasks())
}

func TestCapturePayPal_AlreadyCaptured(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order := paypalOrder(t, e)

	already := &paypal.APIError{StatusCode: 422, Details: []paypal.ErrorDetail{{Issue: "ORDER_ALREADY_CAPTURED"}}}
	e.paypal.On("CaptureOrder", ctx, "PP-1", "capture:PP-1").Return(nil, fmt.Errorf("%w: %w", domain.ErrPaymentDeclined, already))

	// захват прошёл, но ответ потерян: состояние читается у PayPal
	e.paypal.On("GetOrder", ctx, "PP-1").Return(completedCapture(order.ID), nil).Once()

	res, err := e.svc.CapturePayPal(ctx, "PP-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, res.PaymentStatus)
	assert.Equal(t, "CAP-1", res.CaptureID)

	view, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, view.Order.Status)
	e.paypal.AssertExpectations(t)
}

func TestCapturePayPal_AlreadyCapturedLookupFails(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order := paypalOrder(t, e)

	already := &paypal.APIError{StatusCode: 422, Details: []paypal.ErrorDetail{{Issue: "ORDER_ALREADY_CAPTURED"}}}
	e.paypal.On("CaptureOrder", ctx, "PP-1", "capture:PP-1").Return(nil, fmt.Errorf("%w: %w", domain.ErrPaymentDeclined, already))
	e.paypal.On("GetOrder", ctx, "PP-1").Return(nil, fmt.Errorf("%w: timeout", domain.ErrGatewayUnavailable))

	_, err := e.svc.CapturePayPal(ctx, "PP-1")
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	view, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, view.Order.Status)
}

func TestCapturePayPal_UnexpectedResponse(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order := paypalOrder(t, e)

	tests := []struct {
		name string
		resp *paypal.Order
	}{
		{name: "другой заказ PayPal", resp: &paypal.Order{ID: "PP-2", Status: paypal.StatusCompleted}},
		{name: "не COMPLETED", resp: &paypal.Order{ID: "PP-1", Status: paypal.StatusApproved}},
		{name: "чужой reference_id", resp: completedCapture("someone-else")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.paypal.ExpectedCalls = nil
			e.paypal.On("CaptureOrder", ctx, "PP-1", "capture:PP-1").Return(tt.resp, nil)

			_, err := e.svc.CapturePayPal(ctx, "PP-1")
			assert.ErrorIs(t, err, domain.ErrUnexpectedState)

			view, err := e.svc.GetOrder(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusPending, view.Order.Status)
		})
	}
}

func TestCapturePayPal_UnknownPayPalOrder(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	notFound := &paypal.APIError{StatusCode: http.StatusNotFound, Name: "RESOURCE_NOT_FOUND"}
	e.paypal.On("GetOrder", ctx, "PP-404").Return(nil, notFound)

	_, err := e.svc.CapturePayPal(ctx, "PP-404")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	e.paypal.AssertNotCalled(t, "CaptureOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestCapturePayPal_AfterSwitchToStripe(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)

	// покупатель открыл PayPal, затем Stripe, а одобрил всё-таки PayPal
	e.paypal.On("CreateOrder", ctx, mock.Anything, "create:"+order.ID).
		Return(&paypal.Order{ID: "PP-1", Status: paypal.StatusCreated}, nil)
	_, err = e.svc.CreatePayPalOrder(ctx, order.ID)
	require.NoError(t, err)

	e.stripe.On("CreateSession", ctx, mock.Anything).Return(&stripe.Session{ID: "cs_test_9"}, nil)
	_, err = e.svc.CreateStripeSession(ctx, order.ID)
	require.NoError(t, err)

	e.paypal.On("GetOrder", ctx, "PP-1").Return(&paypal.Order{
		ID:            "PP-1",
		Status:        paypal.StatusApproved,
		PurchaseUnits: []paypal.PurchaseUnit{{ReferenceID: order.ID}},
	}, nil)
	e.paypal.On("CaptureOrder", ctx, "PP-1", "capture:PP-1").Return(completedCapture(order.ID), nil).Once()

	res, err := e.svc.CapturePayPal(ctx, "PP-1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, res.OrderID)
	assert.Equal(t, domain.PaymentStatusSucceeded, res.PaymentStatus)

	view, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, view.Order.Status)
	e.paypal.AssertExpectations(t)
}

func TestCapturePayPal_ForeignReferenceID(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	e.paypal.On("GetOrder", ctx, "PP-7").Return(&paypal.Order{ID: "PP-7", Status: paypal.StatusApproved}, nil)

	_, err := e.svc.CapturePayPal(ctx, "PP-7")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	e.paypal.AssertNotCalled(t, "CaptureOrder", mock.Anything, mock.Anything, mock.Anything)
}

// =============================================================================
// Вебхуки Stripe
// =============================================================================

func TestHandleStripeWebhook_ConfirmsOnce(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)

	payload := checkoutCompleted("evt_live_1", order.ID)
	for i := 0; i < 3; i++ {
		res, err := e.svc.HandleStripeWebhook(ctx, []byte(payload), signed(payload))
		require.NoError(t, err)
		require.NotNil(t, res.Result)
		assert.Equal(t, i > 0, res.Result.Duplicate)
	}

	view, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, view.PaymentStatus)

	credits := 0
	for _, task := range e.store.AllTasks() {
		if task.Kind == domain.EffectCreditLoyalty {
			credits++
		}
	}
	assert.Equal(t, 1, credits)
}

func TestHandleStripeWebhook_TamperedPayload(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)

	payload := checkoutCompleted("evt_live_2", order.ID)
	headers := signed(payload)
	tampered := []byte(strings.Replace(payload, `"amount_total":4500`, `"amount_total":1`, 1))

	_, err = e.svc.HandleStripeWebhook(ctx, tampered, headers)
	require.ErrorIs(t, err, domain.ErrVerification)

	assert.Nil(t, e.store.Claim(domain.EventKey{Provider: domain.ProviderStripe, EventID: "evt_live_2"}))
	view, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, view.Order.Status)
}

func TestHandleStripeWebhook_SelfTestTouchesNothing(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)

	payload := checkoutCompleted("evt_test_abc", order.ID)
	res, err := e.svc.HandleStripeWebhook(ctx, []byte(payload), http.Header{})
	require.NoError(t, err)
	assert.True(t, res.SelfTest)
	assert.Nil(t, res.Result)

	assert.Nil(t, e.store.Claim(domain.EventKey{Provider: domain.ProviderStripe, EventID: "evt_test_abc"}))
	view, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, view.Order.Status)
}

func TestHandleStripeWebhook_FallbackToPaymentRef(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)
	require.NoError(t, e.store.Orders().AttachPayment(ctx, order.ID, domain.PaymentRef{Provider: domain.ProviderStripe, PaymentID: "pi_77"}))

	payload := `{"id":"evt_pi_1","object":"event","type":"payment_intent.succeeded",
"data":{"object":{"id":"pi_77","object":"payment_intent","amount":4500,"currency":"eur","metadata":{}}}}`

	res, err := e.svc.HandleStripeWebhook(ctx, []byte(payload), signed(payload))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Result.Outcome)
	assert.Equal(t, domain.OrderStatusConfirmed, res.Result.To)
}

func TestHandleStripeWebhook_PaymentRefLookupFailure(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)
	require.NoError(t, e.store.Orders().AttachPayment(ctx, order.ID, domain.PaymentRef{Provider: domain.ProviderStripe, PaymentID: "pi_78"}))

	e.svc.orders = &flakyOrders{OrderRepository: e.store.Orders(), failures: 1}

	payload := `{"id":"evt_pi_2","object":"event","type":"payment_intent.succeeded",
"data":{"object":{"id":"pi_78","object":"payment_intent","amount":4500,"currency":"eur","metadata":{}}}}`

	// сбой базы не должен подтверждать событие как не относящееся к заказу
	_, err = e.svc.HandleStripeWebhook(ctx, []byte(payload), signed(payload))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrVerification)
	assert.Nil(t, e.store.Claim(domain.EventKey{Provider: domain.ProviderStripe, EventID: "evt_pi_2"}))

	// повторная доставка подтверждает заказ
	res, err := e.svc.HandleStripeWebhook(ctx, []byte(payload), signed(payload))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Result.Outcome)
	assert.Equal(t, domain.OrderStatusConfirmed, res.Result.To)
}

func TestHandleStripeWebhook_ProcessingFailure(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)

	e.store.FailTransition = func(*repository.Transition) error { return errors.New("deadlock") }

	payload := checkoutCompleted("evt_live_3", order.ID)
	_, err = e.svc.HandleStripeWebhook(ctx, []byte(payload), signed(payload))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrVerification)

	e.store.FailTransition = nil
	res, err := e.svc.HandleStripeWebhook(ctx, []byte(payload), signed(payload))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Result.Outcome)
}

// =============================================================================
// Операции персонала
// =============================================================================

func confirmedOrder(t *testing.T, e *env) *domain.Order {
	t.Helper()
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, validInput())
	require.NoError(t, err)
	payload := checkoutCompleted("evt_confirm_"+order.ID, order.ID)
	_, err = e.svc.HandleStripeWebhook(ctx, []byte(payload), signed(payload))
	require.NoError(t, err)
	return order
}

func TestFulfill(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order := confirmedOrder(t, e)

	fulfilled, err := e.svc.Fulfill(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFulfilled, fulfilled.Status)

	again, err := e.svc.Fulfill(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFulfilled, again.Status)

	claim := e.store.Claim(domain.EventKey{Provider: domain.ProviderInternal, EventID: "fulfill:" + order.ID})
	require.NotNil(t, claim)
	assert.Equal(t, domain.ClaimCompleted, claim.Status)
}

func TestFulfill_PendingOrder(t *testing.T) {
	e := newEnv(t, true)
	order, err := e.svc.CreateOrder(context.Background(), validInput())
	require.NoError(t, err)

	_, err = e.svc.Fulfill(context.Background(), order.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestOps_FailedTasksAndRetry(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	order := confirmedOrder(t, e)

	var emailTask *domain.SideEffectTask
	for _, task := range e.store.AllTasks() {
		if task.OrderID == order.ID && task.Kind == domain.EffectSendConfirmationEmail {
			emailTask = task
		}
	}
	require.NotNil(t, emailTask)
	require.NoError(t, e.store.Tasks().MarkFailed(ctx, emailTask.ID, 8, "kafka недоступна"))

	failed, err := e.svc.FailedTasks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, emailTask.ID, failed[0].ID)

	require.NoError(t, e.svc.RetryTask(ctx, emailTask.ID))
	failed, err = e.svc.FailedTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	assert.ErrorIs(t, e.svc.RetryTask(ctx, emailTask.ID), domain.ErrTaskNotFound)
}

func TestOps_Anomalies(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	payload := checkoutCompleted("evt_orphan", "no-such-order")
	_, err := e.svc.HandleStripeWebhook(ctx, []byte(payload), signed(payload))
	require.NoError(t, err)

	anomalies, err := e.svc.Anomalies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "evt_orphan", anomalies[0].EventID)
	require.NotNil(t, anomalies[0].Outcome)
	assert.Equal(t, domain.OutcomeOrderNotFound, *anomalies[0].Outcome)
}

func TestOps_LoyaltyAndNotifications(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	account, err := e.svc.LoyaltyAccount(ctx, "customer-7", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)

	notes, err := e.svc.Notifications(ctx, true, 500)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, defaultLimit, normalizeLimit(0))
	assert.Equal(t, defaultLimit, normalizeLimit(-5))
	assert.Equal(t, 10, normalizeLimit(10))
	assert.Equal(t, maxLimit, normalizeLimit(1000))
}

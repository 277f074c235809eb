package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/bouquet-shop/pkg/jwt"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/paypal"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/stripe"
	"example.com/bouquet-shop/services/fulfillment/internal/middleware"
	"example.com/bouquet-shop/services/fulfillment/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Моки
// =============================================================================

// MockService реализует CheckoutService, WebhookService и OpsService.
type MockService struct {
	mock.Mock
}

func (m *MockService) CreateOrder(ctx context.Context, in service.CreateOrderInput) (*domain.Order, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockService) GetOrder(ctx context.Context, orderID string) (*service.OrderView, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.OrderView), args.Error(1)
}

func (m *MockService) CreateStripeSession(ctx context.Context, orderID string) (*stripe.Session, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.Session), args.Error(1)
}

func (m *MockService) CreatePayPalOrder(ctx context.Context, orderID string) (*service.PayPalCheckout, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.PayPalCheckout), args.Error(1)
}

func (m *MockService) CapturePayPal(ctx context.Context, paypalOrderID string) (*service.CaptureResult, error) {
	args := m.Called(ctx, paypalOrderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CaptureResult), args.Error(1)
}

func (m *MockService) LoyaltyAccount(ctx context.Context, customerID string, limit int) (*domain.LoyaltyAccount, error) {
	args := m.Called(ctx, customerID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LoyaltyAccount), args.Error(1)
}

func (m *MockService) HandleStripeWebhook(ctx context.Context, payload []byte, headers http.Header) (*service.WebhookResult, error) {
	args := m.Called(ctx, payload, headers)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.WebhookResult), args.Error(1)
}

func (m *MockService) Fulfill(ctx context.Context, orderID string) (*domain.Order, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockService) FailedTasks(ctx context.Context, limit int) ([]*domain.SideEffectTask, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*domain.SideEffectTask), args.Error(1)
}

func (m *MockService) RetryTask(ctx context.Context, taskID string) error {
	return m.Called(ctx, taskID).Error(0)
}

func (m *MockService) Anomalies(ctx context.Context, limit int) ([]*domain.Claim, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*domain.Claim), args.Error(1)
}

func (m *MockService) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	args := m.Called(ctx, unreadOnly, limit)
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

// =============================================================================
// Окружение
// =============================================================================

type testEnv struct {
	router *gin.Engine
	svc    *MockService
	key    *rsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	svc := new(MockService)
	validator := jwt.NewValidatorWithKey(&key.PublicKey, "bouquet-shop")
	r := NewRouter(RouterConfig{
		Checkout:            svc,
		Webhooks:            svc,
		Ops:                 svc,
		AuthMW:              middleware.NewAuthMiddleware(validator, jwt.RoleStaff),
		CORS:                middleware.DefaultCORSConfig([]string{"https://shop.example.com"}),
		MaxWebhookBodyBytes: 1024,
	})
	return &testEnv{router: r.Engine(), svc: svc, key: key}
}

func (e *testEnv) staffToken(t *testing.T) string {
	t.Helper()
	now := time.Now()
	claims := jwt.Claims{
		RegisteredClaims: gojwt.RegisteredClaims{
			ID:        "jti-1",
			Issuer:    "bouquet-shop",
			Subject:   "staff-1",
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role: jwt.RoleStaff,
	}
	s, err := gojwt.NewWithClaims(gojwt.SigningMethodRS256, claims).SignedString(e.key)
	require.NoError(t, err)
	return s
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func sampleOrder(status domain.OrderStatus) *domain.Order {
	return &domain.Order{
		ID:              "order-1",
		Email:           "maria@example.com",
		DeliveryAddress: "ул. Садовая, 5",
		DeliveryDate:    time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		Status:          status,
		Total:           domain.Money{Amount: 4500, Currency: "EUR"},
		Items: []domain.OrderItem{{
			BouquetID: "roses-15", Name: "15 роз", Quantity: 1,
			UnitPrice: domain.Money{Amount: 4500, Currency: "EUR"},
		}},
		CreatedAt: time.Now(),
	}
}

func validCreateOrderRequest() CreateOrderRequest {
	return CreateOrderRequest{
		Email:           "maria@example.com",
		DeliveryAddress: "ул. Садовая, 5",
		DeliveryDate:    "2026-03-08",
		Items: []OrderItemRequest{{
			BouquetID: "roses-15", Name: "15 роз", Quantity: 1,
			UnitPrice: MoneyPayload{Amount: 4500, Currency: "EUR"},
		}},
	}
}

// =============================================================================
// Витрина
// =============================================================================

func TestCreateOrder(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		setupMock      func(m *MockService)
		expectedStatus int
		expectedError  string
	}{
		{
			name: "Успешное создание",
			body: validCreateOrderRequest(),
			setupMock: func(m *MockService) {
				m.On("CreateOrder", mock.Anything, mock.MatchedBy(func(in service.CreateOrderInput) bool {
					return in.Email == "maria@example.com" && in.DeliveryDate.Equal(time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)) &&
						len(in.Items) == 1 && in.Items[0].UnitPrice.Amount == 4500
				})).Return(sampleOrder(domain.OrderStatusPending), nil)
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Некорректный email",
			body:           func() CreateOrderRequest { r := validCreateOrderRequest(); r.Email = "nope"; return r }(),
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_request",
		},
		{
			name:           "Некорректная дата",
			body:           func() CreateOrderRequest { r := validCreateOrderRequest(); r.DeliveryDate = "08.03.2026"; return r }(),
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_request",
		},
		{
			name:           "Пустой список позиций",
			body:           func() CreateOrderRequest { r := validCreateOrderRequest(); r.Items = nil; return r }(),
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_request",
		},
		{
			name: "Доменная валидация",
			body: validCreateOrderRequest(),
			setupMock: func(m *MockService) {
				m.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, domain.ErrCurrencyMismatch)
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_argument",
		},
		{
			name: "Сбой хранилища",
			body: validCreateOrderRequest(),
			setupMock: func(m *MockService) {
				m.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, errors.New("mysql недоступен"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			if tt.setupMock != nil {
				tt.setupMock(e.svc)
			}

			w := e.do(jsonRequest(http.MethodPost, "/api/v1/orders", tt.body))
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())

			if tt.expectedError != "" {
				var resp ErrorResponse
				decode(t, w, &resp)
				assert.Equal(t, tt.expectedError, resp.Error)
				return
			}

			var resp OrderResponse
			decode(t, w, &resp)
			assert.Equal(t, "order-1", resp.ID)
			assert.Equal(t, domain.PaymentStatusPending, resp.PaymentStatus)
			assert.Equal(t, "2026-03-08", resp.DeliveryDate)
			e.svc.AssertExpectations(t)
		})
	}
}

func TestGetOrder_CustomerStatus(t *testing.T) {
	tests := []struct {
		status   domain.OrderStatus
		expected string
	}{
		{domain.OrderStatusPending, domain.PaymentStatusPending},
		{domain.OrderStatusConfirmed, domain.PaymentStatusSucceeded},
		{domain.OrderStatusFulfilled, domain.PaymentStatusSucceeded},
		{domain.OrderStatusPaymentFailed, domain.PaymentStatusFailed},
		{domain.OrderStatusRefunded, domain.PaymentStatusFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			e := newTestEnv(t)
			order := sampleOrder(tt.status)
			e.svc.On("GetOrder", mock.Anything, "order-1").
				Return(&service.OrderView{Order: order, PaymentStatus: tt.status.CustomerPaymentStatus()}, nil)

			w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/orders/order-1", nil))
			require.Equal(t, http.StatusOK, w.Code)

			var resp OrderStatusResponse
			decode(t, w, &resp)
			assert.Equal(t, tt.expected, resp.PaymentStatus)
		})
	}
}

func TestGetOrder_HidesPersonalData(t *testing.T) {
	e := newTestEnv(t)
	e.svc.On("GetOrder", mock.Anything, "order-1").
		Return(&service.OrderView{Order: sampleOrder(domain.OrderStatusConfirmed), PaymentStatus: domain.PaymentStatusSucceeded}, nil)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/orders/order-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// по одному id заказа нельзя узнать, кто и куда заказал букет
	var raw map[string]any
	decode(t, w, &raw)
	assert.NotContains(t, raw, "email")
	assert.NotContains(t, raw, "delivery_address")
	assert.NotContains(t, w.Body.String(), "maria@example.com")

	var resp OrderStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "order-1", resp.ID)
	assert.Equal(t, "2026-03-08", resp.DeliveryDate)
	assert.Equal(t, int64(4500), resp.Total.Amount)
	require.Len(t, resp.Items, 1)
}

func TestGetOrder_NotFound(t *testing.T) {
	e := newTestEnv(t)
	e.svc.On("GetOrder", mock.Anything, "missing").Return(nil, domain.ErrOrderNotFound)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/orders/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrder_Gzip(t *testing.T) {
	e := newTestEnv(t)
	e.svc.On("GetOrder", mock.Anything, "order-1").
		Return(&service.OrderView{Order: sampleOrder(domain.OrderStatusPending), PaymentStatus: domain.PaymentStatusPending}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/order-1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := e.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestCheckoutSessions(t *testing.T) {
	e := newTestEnv(t)
	e.svc.On("CreateStripeSession", mock.Anything, "order-1").
		Return(&stripe.Session{ID: "cs_1", URL: "https://checkout.stripe.com/c/pay/cs_1"}, nil)
	e.svc.On("CreatePayPalOrder", mock.Anything, "order-1").
		Return(&service.PayPalCheckout{PayPalOrderID: "PP-1", ApproveURL: "https://paypal.example/approve"}, nil)
	e.svc.On("CreateStripeSession", mock.Anything, "paid").
		Return(nil, fmt.Errorf("%w: заказ уже оплачен", domain.ErrInvalidTransition))

	w := e.do(jsonRequest(http.MethodPost, "/api/v1/checkout/stripe/session", CheckoutRequest{OrderID: "order-1"}))
	require.Equal(t, http.StatusCreated, w.Code)
	var session map[string]string
	decode(t, w, &session)
	assert.Equal(t, "cs_1", session["session_id"])

	w = e.do(jsonRequest(http.MethodPost, "/api/v1/checkout/paypal/orders", CheckoutRequest{OrderID: "order-1"}))
	require.Equal(t, http.StatusCreated, w.Code)
	var pp map[string]string
	decode(t, w, &pp)
	assert.Equal(t, "PP-1", pp["paypal_order_id"])

	w = e.do(jsonRequest(http.MethodPost, "/api/v1/checkout/stripe/session", CheckoutRequest{OrderID: "paid"}))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(jsonRequest(http.MethodPost, "/api/v1/checkout/stripe/session", map[string]string{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCapturePayPal(t *testing.T) {
	declined := &paypal.APIError{StatusCode: 422, Details: []paypal.ErrorDetail{{Issue: "INSTRUMENT_DECLINED"}}}

	tests := []struct {
		name           string
		result         *service.CaptureResult
		err            error
		expectedStatus int
		paymentStatus  string
	}{
		{
			name:           "Оплата подтверждена",
			result:         &service.CaptureResult{OrderID: "order-1", PaymentStatus: domain.PaymentStatusSucceeded, CaptureID: "CAP-1"},
			expectedStatus: http.StatusOK,
			paymentStatus:  domain.PaymentStatusSucceeded,
		},
		{
			name:           "Отказ банка",
			err:            fmt.Errorf("%w: %w", domain.ErrPaymentDeclined, declined),
			expectedStatus: http.StatusPaymentRequired,
			paymentStatus:  domain.PaymentStatusFailed,
		},
		{
			name:           "PayPal недоступен",
			err:            fmt.Errorf("%w: 503", domain.ErrGatewayUnavailable),
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "Неожиданный ответ",
			err:            fmt.Errorf("%w: статус APPROVED", domain.ErrUnexpectedState),
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			if tt.err != nil {
				e.svc.On("CapturePayPal", mock.Anything, "PP-1").Return(nil, tt.err)
			} else {
				e.svc.On("CapturePayPal", mock.Anything, "PP-1").Return(tt.result, nil)
			}

			w := e.do(httptest.NewRequest(http.MethodPost, "/api/v1/checkout/paypal/orders/PP-1/capture", nil))
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())

			if tt.paymentStatus != "" {
				var resp map[string]any
				decode(t, w, &resp)
				assert.Equal(t, tt.paymentStatus, resp["payment_status"])
			}
		})
	}
}

func TestGetLoyalty(t *testing.T) {
	e := newTestEnv(t)
	orderID := "order-1"
	e.svc.On("LoyaltyAccount", mock.Anything, "customer-7", 20).Return(&domain.LoyaltyAccount{
		CustomerID: "customer-7",
		Balance:    45,
		Entries: []*domain.LoyaltyEntry{
			{Delta: 45, Reason: domain.LoyaltyReasonOrderCredit, OrderID: &orderID, CreatedAt: time.Now()},
		},
	}, nil)

	// без токена сотрудника баланс не отдаётся
	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/ops/customers/customer-7/loyalty", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/customers/customer-7/loyalty", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ops/customers/customer-7/loyalty", nil)
	req.Header.Set("Authorization", "Bearer "+e.staffToken(t))
	w = e.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoyaltyResponse
	decode(t, w, &resp)
	assert.Equal(t, int64(45), resp.Balance)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, domain.LoyaltyReasonOrderCredit, resp.Entries[0].Reason)
}

// =============================================================================
// Вебхуки
// =============================================================================

func TestStripeWebhook(t *testing.T) {
	payload := `{"id":"evt_1","type":"checkout.session.completed"}`

	tests := []struct {
		name           string
		setupMock      func(m *MockService)
		expectedStatus int
	}{
		{
			name: "Событие принято",
			setupMock: func(m *MockService) {
				m.On("HandleStripeWebhook", mock.Anything, []byte(payload), mock.Anything).
					Return(&service.WebhookResult{EventID: "evt_1"}, nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "Дубликат или тестовое событие",
			setupMock: func(m *MockService) {
				m.On("HandleStripeWebhook", mock.Anything, mock.Anything, mock.Anything).
					Return(&service.WebhookResult{EventID: "evt_test_abc", SelfTest: true}, nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "Неверная подпись",
			setupMock: func(m *MockService) {
				m.On("HandleStripeWebhook", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, fmt.Errorf("%w: no signatures found", domain.ErrBadSignature))
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "Сбой обработки",
			setupMock: func(m *MockService) {
				m.On("HandleStripeWebhook", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, errors.New("deadlock"))
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			tt.setupMock(e.svc)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			w := e.do(req)

			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.expectedStatus == http.StatusOK {
				assert.JSONEq(t, `{"received":true}`, w.Body.String())
			}
		})
	}
}

func TestStripeWebhook_PassesSignatureHeader(t *testing.T) {
	e := newTestEnv(t)
	e.svc.On("HandleStripeWebhook", mock.Anything, mock.Anything, mock.MatchedBy(func(h http.Header) bool {
		return h.Get("Stripe-Signature") == "t=1,v1=abc"
	})).Return(&service.WebhookResult{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	assert.Equal(t, http.StatusOK, e.do(req).Code)
	e.svc.AssertExpectations(t)
}

func TestStripeWebhook_BodyTooLarge(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(strings.Repeat("a", 2048)))
	w := e.do(req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	e.svc.AssertNotCalled(t, "HandleStripeWebhook", mock.Anything, mock.Anything, mock.Anything)
}

// =============================================================================
// Персонал
// =============================================================================

func TestOps_RequiresStaffToken(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/ops/tasks/failed", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ops/tasks/failed", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, e.do(req).Code)
}

func TestOps_Fulfill(t *testing.T) {
	tests := []struct {
		name           string
		order          *domain.Order
		err            error
		expectedStatus int
	}{
		{name: "Собран", order: sampleOrder(domain.OrderStatusFulfilled), expectedStatus: http.StatusOK},
		{name: "Не оплачен", err: fmt.Errorf("%w: pending", domain.ErrInvalidTransition), expectedStatus: http.StatusConflict},
		{name: "Не найден", err: domain.ErrOrderNotFound, expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			if tt.err != nil {
				e.svc.On("Fulfill", mock.Anything, "order-1").Return(nil, tt.err)
			} else {
				e.svc.On("Fulfill", mock.Anything, "order-1").Return(tt.order, nil)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/v1/ops/orders/order-1/fulfill", nil)
			req.Header.Set("Authorization", "Bearer "+e.staffToken(t))
			w := e.do(req)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}
}

func TestOps_TasksAndAnomalies(t *testing.T) {
	e := newTestEnv(t)
	token := "Bearer " + e.staffToken(t)
	lastErr := "kafka недоступна"
	outcome := domain.OutcomeOrderNotFound

	e.svc.On("FailedTasks", mock.Anything, 10).Return([]*domain.SideEffectTask{{
		ID: "task-1", OrderID: "order-1", Kind: domain.EffectSendConfirmationEmail,
		Status: domain.TaskFailed, Attempts: 8, LastError: &lastErr,
	}}, nil)
	e.svc.On("RetryTask", mock.Anything, "task-1").Return(nil)
	e.svc.On("RetryTask", mock.Anything, "task-2").Return(domain.ErrTaskNotFound)
	e.svc.On("Anomalies", mock.Anything, 0).Return([]*domain.Claim{{
		Provider: domain.ProviderStripe, EventID: "evt_orphan", Outcome: &outcome, NeedsReview: true,
	}}, nil)
	e.svc.On("Notifications", mock.Anything, true, 0).Return([]*domain.Notification{{
		ID: "n-1", Kind: domain.NotificationStalePending, Title: "Заказ ждёт оплаты",
	}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ops/tasks/failed?limit=10", nil)
	req.Header.Set("Authorization", token)
	w := e.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks struct {
		Tasks []TaskResponse `json:"tasks"`
	}
	decode(t, w, &tasks)
	require.Len(t, tasks.Tasks, 1)
	assert.Equal(t, 8, tasks.Tasks[0].Attempts)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/ops/tasks/task-1/retry", nil)
	req.Header.Set("Authorization", token)
	assert.Equal(t, http.StatusAccepted, e.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/ops/tasks/task-2/retry", nil)
	req.Header.Set("Authorization", token)
	assert.Equal(t, http.StatusNotFound, e.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/ops/anomalies", nil)
	req.Header.Set("Authorization", token)
	w = e.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	var anomalies struct {
		Anomalies []AnomalyResponse `json:"anomalies"`
	}
	decode(t, w, &anomalies)
	require.Len(t, anomalies.Anomalies, 1)
	require.NotNil(t, anomalies.Anomalies[0].Outcome)
	assert.Equal(t, "order_not_found", *anomalies.Anomalies[0].Outcome)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/ops/notifications?unread=true", nil)
	req.Header.Set("Authorization", token)
	assert.Equal(t, http.StatusOK, e.do(req).Code)

	e.svc.AssertExpectations(t)
}

// =============================================================================
// Инфраструктура
// =============================================================================

func TestReadiness(t *testing.T) {
	svc := new(MockService)
	r := NewRouter(RouterConfig{
		Checkout: svc, Webhooks: svc,
		ReadinessCheck: func(context.Context) error { return errors.New("mysql: connection refused") },
	}).Engine()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Без AuthMW операционные маршруты не регистрируются
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ops/anomalies", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	w := e.do(req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://shop.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleError_NilError(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	HandleError(c, nil, "Test")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

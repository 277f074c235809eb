package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/bouquet-shop/pkg/circuitbreaker"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// fakePayPal — httptest сервер с OAuth2 и Orders v2.
type fakePayPal struct {
	tokenCalls   atomic.Int32
	captureCalls atomic.Int32
	lastRequest  atomic.Value
	capture      http.HandlerFunc
	get          http.HandlerFunc
}

func (f *fakePayPal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"A21AA","token_type":"Bearer","expires_in":32400}`))
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer A21AA", r.Header.Get("Authorization"))
		f.lastRequest.Store(r.Header.Get("PayPal-Request-Id"))

		var body createOrderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "CAPTURE", body.Intent)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Order{
			ID:            "5O190127TN364715T",
			Status:        StatusCreated,
			PurchaseUnits: body.PurchaseUnits,
			Links:         []Link{{Rel: "approve", Href: "https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T"}},
		})
	})
	mux.HandleFunc("/v2/checkout/orders/5O190127TN364715T", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer A21AA", r.Header.Get("Authorization"))
		f.lastRequest.Store(r.Header.Get("PayPal-Request-Id"))
		f.get(w, r)
	})
	mux.HandleFunc("/v2/checkout/orders/5O190127TN364715T/capture", func(w http.ResponseWriter, r *http.Request) {
		f.captureCalls.Add(1)
		f.lastRequest.Store(r.Header.Get("PayPal-Request-Id"))
		f.capture(w, r)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakePayPal) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	return NewClient(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/v1/oauth2/token",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Timeout:      2 * time.Second,
		RetryCount:   2,
		RetryWait:    time.Millisecond,
	})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func order() *domain.Order {
	return &domain.Order{ID: "order-1", Total: domain.Money{Amount: 4500, Currency: "EUR"}}
}

func TestCreateOrder(t *testing.T) {
	f := &fakePayPal{}
	c := newTestClient(t, f)

	res, err := c.CreateOrder(context.Background(), order(), "create:order-1")
	require.NoError(t, err)

	assert.Equal(t, "5O190127TN364715T", res.ID)
	assert.Equal(t, "order-1", res.ReferenceID())
	assert.Equal(t, "45.00", res.PurchaseUnits[0].Amount.Value)
	assert.Contains(t, res.ApproveURL(), "token=5O190127TN364715T")
	assert.Equal(t, "create:order-1", f.lastRequest.Load())
}

func TestToken_IsCached(t *testing.T) {
	f := &fakePayPal{capture: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{"id":"5O190127TN364715T","status":"COMPLETED"}`)
	}}
	c := newTestClient(t, f)

	_, err := c.CreateOrder(context.Background(), order(), "create:order-1")
	require.NoError(t, err)
	_, err = c.CaptureOrder(context.Background(), "5O190127TN364715T", "capture:5O190127TN364715T")
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestCaptureOrder_Completed(t *testing.T) {
	f := &fakePayPal{capture: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{
			"id":"5O190127TN364715T","status":"COMPLETED",
			"purchase_units":[{"reference_id":"order-1","payments":{"captures":[
				{"id":"3C679366HH908993F","status":"COMPLETED","amount":{"currency_code":"EUR","value":"45.00"}}]}}]}`)
	}}
	c := newTestClient(t, f)

	res, err := c.CaptureOrder(context.Background(), "5O190127TN364715T", "capture:5O190127TN364715T")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "order-1", res.ReferenceID())
	assert.Equal(t, "3C679366HH908993F", res.CaptureID())
	assert.Equal(t, "capture:5O190127TN364715T", f.lastRequest.Load())
}

func TestCaptureOrder_Declined(t *testing.T) {
	f := &fakePayPal{capture: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{
			"name":"UNPROCESSABLE_ENTITY","message":"The requested action could not be performed",
			"debug_id":"f1d2b3","details":[{"issue":"INSTRUMENT_DECLINED"}]}`)
	}}
	c := newTestClient(t, f)

	_, err := c.CaptureOrder(context.Background(), "5O190127TN364715T", "capture:1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPaymentDeclined)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.True(t, apiErr.HasIssue("INSTRUMENT_DECLINED"))
	assert.Equal(t, "f1d2b3", apiErr.DebugID)

	// 4xx не повторяется
	assert.Equal(t, int32(1), f.captureCalls.Load())
}

func TestGetOrder(t *testing.T) {
	f := &fakePayPal{get: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{
			"id":"5O190127TN364715T","status":"COMPLETED",
			"purchase_units":[{"reference_id":"order-1","payments":{"captures":[
				{"id":"3C679366HH908993F","status":"COMPLETED"}]}}]}`)
	}}
	c := newTestClient(t, f)

	res, err := c.GetOrder(context.Background(), "5O190127TN364715T")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "order-1", res.ReferenceID())
	assert.Equal(t, "3C679366HH908993F", res.CaptureID())

	// чтение не передаёт ключ идемпотентности
	assert.Equal(t, "", f.lastRequest.Load())
}

func TestCaptureOrder_RetriesServerErrors(t *testing.T) {
	f := &fakePayPal{}
	f.capture = func(w http.ResponseWriter, r *http.Request) {
		if f.captureCalls.Load() < 3 {
			writeJSON(w, http.StatusServiceUnavailable, `{"name":"SERVICE_UNAVAILABLE"}`)
			return
		}
		writeJSON(w, http.StatusCreated, `{"id":"5O190127TN364715T","status":"COMPLETED"}`)
	}
	c := newTestClient(t, f)

	res, err := c.CaptureOrder(context.Background(), "5O190127TN364715T", "capture:1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int32(3), f.captureCalls.Load())
}

func TestCaptureOrder_UnavailableOpensBreaker(t *testing.T) {
	f := &fakePayPal{capture: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"name":"INTERNAL_SERVER_ERROR","debug_id":"x"}`)
	}}
	c := newTestClient(t, f)

	for i := 0; i < 5; i++ {
		_, err := c.CaptureOrder(context.Background(), "5O190127TN364715T", "capture:1")
		assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	}
	calls := f.captureCalls.Load()

	_, err := c.CaptureOrder(context.Background(), "5O190127TN364715T", "capture:1")
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, calls, f.captureCalls.Load(), "при открытом breaker запрос не отправляется")
}

func TestToken_Failure(t *testing.T) {
	f := &fakePayPal{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/v1/oauth2/token",
		ClientID:     "client-id",
		ClientSecret: "wrong",
		Timeout:      time.Second,
	})

	_, err := c.CreateOrder(context.Background(), order(), "create:order-1")
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "45.00", FormatAmount(4500))
	assert.Equal(t, "0.99", FormatAmount(99))
	assert.Equal(t, "129.05", FormatAmount(12905))
}

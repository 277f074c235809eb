package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/bouquet-shop/pkg/metrics"
	"example.com/bouquet-shop/services/fulfillment/internal/middleware"
)

// serviceName — имя сервиса в метриках и трейсах.
const serviceName = "fulfillment"

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	Checkout CheckoutService
	Webhooks WebhookService
	Ops      OpsService

	AuthMW      *middleware.AuthMiddleware      // nil — операционные эндпоинты не регистрируются
	RateLimitMW *middleware.RateLimitMiddleware // nil — без ограничения
	CORS        middleware.CORSConfig

	MaxWebhookBodyBytes int64
	ReadinessCheck      ReadinessChecker
	Debug               bool
}

// Router — HTTP роутер сервиса.
type Router struct {
	engine *gin.Engine
	cfg    RouterConfig
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.CORS))
	engine.Use(middleware.SecurityHeaders())
	engine.Use(otelgin.Middleware(serviceName))
	engine.Use(metrics.GinMetricsMiddleware(serviceName))
	engine.Use(middleware.RequestIDs())

	r := &Router{engine: engine, cfg: cfg}
	r.setupRoutes()
	return r
}

// setupRoutes настраивает все маршруты.
func (r *Router) setupRoutes() {
	r.engine.GET("/healthz", r.livenessCheck)
	r.engine.GET("/readyz", r.readinessCheckHandler)

	// Вебхуки без gzip и rate limit: провайдер повторяет доставку сам
	webhooks := NewWebhookHandler(r.cfg.Webhooks, r.cfg.MaxWebhookBodyBytes)
	r.engine.POST("/webhooks/stripe", webhooks.Stripe)

	v1 := r.engine.Group("/api/v1")

	// === Витрина ===
	public := v1.Group("")
	public.Use(gzip.Gzip(gzip.DefaultCompression))
	if r.cfg.RateLimitMW != nil {
		public.Use(r.cfg.RateLimitMW.Handle())
	}
	{
		h := NewCheckoutHandler(r.cfg.Checkout)
		public.POST("/orders", h.CreateOrder)
		public.GET("/orders/:id", h.GetOrder)
		public.POST("/checkout/stripe/session", h.CreateStripeSession)
		public.POST("/checkout/paypal/orders", h.CreatePayPalOrder)
		public.POST("/checkout/paypal/orders/:paypal_order_id/capture", h.CapturePayPal)
	}

	// === Персонал ===
	if r.cfg.AuthMW == nil || r.cfg.Ops == nil {
		return
	}
	ops := v1.Group("/ops")
	ops.Use(r.cfg.AuthMW.Handle())
	{
		h := NewOpsHandler(r.cfg.Ops)
		ops.POST("/orders/:id/fulfill", h.Fulfill)
		ops.GET("/tasks/failed", h.FailedTasks)
		ops.POST("/tasks/:id/retry", h.RetryTask)
		ops.GET("/anomalies", h.Anomalies)
		ops.GET("/notifications", h.Notifications)
		ops.GET("/customers/:id/loyalty", NewCheckoutHandler(r.cfg.Checkout).GetLoyalty)
	}
}

// Engine возвращает Gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// livenessCheck — liveness probe. 200, пока процесс отвечает.
func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessCheckHandler — readiness probe: MySQL и Redis доступны.
func (r *Router) readinessCheckHandler(c *gin.Context) {
	if r.cfg.ReadinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.cfg.ReadinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// defaultMaxBodyBytes — ограничение тела вебхука по умолчанию.
const defaultMaxBodyBytes = 64 << 10

// WebhookHandler принимает push-события провайдеров.
type WebhookHandler struct {
	svc          WebhookService
	maxBodyBytes int64
}

// NewWebhookHandler создаёт обработчик вебхуков.
func NewWebhookHandler(svc WebhookService, maxBodyBytes int64) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &WebhookHandler{svc: svc, maxBodyBytes: maxBodyBytes}
}

// Stripe принимает вебхук Stripe.
// POST /webhooks/stripe
//
// Подпись считается по исходным байтам, поэтому тело читается целиком
// и не проходит через JSON binding. 200 означает, что событие принято
// (в том числе дубликат или тестовое), 400 — событие не подлинное,
// 500 — сбой обработки, Stripe повторит доставку.
func (h *WebhookHandler) Stripe(c *gin.Context) {
	log := logger.FromContext(c.Request.Context())

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	payload, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("Тело вебхука превышает лимит")
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload_too_large", Message: "Слишком большое тело запроса"})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Не удалось прочитать тело запроса"})
		return
	}

	res, err := h.svc.HandleStripeWebhook(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, domain.ErrVerification) {
			HandleError(c, err, "StripeWebhook")
			return
		}
		log.Error().Err(err).Msg("Ошибка обработки вебхука Stripe")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "processing_failed", Message: "Событие не обработано"})
		return
	}

	log.Debug().Str("event_id", res.EventID).Bool("self_test", res.SelfTest).Bool("ignored", res.Ignored).Msg("Вебхук Stripe принят")
	c.JSON(http.StatusOK, gin.H{"received": true})
}

package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/bouquet-shop/pkg/lock"
	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`

	// PaymentStatus заполняется для ошибок оплаты.
	PaymentStatus string `json:"payment_status,omitempty"`
}

var validationErrors = []error{
	domain.ErrInvalidEmail,
	domain.ErrInvalidAddress,
	domain.ErrEmptyItems,
	domain.ErrInvalidItem,
	domain.ErrInvalidQuantity,
	domain.ErrInvalidAmount,
	domain.ErrCurrencyMismatch,
}

// HandleError переводит доменную ошибку в HTTP ответ.
// Используется всеми handlers для единообразной обработки ошибок.
func HandleError(c *gin.Context, err error, method string) {
	log := logger.FromContext(c.Request.Context())

	if err == nil {
		log.Error().Str("method", method).Msg("HandleError вызван с nil ошибкой")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Внутренняя ошибка сервера"})
		return
	}

	for _, v := range validationErrors {
		if errors.Is(err, v) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_argument", Message: v.Error()})
			return
		}
	}

	switch {
	case errors.Is(err, domain.ErrVerification):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "verification_failed", Message: "Событие не прошло проверку"})
	case errors.Is(err, domain.ErrPaymentDeclined):
		c.JSON(http.StatusPaymentRequired, ErrorResponse{
			Error:         "payment_declined",
			Message:       "Платёж отклонён, попробуйте другой способ оплаты",
			PaymentStatus: domain.PaymentStatusFailed,
		})
	case errors.Is(err, domain.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Заказ не найден"})
	case errors.Is(err, domain.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Задача не найдена или не в статусе failed"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "failed_precondition", Message: err.Error()})
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, lock.ErrNotAcquired):
		log.Warn().Err(err).Str("method", method).Msg("Сервис временно недоступен")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "service_unavailable", Message: "Сервис временно недоступен, повторите позже"})
	default:
		log.Error().Err(err).Str("method", method).Msg("Внутренняя ошибка")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Внутренняя ошибка сервера"})
	}
}

// badRequest отвечает 400 на некорректное тело запроса.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
}

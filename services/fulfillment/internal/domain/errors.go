package domain

import (
	"errors"
	"fmt"
)

// Ошибки проверки входящих событий. Обе оборачивают ErrVerification.
var (
	ErrVerification    = errors.New("событие не прошло проверку")
	ErrBadSignature    = fmt.Errorf("%w: неверная подпись", ErrVerification)
	ErrUnexpectedState = fmt.Errorf("%w: неожиданное состояние ответа провайдера", ErrVerification)
)

// Ошибки конвейера обработки.
var (
	ErrDuplicateEvent     = errors.New("событие уже обработано")
	ErrOrderNotFound      = errors.New("заказ не найден")
	ErrInvalidTransition  = errors.New("недопустимый переход статуса заказа")
	ErrUnknownEventKind   = errors.New("неизвестный вид события")
	ErrMissingOrderID     = errors.New("в событии нет идентификатора заказа")
	ErrConcurrentUpdate   = errors.New("статус заказа изменился параллельно")
	ErrGatewayUnavailable = errors.New("платёжный провайдер недоступен")
	ErrPaymentDeclined    = errors.New("платёж отклонён")
	ErrSideEffectFailed   = errors.New("побочный эффект не выполнен")
	ErrTaskNotFound       = errors.New("задача не найдена")
	ErrCreditPending      = errors.New("начисление баллов ещё не выполнено")
)

// Ошибки валидации заказа.
var (
	ErrInvalidEmail     = errors.New("некорректный email")
	ErrInvalidAddress   = errors.New("адрес доставки обязателен")
	ErrEmptyItems       = errors.New("заказ должен содержать хотя бы один букет")
	ErrInvalidItem      = errors.New("у позиции не указан букет")
	ErrInvalidQuantity  = errors.New("количество должно быть больше нуля")
	ErrInvalidAmount    = errors.New("цена должна быть больше нуля")
	ErrCurrencyMismatch = errors.New("все позиции должны быть в одной валюте")
)

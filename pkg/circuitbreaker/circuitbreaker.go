// Package circuitbreaker защищает вызовы внешних API от каскадных сбоев.
//
// Closed — запросы проходят. Open — мгновенный отказ без ожидания таймаута.
// Half-Open — пропускаем пробные запросы, чтобы проверить восстановление.
//
// Использование:
//
//	cb := circuitbreaker.New("paypal")
//	res, err := circuitbreaker.Execute(cb, func() (*Capture, error) { ... })
package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"example.com/bouquet-shop/pkg/logger"
)

// ErrOpen возвращается, когда breaker отклоняет вызов без выполнения.
var ErrOpen = errors.New("внешний сервис временно недоступен (circuit breaker)")

// Settings — настройки Circuit Breaker.
type Settings struct {
	MaxRequests  uint32        // Запросов в Half-Open
	Interval     time.Duration // Сброс счётчиков в Closed
	Timeout      time.Duration // Время в Open до Half-Open
	FailureRatio float64       // Доля ошибок для перехода в Open
	MinRequests  uint32        // Минимум запросов для расчёта доли

	// IsFailure решает, учитывать ли ошибку. Бизнес-отказы (например, отклонённая
	// карта) не должны открывать breaker. nil — любая ошибка считается сбоем.
	IsFailure func(err error) bool
}

// DefaultSettings возвращает настройки по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// Breaker — обёртка над gobreaker с логированием смены состояния.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// New создаёт Circuit Breaker с настройками по умолчанию.
func New(name string) *Breaker {
	return NewWithSettings(name, DefaultSettings())
}

// NewWithSettings создаёт Circuit Breaker с пользовательскими настройками.
func NewWithSettings(name string, s Settings) *Breaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log := logger.With().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Logger()

			switch to {
			case gobreaker.StateOpen:
				log.Warn().Msg("Circuit Breaker ОТКРЫТ — внешний API недоступен")
			case gobreaker.StateHalfOpen:
				log.Info().Msg("Circuit Breaker ПОЛУОТКРЫТ — пробуем восстановить")
			case gobreaker.StateClosed:
				log.Info().Msg("Circuit Breaker ЗАКРЫТ — внешний API восстановлен")
			}
		},
	}
	if s.IsFailure != nil {
		st.IsSuccessful = func(err error) bool {
			return err == nil || !s.IsFailure(err)
		}
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](st), name: name}
}

// State возвращает текущее состояние breaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name возвращает имя breaker.
func (b *Breaker) Name() string {
	return b.name
}

// Execute выполняет fn через breaker. При открытом breaker возвращает ErrOpen,
// ошибка fn возвращается без изменений.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, ErrOpen
	}
	if res == nil {
		var zero T
		return zero, err
	}
	return res.(T), err
}

package domain

import "time"

// ClaimStatus — статус записи в журнале идемпотентности.
type ClaimStatus string

const (
	ClaimInProgress ClaimStatus = "in_progress"
	ClaimCompleted  ClaimStatus = "completed"
	ClaimFailed     ClaimStatus = "failed"
)

// Outcome — итог обработки события.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeNoop              Outcome = "noop"
	OutcomeOrderNotFound     Outcome = "order_not_found"
	OutcomeInvalidTransition Outcome = "invalid_transition"
	OutcomeIgnored           Outcome = "ignored"
)

// ClaimResult — результат попытки занять ключ события.
type ClaimResult int

const (
	// Claimed — событие наше, его нужно обработать.
	Claimed ClaimResult = iota + 1
	// AlreadyProcessed — событие обработано или обрабатывается другим запросом.
	AlreadyProcessed
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadyProcessed:
		return "already_processed"
	default:
		return "unknown"
	}
}

// Claim — запись журнала идемпотентности по ключу (provider, event_id).
type Claim struct {
	Provider    Provider
	EventID     string
	Kind        EventKind
	OrderID     string
	Status      ClaimStatus
	Outcome     *Outcome
	NeedsReview bool
	LastError   *string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key возвращает ключ записи.
func (c *Claim) Key() EventKey {
	return EventKey{Provider: c.Provider, EventID: c.EventID}
}

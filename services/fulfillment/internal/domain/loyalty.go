package domain

import "time"

// PointsPerUnit — сколько минимальных единиц суммы дают один балл.
const PointsPerUnit = 100

// LoyaltyPointsFor возвращает floor(total / 100) для неотрицательной суммы.
func LoyaltyPointsFor(total Money) int64 {
	if total.Amount <= 0 {
		return 0
	}
	return total.Amount / PointsPerUnit
}

// Причины движения баллов.
const (
	LoyaltyReasonOrderCredit = "order_credit"
	LoyaltyReasonRefund      = "order_refund"
)

// LoyaltyEntry — запись журнала баллов. Журнал только дописывается,
// баланс равен сумме Delta по покупателю.
type LoyaltyEntry struct {
	ID             string
	CustomerID     string
	Delta          int64
	Reason         string
	OrderID        *string
	IdempotencyKey string
	CreatedAt      time.Time
}

// LoyaltyAccount — баланс и история покупателя.
type LoyaltyAccount struct {
	CustomerID string
	Balance    int64
	Entries    []*LoyaltyEntry
}

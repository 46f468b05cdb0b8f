package models

import "time"

// AttemptStatus tracks a single push-payment request through its callback.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "Pending"
	AttemptSucceeded AttemptStatus = "Succeeded"
	AttemptFailed    AttemptStatus = "Failed"
)

// PaymentAttempt links a provider correlation id to the order it was issued for.
// One row is written per push; the callback resolves its order through CheckoutRequestID.
type PaymentAttempt struct {
	ID                string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrderID           string        `json:"orderId" gorm:"type:varchar(36);not null;index"`
	Provider          string        `json:"provider" gorm:"type:varchar(32)"`
	CheckoutRequestID string        `json:"checkoutRequestId" gorm:"type:varchar(64);not null;uniqueIndex"`
	MerchantRequestID string        `json:"merchantRequestId" gorm:"type:varchar(64)"`
	Phone             string        `json:"phone" gorm:"type:varchar(16)"`
	Amount            int64         `json:"amount"`
	Status            AttemptStatus `json:"status" gorm:"type:varchar(16);not null;default:Pending;index"`
	ResultCode        *int          `json:"resultCode,omitempty"`
	ResultDesc        string        `json:"resultDesc,omitempty"`
	ReceiptNumber     string        `json:"receiptNumber,omitempty" gorm:"type:varchar(32)"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// AttemptOutcome is the result reported by the provider callback for an attempt.
type AttemptOutcome struct {
	Status        AttemptStatus
	ResultCode    int
	ResultDesc    string
	ReceiptNumber string
}

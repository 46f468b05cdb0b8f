package repositories

import (
	"context"

	"rehoboth/internal/models"
)

// PaymentAttemptRepository stores the correlation between provider requests and orders.
type PaymentAttemptRepository interface {
	Create(ctx context.Context, attempt *models.PaymentAttempt) error
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PaymentAttempt, error)
	// Complete records the callback outcome only while the attempt is still pending.
	// It reports whether this call performed the change.
	Complete(ctx context.Context, checkoutRequestID string, outcome models.AttemptOutcome) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]models.PaymentAttempt, error)
}

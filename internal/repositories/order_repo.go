package repositories

import (
	"context"
	"time"

	"rehoboth/internal/models"
)

// OrderRepository defines the interface for order data access.
// Every read skips soft-deleted orders; a soft-deleted id is reported as apperrors.ErrNotFound.
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	// ListByUser returns the user's orders, newest first.
	ListByUser(ctx context.Context, userID string) ([]models.Order, error)
	// ListAll returns every order, newest first.
	ListAll(ctx context.Context) ([]models.Order, error)
	// Update writes only the columns set in upd and returns the stored order. When upd.ExpectStatus
	// is set and the stored status differs, nothing is written and apperrors.ErrStatusChanged is returned.
	Update(ctx context.Context, id string, upd OrderUpdate) (*models.Order, error)
	// MarkPaid sets the paid flag and receipt only if the order is not paid yet.
	// It reports whether this call performed the change.
	MarkPaid(ctx context.Context, id string, result models.PaymentResult, paidAt time.Time) (bool, error)
	SetCheckoutRequestID(ctx context.Context, id, checkoutRequestID string) error
	// SoftDeleteCancelled flags orders cancelled by the given actor before the cutoff.
	SoftDeleteCancelled(ctx context.Context, by models.CancelledBy, before, now time.Time) (int64, error)
}

// OrderUpdate lists the columns a status change writes. Nil fields are left untouched.
type OrderUpdate struct {
	Status *models.OrderStatus
	// ExpectStatus makes the update conditional on the status the caller read.
	ExpectStatus  *models.OrderStatus
	AdminResponse *string
	IsDelivered   *bool
	DeliveredAt   *time.Time
	// Cancellation sets cancelled_by and cancelled_at together. A zero Cancellation clears both.
	Cancellation *Cancellation
	UpdatedAt    time.Time
}

// Cancellation is the cancelled_by / cancelled_at pair.
type Cancellation struct {
	By models.CancelledBy
	At *time.Time
}

func (u OrderUpdate) apply(order *models.Order) {
	if u.Status != nil {
		order.Status = *u.Status
	}
	if u.AdminResponse != nil {
		order.AdminResponse = *u.AdminResponse
	}
	if u.IsDelivered != nil {
		order.IsDelivered = *u.IsDelivered
	}
	if u.DeliveredAt != nil {
		at := *u.DeliveredAt
		order.DeliveredAt = &at
	}
	if u.Cancellation != nil {
		order.CancelledBy = u.Cancellation.By
		order.CancelledAt = copyTime(u.Cancellation.At)
	}
	if !u.UpdatedAt.IsZero() {
		order.UpdatedAt = u.UpdatedAt
	}
}

func (u OrderUpdate) columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.AdminResponse != nil {
		cols["admin_response"] = *u.AdminResponse
	}
	if u.IsDelivered != nil {
		cols["is_delivered"] = *u.IsDelivered
	}
	if u.DeliveredAt != nil {
		cols["delivered_at"] = *u.DeliveredAt
	}
	if u.Cancellation != nil {
		cols["cancelled_by"] = u.Cancellation.By
		cols["cancelled_at"] = u.Cancellation.At
	}
	if !u.UpdatedAt.IsZero() {
		cols["updated_at"] = u.UpdatedAt
	}
	return cols
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// cloneOrder returns a copy that shares no slices or pointers with o.
func cloneOrder(o models.Order) models.Order {
	c := o
	if o.OrderItems != nil {
		c.OrderItems = make([]models.OrderItem, len(o.OrderItems))
		copy(c.OrderItems, o.OrderItems)
	}
	c.PaidAt = copyTime(o.PaidAt)
	c.DeliveredAt = copyTime(o.DeliveredAt)
	c.CancelledAt = copyTime(o.CancelledAt)
	c.DeletedAt = copyTime(o.DeletedAt)
	return c
}

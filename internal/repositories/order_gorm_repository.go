package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rehoboth/internal/apperrors"
	"rehoboth/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GORMOrderRepository is a GORM implementation of OrderRepository.
type GORMOrderRepository struct {
	db *gorm.DB
}

// NewGORMOrderRepository creates a new instance of GORMOrderRepository.
func NewGORMOrderRepository(db *gorm.DB) *GORMOrderRepository {
	return &GORMOrderRepository{
		db: db,
	}
}

// Create inserts a new order.
func (r *GORMOrderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetByID retrieves a non-deleted order by its ID.
func (r *GORMOrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).First(&order, "id = ? AND is_deleted = ?", id, false).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order with ID %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order by ID %s: %w", id, err)
	}
	return &order, nil
}

// ListByUser retrieves the user's non-deleted orders, newest first.
func (r *GORMOrderRepository) ListByUser(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_deleted = ?", userID, false).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for user %s: %w", userID, err)
	}
	return orders, nil
}

// ListAll retrieves every non-deleted order, newest first.
func (r *GORMOrderRepository) ListAll(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// Update writes the changed columns of a non-deleted order and reloads it.
func (r *GORMOrderRepository) Update(ctx context.Context, id string, upd OrderUpdate) (*models.Order, error) {
	cols := upd.columns()
	if len(cols) > 0 {
		query := r.db.WithContext(ctx).Model(&models.Order{}).
			Where("id = ? AND is_deleted = ?", id, false)
		if upd.ExpectStatus != nil {
			query = query.Where("status = ?", *upd.ExpectStatus)
		}
		res := query.Updates(cols)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update order %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			current, err := r.GetByID(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("order with ID %s not found for update: %w", id, apperrors.ErrNotFound)
			}
			if upd.ExpectStatus != nil && current.Status != *upd.ExpectStatus {
				return nil, fmt.Errorf("order %s is %s, expected %s: %w", id, current.Status, *upd.ExpectStatus, apperrors.ErrStatusChanged)
			}
			return current, nil
		}
	}
	return r.GetByID(ctx, id)
}

// MarkPaid is a single conditional UPDATE, so concurrent confirmations cannot overwrite each other.
func (r *GORMOrderRepository) MarkPaid(ctx context.Context, id string, result models.PaymentResult, paidAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND is_paid = ?", id, false).
		Updates(map[string]interface{}{
			"is_paid":                true,
			"paid_at":                paidAt,
			"payment_transaction_id": result.TransactionID,
			"payment_status":         result.Status,
			"payment_update_time":    result.UpdateTime,
			"updated_at":             paidAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark order %s paid: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up order %s: %w", id, err)
	}
	if count == 0 {
		return false, fmt.Errorf("order with ID %s: %w", id, apperrors.ErrNotFound)
	}
	return false, nil
}

// SetCheckoutRequestID stores the latest provider correlation id on the order.
func (r *GORMOrderRepository) SetCheckoutRequestID(ctx context.Context, id, checkoutRequestID string) error {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", id).
		Update("checkout_request_id", checkoutRequestID)
	if res.Error != nil {
		return fmt.Errorf("failed to store checkout request id on order %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order with ID %s: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

// SoftDeleteCancelled flags matching orders as deleted. Already deleted orders are not touched.
func (r *GORMOrderRepository) SoftDeleteCancelled(ctx context.Context, by models.CancelledBy, before, now time.Time) (int64, error) {
	if by == models.CancelledByNone {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("cancelled_by = ? AND cancelled_at < ? AND is_deleted = ?", by, before, false).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"deleted_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to soft delete %s-cancelled orders: %w", by, res.Error)
	}
	return res.RowsAffected, nil
}

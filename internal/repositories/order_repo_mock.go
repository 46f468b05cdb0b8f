package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rehoboth/internal/apperrors"
	"rehoboth/internal/models"

	"github.com/google/uuid"
)

// MockOrderRepository is an in-memory implementation of OrderRepository.
type MockOrderRepository struct {
	orders map[string]models.Order
	mu     sync.RWMutex
}

// NewMockOrderRepository creates a new instance of MockOrderRepository.
func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{
		orders: make(map[string]models.Order),
	}
}

// Create adds a new order.
func (r *MockOrderRepository) Create(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if _, exists := r.orders[order.ID]; exists {
		return fmt.Errorf("order with ID %s already exists", order.ID)
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	r.orders[order.ID] = cloneOrder(*order)
	return nil
}

// GetByID returns a non-deleted order by its ID.
func (r *MockOrderRepository) GetByID(_ context.Context, id string) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok || order.IsDeleted {
		return nil, fmt.Errorf("order with ID %s: %w", id, apperrors.ErrNotFound)
	}
	c := cloneOrder(order)
	return &c, nil
}

// ListByUser returns the user's non-deleted orders, newest first.
func (r *MockOrderRepository) ListByUser(_ context.Context, userID string) ([]models.Order, error) {
	return r.list(func(o models.Order) bool { return o.UserID == userID }), nil
}

// ListAll returns every non-deleted order, newest first.
func (r *MockOrderRepository) ListAll(_ context.Context) ([]models.Order, error) {
	return r.list(func(models.Order) bool { return true }), nil
}

func (r *MockOrderRepository) list(keep func(models.Order) bool) []models.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orderList := make([]models.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if order.IsDeleted || !keep(order) {
			continue
		}
		orderList = append(orderList, cloneOrder(order))
	}
	sort.SliceStable(orderList, func(i, j int) bool {
		return orderList[i].CreatedAt.After(orderList[j].CreatedAt)
	})
	return orderList
}

// Update applies the changed fields to a non-deleted order.
func (r *MockOrderRepository) Update(_ context.Context, id string, upd OrderUpdate) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok || order.IsDeleted {
		return nil, fmt.Errorf("order with ID %s not found for update: %w", id, apperrors.ErrNotFound)
	}
	if upd.ExpectStatus != nil && order.Status != *upd.ExpectStatus {
		return nil, fmt.Errorf("order %s is %s, expected %s: %w", id, order.Status, *upd.ExpectStatus, apperrors.ErrStatusChanged)
	}
	upd.apply(&order)
	r.orders[id] = order
	c := cloneOrder(order)
	return &c, nil
}

// MarkPaid sets the paid fields only when the order is still unpaid.
func (r *MockOrderRepository) MarkPaid(_ context.Context, id string, result models.PaymentResult, paidAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return false, fmt.Errorf("order with ID %s: %w", id, apperrors.ErrNotFound)
	}
	if order.IsPaid {
		return false, nil
	}
	order.IsPaid = true
	order.PaidAt = &paidAt
	order.PaymentResult = result
	order.UpdatedAt = paidAt
	r.orders[id] = order
	return true, nil
}

// SetCheckoutRequestID stores the latest provider correlation id on the order.
func (r *MockOrderRepository) SetCheckoutRequestID(_ context.Context, id, checkoutRequestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("order with ID %s: %w", id, apperrors.ErrNotFound)
	}
	order.CheckoutRequestID = checkoutRequestID
	r.orders[id] = order
	return nil
}

// SoftDeleteCancelled flags matching orders as deleted.
func (r *MockOrderRepository) SoftDeleteCancelled(_ context.Context, by models.CancelledBy, before, now time.Time) (int64, error) {
	if by == models.CancelledByNone {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected int64
	for id, order := range r.orders {
		if order.IsDeleted || order.CancelledBy != by || order.CancelledAt == nil {
			continue
		}
		if !order.CancelledAt.Before(before) {
			continue
		}
		deletedAt := now
		order.IsDeleted = true
		order.DeletedAt = &deletedAt
		r.orders[id] = order
		affected++
	}
	return affected, nil
}

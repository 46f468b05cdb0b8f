package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rehoboth/internal/apperrors"
	"rehoboth/internal/config"
	"rehoboth/internal/metrics"
	"rehoboth/internal/models"
	"rehoboth/internal/repositories"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Visibility windows for cancelled orders.
const (
	CustomerCancelledRetention = 7 * 24 * time.Hour
	AdminCancelledRetention    = 30 * 24 * time.Hour
)

// Routing keys of the order lifecycle events.
const (
	EventOrderCreated       = "order.created"
	EventOrderStatusUpdated = "order.status_updated"
	EventOrderPaid          = "order.paid"
)

// Requester is the authenticated identity a request is made on behalf of.
type Requester struct {
	UserID  string
	IsAdmin bool
}

// EventPublisher delivers order lifecycle events. pkg/rabbitmq.Client satisfies it.
type EventPublisher interface {
	PublishJSON(exchange, routingKey string, v interface{}) error
}

// OrderEvent is the message body of every lifecycle event.
type OrderEvent struct {
	OrderID    string             `json:"orderId"`
	UserID     string             `json:"userId"`
	Status     models.OrderStatus `json:"status"`
	TotalPrice float64            `json:"totalPrice"`
	IsPaid     bool               `json:"isPaid"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// CreateOrderInput carries a new order as submitted by its owner.
type CreateOrderInput struct {
	Items           []models.OrderItem
	ShippingAddress models.ShippingAddress
	PaymentMethod   string
	TotalPrice      float64
}

// UpdateStatusInput carries a status change. Nil fields are not changed.
type UpdateStatusInput struct {
	Status        *models.OrderStatus
	AdminResponse *string
}

// OrderService handles business logic related to orders.
type OrderService struct {
	orderRepo repositories.OrderRepository
	publisher EventPublisher
	exchange  string
	guard     string
	now       func() time.Time
}

// OrderOption configures an OrderService.
type OrderOption func(*OrderService)

// WithClock replaces the clock used for every timestamp the service writes or compares.
func WithClock(now func() time.Time) OrderOption {
	return func(s *OrderService) { s.now = now }
}

// WithPublisher publishes lifecycle events to exchange.
func WithPublisher(p EventPublisher, exchange string) OrderOption {
	return func(s *OrderService) {
		s.publisher = p
		s.exchange = exchange
	}
}

// WithStatusGuard selects config.GuardStrict or config.GuardLenient.
func WithStatusGuard(guard string) OrderOption {
	return func(s *OrderService) { s.guard = guard }
}

// NewOrderService creates a new OrderService.
func NewOrderService(orderRepo repositories.OrderRepository, opts ...OrderOption) *OrderService {
	s := &OrderService{
		orderRepo: orderRepo,
		guard:     config.GuardStrict,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OrderService) clock() time.Time { return s.now().UTC() }

// CreateOrder persists a new pending order for ownerID. Line items are stored as submitted.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput, ownerID string) (*models.Order, error) {
	if len(in.Items) == 0 {
		metrics.RecordOrderOperation("create", false)
		return nil, apperrors.ErrEmptyOrder
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: order owner is required", apperrors.ErrValidation)
	}

	now := s.clock()
	method := in.PaymentMethod
	if method == "" {
		method = "M-Pesa"
	}
	items := make([]models.OrderItem, len(in.Items))
	copy(items, in.Items)

	order := &models.Order{
		ID:              uuid.New().String(),
		UserID:          ownerID,
		OrderItems:      items,
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   method,
		TotalPrice:      in.TotalPrice,
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.orderRepo.Create(ctx, order); err != nil {
		metrics.RecordOrderOperation("create", false)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	metrics.RecordOrderOperation("create", true)
	slog.Info("Order created", "order_id", order.ID, "user_id", ownerID, "total", order.TotalPrice)

	s.checkTotal(order)
	s.publish(EventOrderCreated, order)
	return order, nil
}

// checkTotal reports a client-supplied total that differs from the sum of its lines.
func (s *OrderService) checkTotal(order *models.Order) {
	sum := decimal.Zero
	for _, item := range order.OrderItems {
		sum = sum.Add(decimal.NewFromFloat(item.Price).Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	total := decimal.NewFromFloat(order.TotalPrice)
	if sum.Round(2).Equal(total.Round(2)) {
		return
	}
	gap := &apperrors.ConsistencyGapError{
		Invariant: "order_total",
		Detail:    fmt.Sprintf("order %s total %s differs from line sum %s", order.ID, total.StringFixed(2), sum.StringFixed(2)),
	}
	metrics.RecordConsistencyGap(gap.Invariant)
	slog.Warn("Order total mismatch", "order_id", order.ID, "error", gap)
}

// GetOrder returns an order to its owner or to an admin.
func (s *OrderService) GetOrder(ctx context.Context, id string, requester Requester) (*models.Order, error) {
	order, err := s.orderRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	if !requester.IsAdmin && order.UserID != requester.UserID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", apperrors.ErrForbidden, id)
	}
	return order, nil
}

// ListOwnOrders returns the orders the owner can still see, newest first. Orders cancelled by an
// admin are hidden; orders the owner cancelled stay visible for CustomerCancelledRetention.
func (s *OrderService) ListOwnOrders(ctx context.Context, ownerID string) ([]models.Order, error) {
	orders, err := s.orderRepo.ListByUser(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for user %s: %w", ownerID, err)
	}
	cutoff := s.clock().Add(-CustomerCancelledRetention)

	visible := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		switch o.CancelledBy {
		case models.CancelledByAdmin:
			continue
		case models.CancelledByCustomer:
			if o.CancelledAt == nil || !o.CancelledAt.After(cutoff) {
				continue
			}
		}
		visible = append(visible, o)
	}
	return visible, nil
}

// ListAllOrders returns every visible order to an admin, newest first. Orders cancelled by an admin
// drop out after AdminCancelledRetention.
func (s *OrderService) ListAllOrders(ctx context.Context, requester Requester) ([]models.Order, error) {
	if !requester.IsAdmin {
		return nil, fmt.Errorf("%w: admin access required", apperrors.ErrForbidden)
	}
	orders, err := s.orderRepo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	cutoff := s.clock().Add(-AdminCancelledRetention)

	visible := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if o.CancelledBy == models.CancelledByAdmin && (o.CancelledAt == nil || !o.CancelledAt.After(cutoff)) {
			continue
		}
		visible = append(visible, o)
	}
	return visible, nil
}

// UpdateStatus changes an order's status and/or admin response.
// Non-admins may only cancel their own orders.
func (s *OrderService) UpdateStatus(ctx context.Context, id string, in UpdateStatusInput, requester Requester) (*models.Order, error) {
	if in.Status == nil && in.AdminResponse == nil {
		return nil, fmt.Errorf("%w: status or adminResponse is required", apperrors.ErrValidation)
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidStatus, *in.Status)
	}

	order, err := s.orderRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}

	isOwner := order.UserID == requester.UserID
	if !requester.IsAdmin {
		if !isOwner {
			return nil, fmt.Errorf("%w: order %s belongs to another user", apperrors.ErrForbidden, id)
		}
		if in.Status == nil || *in.Status != models.StatusCancelled {
			return nil, fmt.Errorf("%w: customers may only cancel their orders", apperrors.ErrForbidden)
		}
	}

	now := s.clock()
	upd := repositories.OrderUpdate{UpdatedAt: now}
	if in.AdminResponse != nil {
		text := *in.AdminResponse
		upd.AdminResponse = &text
	}

	if in.Status != nil {
		next := *in.Status
		if s.guard != config.GuardLenient && !order.Status.CanTransitionTo(next) {
			metrics.RecordOrderOperation("update_status", false)
			return nil, fmt.Errorf("%w: %s to %s", apperrors.ErrInvalidTransition, order.Status, next)
		}
		upd.Status = &next
		current := order.Status
		upd.ExpectStatus = &current

		switch {
		case next == models.StatusCancelled && order.Status != models.StatusCancelled:
			by := models.CancelledByAdmin
			if isOwner && !requester.IsAdmin {
				by = models.CancelledByCustomer
			}
			at := now
			upd.Cancellation = &repositories.Cancellation{By: by, At: &at}
			if upd.AdminResponse == nil {
				text := "Order cancelled by " + string(by)
				upd.AdminResponse = &text
			}
		case next != models.StatusCancelled && order.Status == models.StatusCancelled:
			upd.Cancellation = &repositories.Cancellation{}
		}

		if next == models.StatusDelivered && !order.IsDelivered {
			delivered := true
			at := now
			upd.IsDelivered = &delivered
			upd.DeliveredAt = &at
		}
	}

	updated, err := s.orderRepo.Update(ctx, id, upd)
	if err != nil {
		metrics.RecordOrderOperation("update_status", false)
		if errors.Is(err, apperrors.ErrStatusChanged) {
			return nil, fmt.Errorf("order %s: %w", id, err)
		}
		return nil, fmt.Errorf("failed to update order %s: %w", id, err)
	}
	metrics.RecordOrderOperation("update_status", true)
	slog.Info("Order status updated", "order_id", id, "from", order.Status, "to", updated.Status, "by", requester.UserID)

	s.publish(EventOrderStatusUpdated, updated)
	return updated, nil
}

// ConfirmPayment marks an order paid exactly once. It reports whether this call applied the change;
// repeated and concurrent confirmations return the stored order unchanged.
func (s *OrderService) ConfirmPayment(ctx context.Context, id string, result models.PaymentResult) (*models.Order, bool, error) {
	applied, err := s.orderRepo.MarkPaid(ctx, id, result, s.clock())
	if err != nil {
		metrics.RecordOrderOperation("confirm_payment", false)
		return nil, false, fmt.Errorf("failed to mark order %s paid: %w", id, err)
	}
	order, err := s.orderRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) && applied {
			return nil, true, nil
		}
		return nil, applied, fmt.Errorf("failed to reload order %s: %w", id, err)
	}
	metrics.RecordOrderOperation("confirm_payment", true)
	if applied {
		slog.Info("Order marked paid", "order_id", id, "transaction_id", result.TransactionID)
		s.publish(EventOrderPaid, order)
	} else {
		slog.Info("Order already paid, confirmation ignored", "order_id", id, "transaction_id", result.TransactionID)
	}
	return order, applied, nil
}

// publish sends a lifecycle event. Failures are logged; they never fail the operation.
func (s *OrderService) publish(routingKey string, order *models.Order) {
	if s.publisher == nil {
		return
	}
	event := OrderEvent{
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		TotalPrice: order.TotalPrice,
		IsPaid:     order.IsPaid,
		OccurredAt: s.clock(),
	}
	if err := s.publisher.PublishJSON(s.exchange, routingKey, event); err != nil {
		slog.Warn("Failed to publish order event", "event", routingKey, "order_id", order.ID, "error", err)
		return
	}
	slog.Debug("Published order event", "event", routingKey, "order_id", order.ID)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rehoboth/internal/apperrors"
	"rehoboth/internal/metrics"
	"rehoboth/internal/models"
	"rehoboth/internal/payments"
	"rehoboth/internal/repositories"

	"github.com/google/uuid"
)

// InitiatePaymentInput asks for a push payment prompt for an order.
type InitiatePaymentInput struct {
	Phone   string
	Amount  float64
	OrderID string
}

// CallbackDispatcher hands a raw callback body to asynchronous processing.
type CallbackDispatcher interface {
	DispatchCallback(body []byte) error
}

// OrderConfirmer marks orders paid. *OrderService implements it.
type OrderConfirmer interface {
	ConfirmPayment(ctx context.Context, id string, result models.PaymentResult) (*models.Order, bool, error)
}

// PaymentService initiates push payments and reconciles provider callbacks with orders.
type PaymentService struct {
	provider   payments.Provider
	orderRepo  repositories.OrderRepository
	attempts   repositories.PaymentAttemptRepository
	confirmer  OrderConfirmer
	dispatcher CallbackDispatcher
	now        func() time.Time
}

// NewPaymentService creates a new PaymentService.
func NewPaymentService(provider payments.Provider, orderRepo repositories.OrderRepository, attempts repositories.PaymentAttemptRepository, confirmer OrderConfirmer) *PaymentService {
	return &PaymentService{
		provider:  provider,
		orderRepo: orderRepo,
		attempts:  attempts,
		confirmer: confirmer,
		now:       time.Now,
	}
}

// SetDispatcher routes callbacks through d instead of processing them inline.
func (s *PaymentService) SetDispatcher(d CallbackDispatcher) { s.dispatcher = d }

// SetProvider installs the payment provider. Providers that settle pushes themselves take the
// PaymentService as their payments.Confirmer, so they can only be built after it.
func (s *PaymentService) SetProvider(p payments.Provider) { s.provider = p }

// InitiatePayment sends a push prompt to the customer's phone and records the attempt so the
// callback can be matched back to the order.
func (s *PaymentService) InitiatePayment(ctx context.Context, in InitiatePaymentInput, requester Requester) (*payments.PushResult, error) {
	phone, err := payments.NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}
	if in.OrderID == "" {
		return nil, fmt.Errorf("%w: orderId is required", apperrors.ErrValidation)
	}
	amount := payments.WholeAmount(in.Amount)
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than zero", apperrors.ErrValidation)
	}

	order, err := s.orderRepo.GetByID(ctx, in.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", in.OrderID, err)
	}
	if !requester.IsAdmin && order.UserID != requester.UserID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", apperrors.ErrForbidden, in.OrderID)
	}
	if order.IsPaid {
		return nil, fmt.Errorf("order %s: %w", in.OrderID, apperrors.ErrAlreadyPaid)
	}
	if expected := payments.WholeAmount(order.TotalPrice); expected != amount {
		gap := &apperrors.ConsistencyGapError{
			Invariant: "payment_amount",
			Detail:    fmt.Sprintf("order %s total %d, push amount %d", order.ID, expected, amount),
		}
		metrics.RecordConsistencyGap(gap.Invariant)
		slog.Warn("Payment amount differs from order total", "order_id", order.ID, "error", gap)
	}

	result, err := s.provider.Push(ctx, payments.PushRequest{Phone: phone, Amount: amount, OrderID: order.ID})
	if err != nil {
		metrics.RecordPaymentPush(s.provider.Name(), pushOutcome(err))
		return result, fmt.Errorf("failed to initiate payment for order %s: %w", order.ID, err)
	}
	metrics.RecordPaymentPush(s.provider.Name(), "accepted")

	attempt := &models.PaymentAttempt{
		ID:                uuid.New().String(),
		OrderID:           order.ID,
		Provider:          s.provider.Name(),
		CheckoutRequestID: result.CheckoutRequestID,
		MerchantRequestID: result.MerchantRequestID,
		Phone:             phone,
		Amount:            amount,
		Status:            models.AttemptPending,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record payment attempt for order %s: %w", order.ID, err)
	}
	if err := s.orderRepo.SetCheckoutRequestID(ctx, order.ID, result.CheckoutRequestID); err != nil {
		return nil, fmt.Errorf("failed to link payment attempt to order %s: %w", order.ID, err)
	}

	slog.Info("Push payment initiated", "order_id", order.ID, "checkout_request_id", result.CheckoutRequestID, "amount", amount)
	return result, nil
}

func pushOutcome(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrPushRejected):
		return "rejected"
	case apperrors.IsRetryable(err):
		return "retryable"
	default:
		return "failed"
	}
}

// HandleCallback accepts a provider callback. The provider always gets the same acknowledgement;
// processing failures are only logged and counted.
func (s *PaymentService) HandleCallback(ctx context.Context, body []byte) payments.Acknowledgement {
	if s.dispatcher != nil {
		err := s.dispatcher.DispatchCallback(body)
		if err == nil {
			metrics.RecordCallback("queued")
			return payments.CallbackReceived
		}
		slog.Warn("Failed to enqueue callback, processing inline", "error", err)
	}
	if err := s.ProcessCallback(ctx, body); err != nil {
		slog.Error("Callback processing error", "error", err)
	}
	return payments.CallbackReceived
}

// ProcessCallback applies a callback to its attempt and, on success, to its order.
// Replayed callbacks are harmless: the attempt completes once and the order is paid once.
func (s *PaymentService) ProcessCallback(ctx context.Context, body []byte) error {
	cb, err := payments.ParseCallback(body)
	if err != nil {
		metrics.RecordCallback("malformed")
		return err
	}
	slog.Info("Payment callback received", "checkout_request_id", cb.CheckoutRequestID, "result_code", cb.ResultCode, "result_desc", cb.ResultDesc)

	attempt, err := s.attempts.GetByCheckoutRequestID(ctx, cb.CheckoutRequestID)
	if err != nil {
		metrics.RecordCallback("unknown")
		return fmt.Errorf("callback for checkout request %s: %w", cb.CheckoutRequestID, err)
	}

	outcome := models.AttemptOutcome{
		Status:        models.AttemptFailed,
		ResultCode:    cb.ResultCode,
		ResultDesc:    cb.ResultDesc,
		ReceiptNumber: cb.ReceiptNumber(),
	}
	if cb.Succeeded() {
		outcome.Status = models.AttemptSucceeded
	}
	completed, err := s.attempts.Complete(ctx, cb.CheckoutRequestID, outcome)
	if err != nil {
		metrics.RecordCallback("error")
		return fmt.Errorf("failed to complete payment attempt %s: %w", cb.CheckoutRequestID, err)
	}
	if !completed {
		slog.Info("Duplicate callback ignored", "checkout_request_id", cb.CheckoutRequestID, "order_id", attempt.OrderID)
	}

	if !cb.Succeeded() {
		metrics.RecordCallback("failed")
		slog.Warn("Payment failed", "order_id", attempt.OrderID, "result_code", cb.ResultCode, "result_desc", cb.ResultDesc)
		return nil
	}

	if paid, ok := cb.Amount(); ok && payments.WholeAmount(paid) != attempt.Amount {
		gap := &apperrors.ConsistencyGapError{
			Invariant: "callback_amount",
			Detail:    fmt.Sprintf("attempt %s requested %d, callback reported %v", attempt.CheckoutRequestID, attempt.Amount, paid),
		}
		metrics.RecordConsistencyGap(gap.Invariant)
		slog.Warn("Callback amount differs from requested amount", "order_id", attempt.OrderID, "error", gap)
	}

	result := models.PaymentResult{
		TransactionID: outcome.ReceiptNumber,
		Status:        "Success",
		UpdateTime:    s.now().UTC().Format(time.RFC3339),
	}
	if _, applied, err := s.confirmer.ConfirmPayment(ctx, attempt.OrderID, result); err != nil {
		metrics.RecordCallback("error")
		return fmt.Errorf("failed to confirm payment for order %s: %w", attempt.OrderID, err)
	} else if !applied {
		metrics.RecordCallback("duplicate")
		return nil
	}
	metrics.RecordCallback("paid")
	slog.Info("Payment successful", "order_id", attempt.OrderID, "receipt", result.TransactionID)
	return nil
}

// ConfirmPush settles an accepted push that will never produce a callback. The attempt is
// completed first, then the order is paid, in the same order ProcessCallback uses.
func (s *PaymentService) ConfirmPush(ctx context.Context, orderID, checkoutRequestID string, result models.PaymentResult) error {
	completed, err := s.attempts.Complete(ctx, checkoutRequestID, models.AttemptOutcome{
		Status:        models.AttemptSucceeded,
		ResultCode:    0,
		ResultDesc:    "The service request is processed successfully.",
		ReceiptNumber: result.TransactionID,
	})
	if err != nil {
		return fmt.Errorf("failed to complete payment attempt %s: %w", checkoutRequestID, err)
	}
	if !completed {
		slog.Warn("No pending payment attempt to complete", "order_id", orderID, "checkout_request_id", checkoutRequestID)
	}

	if _, applied, err := s.confirmer.ConfirmPayment(ctx, orderID, result); err != nil {
		return fmt.Errorf("failed to confirm payment for order %s: %w", orderID, err)
	} else if !applied {
		slog.Info("Order already paid, confirmation ignored", "order_id", orderID, "checkout_request_id", checkoutRequestID)
	}
	return nil
}

// CheckProvider runs the provider's connection test. Admin only.
func (s *PaymentService) CheckProvider(ctx context.Context, requester Requester) (*payments.CheckResult, error) {
	if !requester.IsAdmin {
		return nil, fmt.Errorf("%w: admin access required", apperrors.ErrForbidden)
	}
	return s.provider.Check(ctx)
}

// ListAttempts returns the payment attempts of an order visible to the requester.
func (s *PaymentService) ListAttempts(ctx context.Context, orderID string, requester Requester) ([]models.PaymentAttempt, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	if !requester.IsAdmin && order.UserID != requester.UserID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", apperrors.ErrForbidden, orderID)
	}
	attempts, err := s.attempts.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment attempts for order %s: %w", orderID, err)
	}
	return attempts, nil
}

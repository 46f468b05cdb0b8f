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

// MockPaymentAttemptRepository is an in-memory implementation of PaymentAttemptRepository.
type MockPaymentAttemptRepository struct {
	attempts map[string]models.PaymentAttempt // keyed by CheckoutRequestID
	mu       sync.RWMutex
}

// NewMockPaymentAttemptRepository creates a new instance of MockPaymentAttemptRepository.
func NewMockPaymentAttemptRepository() *MockPaymentAttemptRepository {
	return &MockPaymentAttemptRepository{
		attempts: make(map[string]models.PaymentAttempt),
	}
}

func (r *MockPaymentAttemptRepository) Create(_ context.Context, attempt *models.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.attempts[attempt.CheckoutRequestID]; exists {
		return fmt.Errorf("payment attempt %s already exists", attempt.CheckoutRequestID)
	}
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.Status == "" {
		attempt.Status = models.AttemptPending
	}
	now := time.Now()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	r.attempts[attempt.CheckoutRequestID] = *attempt
	return nil
}

func (r *MockPaymentAttemptRepository) GetByCheckoutRequestID(_ context.Context, checkoutRequestID string) (*models.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempt, ok := r.attempts[checkoutRequestID]
	if !ok {
		return nil, fmt.Errorf("payment attempt %s: %w", checkoutRequestID, apperrors.ErrNotFound)
	}
	return &attempt, nil
}

func (r *MockPaymentAttemptRepository) Complete(_ context.Context, checkoutRequestID string, outcome models.AttemptOutcome) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt, ok := r.attempts[checkoutRequestID]
	if !ok || attempt.Status != models.AttemptPending {
		return false, nil
	}
	code := outcome.ResultCode
	attempt.Status = outcome.Status
	attempt.ResultCode = &code
	attempt.ResultDesc = outcome.ResultDesc
	attempt.ReceiptNumber = outcome.ReceiptNumber
	attempt.UpdatedAt = time.Now()
	r.attempts[checkoutRequestID] = attempt
	return true, nil
}

func (r *MockPaymentAttemptRepository) ListByOrder(_ context.Context, orderID string) ([]models.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var attempts []models.PaymentAttempt
	for _, attempt := range r.attempts {
		if attempt.OrderID == orderID {
			attempts = append(attempts, attempt)
		}
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].CreatedAt.After(attempts[j].CreatedAt)
	})
	return attempts, nil
}

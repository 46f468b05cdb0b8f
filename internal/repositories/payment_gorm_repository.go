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

// GORMPaymentAttemptRepository is a GORM implementation of PaymentAttemptRepository.
type GORMPaymentAttemptRepository struct {
	db *gorm.DB
}

// NewGORMPaymentAttemptRepository creates a new instance of GORMPaymentAttemptRepository.
func NewGORMPaymentAttemptRepository(db *gorm.DB) *GORMPaymentAttemptRepository {
	return &GORMPaymentAttemptRepository{db: db}
}

func (r *GORMPaymentAttemptRepository) Create(ctx context.Context, attempt *models.PaymentAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.Status == "" {
		attempt.Status = models.AttemptPending
	}
	if err := r.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to create payment attempt: %w", err)
	}
	return nil
}

func (r *GORMPaymentAttemptRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).First(&attempt, "checkout_request_id = ?", checkoutRequestID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payment attempt %s: %w", checkoutRequestID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get payment attempt %s: %w", checkoutRequestID, err)
	}
	return &attempt, nil
}

func (r *GORMPaymentAttemptRepository) Complete(ctx context.Context, checkoutRequestID string, outcome models.AttemptOutcome) (bool, error) {
	code := outcome.ResultCode
	res := r.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
		Where("checkout_request_id = ? AND status = ?", checkoutRequestID, models.AttemptPending).
		Updates(map[string]interface{}{
			"status":         outcome.Status,
			"result_code":    &code,
			"result_desc":    outcome.ResultDesc,
			"receipt_number": outcome.ReceiptNumber,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to complete payment attempt %s: %w", checkoutRequestID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *GORMPaymentAttemptRepository) ListByOrder(ctx context.Context, orderID string) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list payment attempts for order %s: %w", orderID, err)
	}
	return attempts, nil
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rehoboth/internal/metrics"
	"rehoboth/internal/models"
	"rehoboth/internal/repositories"
)

// CleanupSummary reports one cleanup run.
type CleanupSummary struct {
	CustomerCancelled int64     `json:"customerCancelled"`
	AdminCancelled    int64     `json:"adminCancelled"`
	RanAt             time.Time `json:"ranAt"`
}

// Total is the number of orders soft deleted by the run.
func (s CleanupSummary) Total() int64 { return s.CustomerCancelled + s.AdminCancelled }

// CleanupService soft deletes cancelled orders once they leave every listing.
type CleanupService struct {
	orderRepo repositories.OrderRepository
	now       func() time.Time
}

// NewCleanupService creates a new CleanupService. A nil clock means time.Now.
func NewCleanupService(orderRepo repositories.OrderRepository, now func() time.Time) *CleanupService {
	if now == nil {
		now = time.Now
	}
	return &CleanupService{orderRepo: orderRepo, now: now}
}

// Run soft deletes customer-cancelled orders older than CustomerCancelledRetention and
// admin-cancelled orders older than AdminCancelledRetention. Running it again is a no-op.
func (s *CleanupService) Run(ctx context.Context) (CleanupSummary, error) {
	now := s.now().UTC()
	summary := CleanupSummary{RanAt: now}

	customer, err := s.orderRepo.SoftDeleteCancelled(ctx, models.CancelledByCustomer, now.Add(-CustomerCancelledRetention), now)
	if err != nil {
		return summary, fmt.Errorf("cleanup of customer-cancelled orders failed: %w", err)
	}
	summary.CustomerCancelled = customer
	metrics.RecordCleanup(string(models.CancelledByCustomer), customer)

	admin, err := s.orderRepo.SoftDeleteCancelled(ctx, models.CancelledByAdmin, now.Add(-AdminCancelledRetention), now)
	if err != nil {
		return summary, fmt.Errorf("cleanup of admin-cancelled orders failed: %w", err)
	}
	summary.AdminCancelled = admin
	metrics.RecordCleanup(string(models.CancelledByAdmin), admin)

	if summary.Total() > 0 {
		slog.Info("Cancelled orders cleaned up", "customer_cancelled", customer, "admin_cancelled", admin)
	}
	return summary, nil
}

// Start runs the cleanup immediately and then every interval until ctx is done.
// A non-positive interval disables the schedule. The returned channel closes when the loop exits.
func (s *CleanupService) Start(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		slog.Info("Scheduled cleanup disabled")
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.runLogged(ctx)
		for {
			select {
			case <-ctx.Done():
				slog.Info("Cleanup scheduler stopped")
				return
			case <-ticker.C:
				s.runLogged(ctx)
			}
		}
	}()
	slog.Info("Cleanup scheduler started", "interval", interval)
	return done
}

func (s *CleanupService) runLogged(ctx context.Context) {
	if _, err := s.Run(ctx); err != nil {
		slog.Error("Cleanup job failed", "error", err)
	}
}

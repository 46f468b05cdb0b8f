package payments

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"rehoboth/internal/apperrors"
	"rehoboth/internal/models"

	"github.com/google/uuid"
)

// SimulatedOptions tunes the simulated provider.
type SimulatedOptions struct {
	SuccessRate  float64       // probability a push is accepted
	ConfirmDelay time.Duration // time between an accepted push and the automatic confirmation
	// Rand returns values in [0,1). Defaults to a time-seeded source.
	Rand func() float64
	Now  func() time.Time
}

// SimulatedProvider stands in for the real provider during development. It never calls out;
// accepted pushes are settled directly through the Confirmer after ConfirmDelay, without a callback.
type SimulatedProvider struct {
	confirmer Confirmer
	opts      SimulatedOptions

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewSimulatedProvider creates a simulated provider.
func NewSimulatedProvider(confirmer Confirmer, opts SimulatedOptions) *SimulatedProvider {
	if opts.Rand == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var rngMu sync.Mutex
		opts.Rand = func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SimulatedProvider{
		confirmer: confirmer,
		opts:      opts,
		pending:   make(map[*time.Timer]struct{}),
	}
}

func (p *SimulatedProvider) Name() string { return "mpesa-simulated" }

func (p *SimulatedProvider) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slog.Info("Simulated push payment", "phone", req.Phone, "amount", req.Amount, "order_id", req.OrderID)

	if p.opts.Rand() >= p.opts.SuccessRate {
		result := &PushResult{
			ResponseCode:        "1",
			ResponseDescription: "Mock payment failed - simulated error",
			CustomerMessage:     "Mock payment failed",
		}
		return result, &apperrors.ExternalServiceError{
			Service: p.Name(),
			Message: result.ResponseDescription,
			Code:    result.ResponseCode,
			Err:     apperrors.ErrPushRejected,
		}
	}

	id := uuid.New().String()
	result := &PushResult{
		MerchantRequestID:   "mock-merchant-" + id,
		CheckoutRequestID:   "mock-checkout-" + id,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing (MOCK MODE)",
	}
	if err := p.schedule(req.OrderID, result.CheckoutRequestID); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *SimulatedProvider) schedule(orderID, checkoutRequestID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("simulated provider is closed")
	}

	p.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(p.opts.ConfirmDelay, func() {
		defer p.wg.Done()
		p.mu.Lock()
		delete(p.pending, timer)
		p.mu.Unlock()
		p.confirm(orderID, checkoutRequestID)
	})
	p.pending[timer] = struct{}{}
	return nil
}

func (p *SimulatedProvider) confirm(orderID, checkoutRequestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := p.opts.Now()
	result := models.PaymentResult{
		TransactionID: fmt.Sprintf("MOCK%d", now.UnixMilli()),
		Status:        "Success",
		UpdateTime:    now.UTC().Format(time.RFC3339),
	}
	if err := p.confirmer.ConfirmPush(ctx, orderID, checkoutRequestID, result); err != nil {
		slog.Error("Mock payment update error", "order_id", orderID, "checkout_request_id", checkoutRequestID, "error", err)
		return
	}
	slog.Info("Mock payment completed", "order_id", orderID, "transaction_id", result.TransactionID)
}

func (p *SimulatedProvider) Check(context.Context) (*CheckResult, error) {
	return &CheckResult{
		Environment:    "simulated",
		Message:        "Mock payment mode - no real API calls",
		Note:           fmt.Sprintf("Payments will be auto-approved after %s", p.opts.ConfirmDelay),
		TokenGenerated: false,
	}, nil
}

// Wait blocks until every scheduled confirmation has run or been cancelled.
func (p *SimulatedProvider) Wait() {
	p.wg.Wait()
}

// Close cancels confirmations that have not fired yet and rejects new pushes.
func (p *SimulatedProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	for timer := range p.pending {
		if timer.Stop() {
			p.wg.Done()
		}
		delete(p.pending, timer)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

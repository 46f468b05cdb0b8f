// Package payments adapts internal payment requests to the M-Pesa push-payment (STK push) API.
//
// The operating mode is chosen once, when NewProvider builds the Provider strategy. Callers only
// ever see the Provider interface.
package payments

import (
	"context"
	"fmt"

	"rehoboth/internal/config"
	"rehoboth/internal/models"
)

// PushRequest asks the provider to prompt a phone for payment of an order.
type PushRequest struct {
	Phone   string // normalized, 254XXXXXXXXX
	Amount  int64  // whole shillings
	OrderID string
}

// PushResult mirrors the provider's synchronous answer to a push request.
type PushResult struct {
	MerchantRequestID   string `json:"MerchantRequestID,omitempty"`
	CheckoutRequestID   string `json:"CheckoutRequestID,omitempty"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage,omitempty"`
}

// Accepted reports whether the provider accepted the request for processing.
func (r *PushResult) Accepted() bool {
	return r != nil && r.ResponseCode == "0"
}

// CheckResult is returned by a provider connection test.
type CheckResult struct {
	Environment    string `json:"environment"`
	BaseURL        string `json:"baseUrl,omitempty"`
	Message        string `json:"message"`
	Note           string `json:"note,omitempty"`
	TokenGenerated bool   `json:"tokenGenerated"`
	Shortcode      string `json:"shortcode,omitempty"`
	CallbackURL    string `json:"callbackUrl,omitempty"`
}

// Provider is the push-payment capability the rest of the service depends on.
type Provider interface {
	Name() string
	// Push submits a payment prompt. A non-zero provider response code is returned together with
	// an error wrapping apperrors.ErrPushRejected.
	Push(ctx context.Context, req PushRequest) (*PushResult, error)
	// Check verifies that the provider can be reached with the configured credentials.
	Check(ctx context.Context) (*CheckResult, error)
}

// Confirmer settles an accepted push that no callback will report: it completes the attempt
// identified by checkoutRequestID and marks the order paid. It must be idempotent.
type Confirmer interface {
	ConfirmPush(ctx context.Context, orderID, checkoutRequestID string, result models.PaymentResult) error
}

// NewProvider builds the provider strategy for the configured mode.
func NewProvider(cfg config.MpesaConfig, confirmer Confirmer) (Provider, error) {
	switch cfg.Env {
	case config.ModeSimulated:
		return NewSimulatedProvider(confirmer, SimulatedOptions{
			SuccessRate:  cfg.SimSuccessRate,
			ConfirmDelay: cfg.SimConfirmWait,
		}), nil
	case config.ModeSandbox, config.ModeLive:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = SandboxBaseURL
			if cfg.Env == config.ModeLive {
				baseURL = LiveBaseURL
			}
		}
		return NewDarajaProvider(DarajaConfig{
			Environment:    cfg.Env,
			BaseURL:        baseURL,
			ConsumerKey:    cfg.ConsumerKey,
			ConsumerSecret: cfg.ConsumerSecret,
			Shortcode:      cfg.Shortcode,
			Passkey:        cfg.Passkey,
			CallbackURL:    cfg.CallbackURL,
			Timeout:        cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown payment mode %q", cfg.Env)
	}
}

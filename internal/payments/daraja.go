package payments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"rehoboth/internal/apperrors"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

const (
	SandboxBaseURL = "https://sandbox.safaricom.co.ke"
	LiveBaseURL    = "https://api.safaricom.co.ke"

	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"

	timestampLayout = "20060102150405"
	defaultTimeout  = 30 * time.Second
)

// User facing messages for provider failures.
const (
	msgCannotConnect      = "Cannot connect to M-Pesa. Please try again later."
	msgServiceUnavailable = "M-Pesa service unavailable. Check your internet connection."
	msgInvalidCredentials = "Invalid M-Pesa credentials. Please contact support."
	msgInitiationFailed   = "Payment initiation failed"
)

// DarajaConfig configures the Daraja (sandbox or live) provider.
type DarajaConfig struct {
	Environment    string
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// DarajaProvider talks to the Safaricom Daraja API. A fresh access token is fetched for every push.
type DarajaProvider struct {
	cfg DarajaConfig
	now func() time.Time
}

// NewDarajaProvider creates a provider for the sandbox or live Daraja API.
func NewDarajaProvider(cfg DarajaConfig) *DarajaProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &DarajaProvider{cfg: cfg, now: time.Now}
}

// WithClock replaces the clock used for request timestamps.
func (p *DarajaProvider) WithClock(now func() time.Time) *DarajaProvider {
	p.now = now
	return p
}

func (p *DarajaProvider) Name() string { return "mpesa-" + p.cfg.Environment }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// stkPushRequest is the signed body of a push request.
type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// providerError is the error body Daraja returns with non-2xx statuses.
type providerError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Password returns base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

func (p *DarajaProvider) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timestamp := p.now().UTC().Format(timestampLayout)
	body := stkPushRequest{
		BusinessShortCode: p.cfg.Shortcode,
		Password:          Password(p.cfg.Shortcode, p.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount,
		PartyA:            req.Phone,
		PartyB:            p.cfg.Shortcode,
		PhoneNumber:       req.Phone,
		CallBackURL:       p.cfg.CallbackURL,
		AccountReference:  "Order-" + req.OrderID,
		TransactionDesc:   "Payment for Order " + req.OrderID,
	}

	agent := fiber.Post(p.cfg.BaseURL + pushPath)
	agent.Set(fiber.HeaderAuthorization, "Bearer "+token)
	agent.JSON(body)
	agent.Timeout(p.cfg.Timeout)

	status, respBody, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, p.transportError(errs[0])
	}
	if status < 200 || status > 299 {
		return nil, p.httpError(status, respBody)
	}

	var result PushResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &apperrors.ExternalServiceError{
			Service:    p.Name(),
			Message:    msgInitiationFailed,
			StatusCode: status,
			Err:        fmt.Errorf("failed to decode push response: %w", err),
		}
	}

	if !result.Accepted() {
		slog.Warn("M-Pesa rejected push request", "order_id", req.OrderID, "code", result.ResponseCode, "description", result.ResponseDescription)
		message := result.ResponseDescription
		if message == "" {
			message = "M-Pesa request failed"
		}
		return &result, &apperrors.ExternalServiceError{
			Service:    p.Name(),
			Message:    message,
			Code:       result.ResponseCode,
			StatusCode: status,
			Err:        apperrors.ErrPushRejected,
		}
	}
	return &result, nil
}

func (p *DarajaProvider) Check(ctx context.Context) (*CheckResult, error) {
	if _, err := p.token(ctx); err != nil {
		return nil, err
	}
	return &CheckResult{
		Environment:    p.cfg.Environment,
		BaseURL:        p.cfg.BaseURL,
		Message:        "M-Pesa credentials are valid",
		TokenGenerated: true,
		Shortcode:      p.cfg.Shortcode,
		CallbackURL:    p.cfg.CallbackURL,
	}, nil
}

// token obtains a short-lived OAuth access token. Tokens are not cached between calls.
func (p *DarajaProvider) token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	agent := fiber.Get(p.cfg.BaseURL + tokenPath)
	agent.BasicAuth(p.cfg.ConsumerKey, p.cfg.ConsumerSecret)
	agent.Timeout(p.cfg.Timeout)

	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return "", p.transportError(errs[0])
	}
	if status < 200 || status > 299 {
		return "", p.httpError(status, body)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		if err == nil {
			err = errors.New("empty access token")
		}
		return "", &apperrors.ExternalServiceError{
			Service:    p.Name(),
			Message:    msgInvalidCredentials,
			StatusCode: status,
			Err:        fmt.Errorf("failed to decode token response: %w", err),
		}
	}
	return tok.AccessToken, nil
}

// transportError classifies network-level failures. Refused connections and timeouts are
// retryable; a host that does not resolve is not.
func (p *DarajaProvider) transportError(err error) error {
	ext := &apperrors.ExternalServiceError{Service: p.Name(), Message: msgInitiationFailed, Err: err}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		ext.Message = msgServiceUnavailable
		ext.Retryable = dnsErr.IsTemporary || dnsErr.IsTimeout
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, fasthttp.ErrTimeout),
		errors.Is(err, fasthttp.ErrDialTimeout),
		errors.Is(err, fasthttp.ErrConnectionClosed):
		ext.Message = msgCannotConnect
		ext.Retryable = true
	case errors.As(err, &netErr) && netErr.Timeout():
		ext.Message = msgCannotConnect
		ext.Retryable = true
	}
	slog.Error("M-Pesa request failed", "provider", p.Name(), "retryable", ext.Retryable, "error", err)
	return ext
}

// httpError classifies non-2xx answers from the provider.
func (p *DarajaProvider) httpError(status int, body []byte) error {
	var perr providerError
	_ = json.Unmarshal(body, &perr)

	ext := &apperrors.ExternalServiceError{
		Service:    p.Name(),
		Message:    msgInitiationFailed,
		Code:       perr.ErrorCode,
		StatusCode: status,
		Err:        fmt.Errorf("provider returned HTTP %d: %s", status, strings.TrimSpace(string(body))),
	}
	switch {
	case status == fiber.StatusUnauthorized || status == fiber.StatusForbidden,
		strings.HasPrefix(perr.ErrorCode, "401"), strings.HasPrefix(perr.ErrorCode, "403"):
		ext.Message = msgInvalidCredentials
	case perr.ErrorMessage != "":
		ext.Message = perr.ErrorMessage
		ext.Retryable = status >= 500
	case status >= 500:
		ext.Message = msgCannotConnect
		ext.Retryable = true
	}
	slog.Error("M-Pesa returned an error", "provider", p.Name(), "status", status, "code", perr.ErrorCode, "retryable", ext.Retryable)
	return ext
}

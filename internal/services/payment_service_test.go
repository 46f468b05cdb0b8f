package services_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"rehoboth/internal/apperrors"
	"rehoboth/internal/models"
	"rehoboth/internal/payments"
	"rehoboth/internal/repositories"
	"rehoboth/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProvider is a mock implementation of payments.Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Name() string { return "mpesa-test" }

func (m *MockProvider) Push(ctx context.Context, req payments.PushRequest) (*payments.PushResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.PushResult), args.Error(1)
}

func (m *MockProvider) Check(ctx context.Context) (*payments.CheckResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.CheckResult), args.Error(1)
}

// MockDispatcher is a mock implementation of services.CallbackDispatcher
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) DispatchCallback(body []byte) error {
	return m.Called(body).Error(0)
}

type paymentFixture struct {
	orders   *services.OrderService
	payments *services.PaymentService
	provider *MockProvider
	attempts *repositories.MockPaymentAttemptRepository
	order    *models.Order
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	orderRepo := repositories.NewMockOrderRepository()
	attempts := repositories.NewMockPaymentAttemptRepository()
	orders := services.NewOrderService(orderRepo, services.WithClock(newTestClock().Now))
	provider := new(MockProvider)

	order, err := orders.CreateOrder(context.Background(), sampleInput(), customer.UserID)
	require.NoError(t, err)

	return &paymentFixture{
		orders:   orders,
		payments: services.NewPaymentService(provider, orderRepo, attempts, orders),
		provider: provider,
		attempts: attempts,
		order:    order,
	}
}

func accepted(checkoutID string) *payments.PushResult {
	return &payments.PushResult{
		MerchantRequestID:   "m-" + checkoutID,
		CheckoutRequestID:   checkoutID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
	}
}

func callbackBody(checkoutID string, resultCode int, receipt string) []byte {
	if resultCode != 0 {
		return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":"Request cancelled by user"}}}`, checkoutID, resultCode))
	}
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":700},{"Name":"MpesaReceiptNumber","Value":%q},{"Name":"PhoneNumber","Value":254712345678}]}}}}`, checkoutID, receipt))
}

func TestPaymentService_InitiatePayment(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.provider.On("Push", mock.Anything, payments.PushRequest{Phone: "254712345678", Amount: 700, OrderID: f.order.ID}).
		Return(accepted("ws_1"), nil).Once()

	res, err := f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "0712345678", Amount: 700, OrderID: f.order.ID}, customer)
	require.NoError(t, err)
	assert.Equal(t, "ws_1", res.CheckoutRequestID)
	f.provider.AssertExpectations(t)

	attempt, err := f.attempts.GetByCheckoutRequestID(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, f.order.ID, attempt.OrderID)
	assert.Equal(t, models.AttemptPending, attempt.Status)
	assert.Equal(t, int64(700), attempt.Amount)

	order, err := f.orders.GetOrder(ctx, f.order.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, "ws_1", order.CheckoutRequestID)
}

func TestPaymentService_InitiatePaymentValidation(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)

	_, err := f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "07123", Amount: 700, OrderID: f.order.ID}, customer)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidPhone))

	_, err = f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "0712345678", Amount: 0, OrderID: f.order.ID}, customer)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "0712345678", Amount: 700, OrderID: "missing"}, customer)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "0712345678", Amount: 700, OrderID: f.order.ID}, stranger)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))

	_, _, err = f.orders.ConfirmPayment(ctx, f.order.ID, models.PaymentResult{TransactionID: "R1", Status: "Success"})
	require.NoError(t, err)
	_, err = f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "0712345678", Amount: 700, OrderID: f.order.ID}, customer)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyPaid))

	f.provider.AssertNotCalled(t, "Push", mock.Anything, mock.Anything)
}

func TestPaymentService_InitiatePaymentProviderFailure(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	providerErr := &apperrors.ExternalServiceError{Service: "mpesa-test", Message: "Cannot connect to M-Pesa. Please try again later.", Retryable: true}
	f.provider.On("Push", mock.Anything, mock.Anything).Return(nil, providerErr).Once()

	_, err := f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "0712345678", Amount: 700, OrderID: f.order.ID}, customer)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	attempts, err := f.attempts.ListByOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts, "no attempt is recorded for a failed push")
}

func TestPaymentService_SuccessfulCallbackMarksOrderPaid(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.provider.On("Push", mock.Anything, mock.Anything).Return(accepted("ws_1"), nil).Once()
	_, err := f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "0712345678", Amount: 700, OrderID: f.order.ID}, customer)
	require.NoError(t, err)

	ack := f.payments.HandleCallback(ctx, callbackBody("ws_1", 0, "NLJ7RT61SV"))
	assert.Equal(t, payments.CallbackReceived, ack)

	order, err := f.orders.GetOrder(ctx, f.order.ID, customer)
	require.NoError(t, err)
	assert.True(t, order.IsPaid)
	assert.Equal(t, "NLJ7RT61SV", order.PaymentResult.TransactionID)
	assert.Equal(t, "Success", order.PaymentResult.Status)
	require.NotNil(t, order.PaidAt)
	paidAt := *order.PaidAt

	attempt, err := f.attempts.GetByCheckoutRequestID(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSucceeded, attempt.Status)

	// A replayed callback changes nothing.
	ack = f.payments.HandleCallback(ctx, callbackBody("ws_1", 0, "DIFFERENT"))
	assert.Equal(t, payments.CallbackReceived, ack)
	order, err = f.orders.GetOrder(ctx, f.order.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, "NLJ7RT61SV", order.PaymentResult.TransactionID)
	assert.True(t, order.PaidAt.Equal(paidAt))
}

func TestPaymentService_LateCallbackForOlderAttempt(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.provider.On("Push", mock.Anything, mock.Anything).Return(accepted("ws_old"), nil).Once()
	f.provider.On("Push", mock.Anything, mock.Anything).Return(accepted("ws_new"), nil).Once()

	in := services.InitiatePaymentInput{Phone: "0712345678", Amount: 700, OrderID: f.order.ID}
	_, err := f.payments.InitiatePayment(ctx, in, customer)
	require.NoError(t, err)
	_, err = f.payments.InitiatePayment(ctx, in, customer)
	require.NoError(t, err)

	require.NoError(t, f.payments.ProcessCallback(ctx, callbackBody("ws_old", 0, "OLDRECEIPT")))

	order, err := f.orders.GetOrder(ctx, f.order.ID, customer)
	require.NoError(t, err)
	assert.True(t, order.IsPaid)
	assert.Equal(t, "ws_new", order.CheckoutRequestID)
	assert.Equal(t, "OLDRECEIPT", order.PaymentResult.TransactionID)
}

func TestPaymentService_FailedCallbackLeavesOrderUnpaid(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.provider.On("Push", mock.Anything, mock.Anything).Return(accepted("ws_1"), nil).Once()
	_, err := f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "0712345678", Amount: 700, OrderID: f.order.ID}, customer)
	require.NoError(t, err)

	require.NoError(t, f.payments.ProcessCallback(ctx, callbackBody("ws_1", 1032, "")))

	order, err := f.orders.GetOrder(ctx, f.order.ID, customer)
	require.NoError(t, err)
	assert.False(t, order.IsPaid)

	attempt, err := f.attempts.GetByCheckoutRequestID(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptFailed, attempt.Status)
	require.NotNil(t, attempt.ResultCode)
	assert.Equal(t, 1032, *attempt.ResultCode)
}

func TestPaymentService_UnknownAndMalformedCallbacksAreAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)

	err := f.payments.ProcessCallback(ctx, callbackBody("ws_unknown", 0, "R"))
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	err = f.payments.ProcessCallback(ctx, []byte("{"))
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	assert.Equal(t, payments.CallbackReceived, f.payments.HandleCallback(ctx, callbackBody("ws_unknown", 0, "R")))
	assert.Equal(t, payments.CallbackReceived, f.payments.HandleCallback(ctx, []byte("{")))
}

func TestPaymentService_CallbackDispatch(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.provider.On("Push", mock.Anything, mock.Anything).Return(accepted("ws_1"), nil).Once()
	_, err := f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "0712345678", Amount: 700, OrderID: f.order.ID}, customer)
	require.NoError(t, err)

	dispatcher := new(MockDispatcher)
	f.payments.SetDispatcher(dispatcher)
	body := callbackBody("ws_1", 0, "NLJ7RT61SV")

	dispatcher.On("DispatchCallback", body).Return(nil).Once()
	assert.Equal(t, payments.CallbackReceived, f.payments.HandleCallback(ctx, body))
	order, err := f.orders.GetOrder(ctx, f.order.ID, customer)
	require.NoError(t, err)
	assert.False(t, order.IsPaid, "queued callbacks are processed by the consumer")

	dispatcher.On("DispatchCallback", body).Return(errors.New("broker down")).Once()
	assert.Equal(t, payments.CallbackReceived, f.payments.HandleCallback(ctx, body))
	order, err = f.orders.GetOrder(ctx, f.order.ID, customer)
	require.NoError(t, err)
	assert.True(t, order.IsPaid, "falls back to inline processing")
	dispatcher.AssertExpectations(t)
}

func TestPaymentService_SimulatedProviderCompletesAttempt(t *testing.T) {
	ctx := context.Background()
	orderRepo := repositories.NewMockOrderRepository()
	attempts := repositories.NewMockPaymentAttemptRepository()
	orders := services.NewOrderService(orderRepo)
	svc := services.NewPaymentService(nil, orderRepo, attempts, orders)
	provider := payments.NewSimulatedProvider(svc, payments.SimulatedOptions{
		SuccessRate:  1,
		ConfirmDelay: 50 * time.Millisecond,
	})
	defer provider.Close()
	svc.SetProvider(provider)

	order, err := orders.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)
	res, err := svc.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "+254712345678", Amount: 700, OrderID: order.ID}, customer)
	require.NoError(t, err)

	provider.Wait()
	got, err := orders.GetOrder(ctx, order.ID, customer)
	require.NoError(t, err)
	assert.True(t, got.IsPaid)
	assert.Contains(t, got.PaymentResult.TransactionID, "MOCK")

	attempt, err := attempts.GetByCheckoutRequestID(ctx, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSucceeded, attempt.Status)
	assert.Equal(t, got.PaymentResult.TransactionID, attempt.ReceiptNumber)

	listed, err := svc.ListAttempts(ctx, order.ID, customer)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.AttemptSucceeded, listed[0].Status)
}

func TestPaymentService_ConfirmPushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.provider.On("Push", mock.Anything, mock.Anything).Return(accepted("mock-checkout-1"), nil).Once()
	_, err := f.payments.InitiatePayment(ctx, services.InitiatePaymentInput{Phone: "0712345678", Amount: 700, OrderID: f.order.ID}, customer)
	require.NoError(t, err)

	first := models.PaymentResult{TransactionID: "MOCK1", Status: "Success"}
	require.NoError(t, f.payments.ConfirmPush(ctx, f.order.ID, "mock-checkout-1", first))
	require.NoError(t, f.payments.ConfirmPush(ctx, f.order.ID, "mock-checkout-1", models.PaymentResult{TransactionID: "MOCK2", Status: "Success"}))

	order, err := f.orders.GetOrder(ctx, f.order.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, "MOCK1", order.PaymentResult.TransactionID)
	attempt, err := f.attempts.GetByCheckoutRequestID(ctx, "mock-checkout-1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSucceeded, attempt.Status)
	assert.Equal(t, "MOCK1", attempt.ReceiptNumber)

	// A confirmation that races ahead of the attempt record still pays the order.
	other, err := f.orders.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)
	require.NoError(t, f.payments.ConfirmPush(ctx, other.ID, "mock-checkout-unrecorded", first))
	paid, err := f.orders.GetOrder(ctx, other.ID, customer)
	require.NoError(t, err)
	assert.True(t, paid.IsPaid)
}

func TestPaymentService_CheckProviderAndAttempts(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.provider.On("Check", mock.Anything).Return(&payments.CheckResult{Environment: "sandbox", TokenGenerated: true}, nil).Once()

	_, err := f.payments.CheckProvider(ctx, customer)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))
	res, err := f.payments.CheckProvider(ctx, admin)
	require.NoError(t, err)
	assert.True(t, res.TokenGenerated)

	_, err = f.payments.ListAttempts(ctx, f.order.ID, stranger)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))
	attempts, err := f.payments.ListAttempts(ctx, f.order.ID, customer)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

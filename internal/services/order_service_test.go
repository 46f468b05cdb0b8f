package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rehoboth/internal/apperrors"
	"rehoboth/internal/config"
	"rehoboth/internal/models"
	"rehoboth/internal/repositories"
	"rehoboth/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockPublisher is a mock implementation of services.EventPublisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishJSON(exchange, routingKey string, v interface{}) error {
	args := m.Called(exchange, routingKey, v)
	return args.Error(0)
}

// testClock is a settable clock shared by the services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	customer = services.Requester{UserID: "customer-1"}
	stranger = services.Requester{UserID: "customer-2"}
	admin    = services.Requester{UserID: "admin-1", IsAdmin: true}
)

func sampleInput() services.CreateOrderInput {
	return services.CreateOrderInput{
		Items: []models.OrderItem{
			{Name: "Maize flour", Quantity: 2, Image: "/img/unga.jpg", Price: 180, ProductID: "p-1"},
			{Name: "Cooking oil", Quantity: 1, Image: "/img/oil.jpg", Price: 340, ProductID: "p-2"},
		},
		ShippingAddress: models.ShippingAddress{Name: "Otieno", MpesaPhone: "0712345678", Address: "Kisumu"},
		PaymentMethod:   "M-Pesa",
		TotalPrice:      700,
	}
}

func newOrderService(clock *testClock, opts ...services.OrderOption) (*services.OrderService, *repositories.MockOrderRepository) {
	repo := repositories.NewMockOrderRepository()
	opts = append([]services.OrderOption{services.WithClock(clock.Now)}, opts...)
	return services.NewOrderService(repo, opts...), repo
}

func status(s models.OrderStatus) *models.OrderStatus { return &s }

func text(s string) *string { return &s }

func TestOrderService_CreateOrder(t *testing.T) {
	clock := newTestClock()
	publisher := new(MockPublisher)
	publisher.On("PublishJSON", "orders", services.EventOrderCreated, mock.AnythingOfType("services.OrderEvent")).Return(nil).Once()
	svc, _ := newOrderService(clock, services.WithPublisher(publisher, "orders"))

	order, err := svc.CreateOrder(context.Background(), sampleInput(), customer.UserID)
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, customer.UserID, order.UserID)
	assert.Equal(t, models.StatusPending, order.Status)
	assert.False(t, order.IsPaid)
	assert.False(t, order.IsDelivered)
	assert.False(t, order.IsDeleted)
	assert.Equal(t, 700.0, order.TotalPrice)
	assert.Len(t, order.OrderItems, 2)
	assert.True(t, order.CreatedAt.Equal(clock.Now()))
	publisher.AssertExpectations(t)
}

func TestOrderService_CreateOrderKeepsClientTotal(t *testing.T) {
	svc, _ := newOrderService(newTestClock())
	in := sampleInput()
	in.TotalPrice = 1

	order, err := svc.CreateOrder(context.Background(), in, customer.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, order.TotalPrice)
}

func TestOrderService_CreateOrderRejectsEmptyItems(t *testing.T) {
	svc, repo := newOrderService(newTestClock())

	for _, items := range [][]models.OrderItem{nil, {}} {
		in := sampleInput()
		in.Items = items
		_, err := svc.CreateOrder(context.Background(), in, customer.UserID)
		assert.True(t, errors.Is(err, apperrors.ErrEmptyOrder))
		assert.True(t, errors.Is(err, apperrors.ErrValidation))
	}

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "nothing is persisted")
}

func TestOrderService_SnapshotIsolation(t *testing.T) {
	svc, _ := newOrderService(newTestClock())
	in := sampleInput()
	order, err := svc.CreateOrder(context.Background(), in, customer.UserID)
	require.NoError(t, err)

	in.Items[0].Price = 999
	got, err := svc.GetOrder(context.Background(), order.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, 180.0, got.OrderItems[0].Price)
}

func TestOrderService_GetOrderAccess(t *testing.T) {
	ctx := context.Background()
	svc, _ := newOrderService(newTestClock())
	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)

	_, err = svc.GetOrder(ctx, order.ID, customer)
	assert.NoError(t, err)
	_, err = svc.GetOrder(ctx, order.ID, admin)
	assert.NoError(t, err)
	_, err = svc.GetOrder(ctx, order.ID, stranger)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))
	_, err = svc.GetOrder(ctx, "missing", admin)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestOrderService_CustomerCancellationVisibility(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc, _ := newOrderService(clock)

	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)
	cancelled, err := svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusCancelled)}, customer)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledByCustomer, cancelled.CancelledBy)
	assert.Equal(t, "Order cancelled by customer", cancelled.AdminResponse)
	require.NotNil(t, cancelled.CancelledAt)

	clock.Advance(6 * 24 * time.Hour)
	mine, err := svc.ListOwnOrders(ctx, customer.UserID)
	require.NoError(t, err)
	assert.Len(t, mine, 1, "visible 6 days after cancelling")

	clock.Advance(2 * 24 * time.Hour)
	mine, err = svc.ListOwnOrders(ctx, customer.UserID)
	require.NoError(t, err)
	assert.Empty(t, mine, "hidden 8 days after cancelling")

	all, err := svc.ListAllOrders(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, all, 1, "admins still see customer-cancelled orders")
}

func TestOrderService_AdminCancellationVisibility(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc, _ := newOrderService(clock)

	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)
	cancelled, err := svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusCancelled)}, admin)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledByAdmin, cancelled.CancelledBy)
	assert.Equal(t, "Order cancelled by admin", cancelled.AdminResponse)

	mine, err := svc.ListOwnOrders(ctx, customer.UserID)
	require.NoError(t, err)
	assert.Empty(t, mine, "admin-cancelled orders are hidden from the owner immediately")

	clock.Advance(29 * 24 * time.Hour)
	all, err := svc.ListAllOrders(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	clock.Advance(2 * 24 * time.Hour)
	all, err = svc.ListAllOrders(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = svc.ListAllOrders(ctx, customer)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))
}

func TestOrderService_UpdateStatusPermissions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newOrderService(newTestClock())
	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusShipped)}, customer)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden), "customers may only cancel")

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusShipped), AdminResponse: text("Send it")}, customer)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden), "a response does not widen what customers may set")

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{AdminResponse: text("Where is my order?")}, customer)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden), "customers may not write a response alone")

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusCancelled)}, stranger)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden), "strangers may not cancel")

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status("Lost")}, admin)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidStatus))

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{}, admin)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = svc.UpdateStatus(ctx, "missing", services.UpdateStatusInput{Status: status(models.StatusShipped)}, admin)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestOrderService_CustomerCancelWithText(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc, _ := newOrderService(clock)
	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)

	cancelled, err := svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{
		Status:        status(models.StatusCancelled),
		AdminResponse: text("Ordered the wrong size"),
	}, customer)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, models.CancelledByCustomer, cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancelledAt)
	assert.True(t, cancelled.CancelledAt.Equal(clock.Now()))
	assert.Equal(t, "Ordered the wrong size", cancelled.AdminResponse)
}

// staleOrderRepository lets another writer change an order between the service's read and its write.
type staleOrderRepository struct {
	*repositories.MockOrderRepository
	once        sync.Once
	interleaved func()
}

func (r *staleOrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	order, err := r.MockOrderRepository.GetByID(ctx, id)
	if err == nil {
		r.once.Do(r.interleaved)
	}
	return order, err
}

func TestOrderService_UpdateStatusRejectsStaleRead(t *testing.T) {
	ctx := context.Background()
	repo := &staleOrderRepository{MockOrderRepository: repositories.NewMockOrderRepository()}
	svc := services.NewOrderService(repo, services.WithClock(newTestClock().Now))
	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)

	cancelled := models.StatusCancelled
	repo.interleaved = func() {
		_, err := repo.MockOrderRepository.Update(ctx, order.ID, repositories.OrderUpdate{
			Status:       &cancelled,
			Cancellation: &repositories.Cancellation{By: models.CancelledByCustomer, At: &order.CreatedAt},
		})
		require.NoError(t, err)
	}

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusDelivered)}, admin)
	assert.True(t, errors.Is(err, apperrors.ErrStatusChanged))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition), "answered as a conflict")

	stored, err := repo.MockOrderRepository.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.False(t, stored.IsDelivered, "a cancelled order is never marked delivered")
}

func TestOrderService_DeliveredSetsDeliveryFields(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc, _ := newOrderService(clock)
	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	delivered, err := svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{
		Status:        status(models.StatusDelivered),
		AdminResponse: text("Left at the gate"),
	}, admin)
	require.NoError(t, err)
	assert.True(t, delivered.IsDelivered)
	require.NotNil(t, delivered.DeliveredAt)
	assert.True(t, delivered.DeliveredAt.Equal(clock.Now()))
	assert.Equal(t, "Left at the gate", delivered.AdminResponse)
	assert.Equal(t, models.CancelledByNone, delivered.CancelledBy)
}

func TestOrderService_AdminResponseWithoutStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newOrderService(newTestClock())
	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)

	updated, err := svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{AdminResponse: text("Packing today")}, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, updated.Status)
	assert.Equal(t, "Packing today", updated.AdminResponse)
}

func TestOrderService_StrictGuardRejectsBackwardTransitions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newOrderService(newTestClock())
	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusDelivered)}, admin)
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusPending)}, admin)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusCancelled)}, customer)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition), "delivered orders cannot be cancelled")
}

func TestOrderService_LenientGuardClearsCancellation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newOrderService(newTestClock(), services.WithStatusGuard(config.GuardLenient))
	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusCancelled)}, customer)
	require.NoError(t, err)

	reopened, err := svc.UpdateStatus(ctx, order.ID, services.UpdateStatusInput{Status: status(models.StatusProcessing)}, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, reopened.Status)
	assert.Equal(t, models.CancelledByNone, reopened.CancelledBy, "cancelledBy is set only while cancelled")
	assert.Nil(t, reopened.CancelledAt)
}

func TestOrderService_ConfirmPaymentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	publisher := new(MockPublisher)
	publisher.On("PublishJSON", "orders", services.EventOrderCreated, mock.Anything).Return(nil)
	publisher.On("PublishJSON", "orders", services.EventOrderPaid, mock.Anything).Return(nil).Once()
	svc, _ := newOrderService(newTestClock(), services.WithPublisher(publisher, "orders"))

	order, err := svc.CreateOrder(ctx, sampleInput(), customer.UserID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	appliedCount := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, applied, err := svc.ConfirmPayment(ctx, order.ID, models.PaymentResult{TransactionID: "NLJ7RT61SV", Status: "Success"})
			assert.NoError(t, err)
			assert.True(t, got.IsPaid)
			if applied {
				mu.Lock()
				appliedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, appliedCount)
	publisher.AssertExpectations(t)

	got, err := svc.GetOrder(ctx, order.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, "NLJ7RT61SV", got.PaymentResult.TransactionID)

	_, _, err = svc.ConfirmPayment(ctx, "missing", models.PaymentResult{TransactionID: "X"})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestOrderService_PublishFailureDoesNotFailOperation(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))
	svc, _ := newOrderService(newTestClock(), services.WithPublisher(publisher, "orders"))

	_, err := svc.CreateOrder(context.Background(), sampleInput(), customer.UserID)
	assert.NoError(t, err)
}

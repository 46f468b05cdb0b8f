package handlers

import (
	"log/slog"

	"rehoboth/internal/apperrors"
	"rehoboth/internal/middleware"
	"rehoboth/internal/models"
	"rehoboth/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// OrderHandler handles HTTP requests for orders.
type OrderHandler struct {
	service  *services.OrderService
	cleanup  *services.CleanupService
	validate *validator.Validate
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(service *services.OrderService, cleanup *services.CleanupService) *OrderHandler {
	return &OrderHandler{
		service:  service,
		cleanup:  cleanup,
		validate: validator.New(),
	}
}

// RegisterRoutes registers the order routes. router must already authenticate requests.
func (h *OrderHandler) RegisterRoutes(router fiber.Router) {
	orderRoutes := router.Group("/orders")
	orderRoutes.Post("/", h.HandleCreateOrder)
	orderRoutes.Get("/", middleware.AdminRequired(), h.HandleGetOrders)
	orderRoutes.Get("/myorders", h.HandleGetMyOrders)
	orderRoutes.Post("/admin/cleanup", middleware.AdminRequired(), h.HandleCleanup)
	orderRoutes.Get("/:id", h.HandleGetOrderByID)
	orderRoutes.Put("/:id/status", h.HandleUpdateOrderStatus)
	orderRoutes.Put("/:id/pay", middleware.AdminRequired(), h.HandleMarkPaid)
}

type createOrderRequest struct {
	OrderItems      []models.OrderItem     `json:"orderItems" validate:"dive"`
	ShippingAddress models.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	TotalPrice      float64                `json:"totalPrice" validate:"gte=0"`
}

// HandleCreateOrder creates a new order for the authenticated user.
func (h *OrderHandler) HandleCreateOrder(c *fiber.Ctx) error {
	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	order, err := h.service.CreateOrder(c.UserContext(), services.CreateOrderInput{
		Items:           req.OrderItems,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		TotalPrice:      req.TotalPrice,
	}, middleware.CurrentRequester(c).UserID)
	if err != nil {
		return respondError(c, "create order", err)
	}
	return c.Status(fiber.StatusCreated).JSON(order)
}

// HandleGetOrders lists every visible order. Admin only.
func (h *OrderHandler) HandleGetOrders(c *fiber.Ctx) error {
	orders, err := h.service.ListAllOrders(c.UserContext(), middleware.CurrentRequester(c))
	if err != nil {
		return respondError(c, "retrieve orders", err)
	}
	return c.JSON(orders)
}

// HandleGetMyOrders lists the authenticated user's visible orders.
func (h *OrderHandler) HandleGetMyOrders(c *fiber.Ctx) error {
	orders, err := h.service.ListOwnOrders(c.UserContext(), middleware.CurrentRequester(c).UserID)
	if err != nil {
		return respondError(c, "retrieve orders", err)
	}
	return c.JSON(orders)
}

// HandleGetOrderByID retrieves a single order by its ID.
func (h *OrderHandler) HandleGetOrderByID(c *fiber.Ctx) error {
	order, err := h.service.GetOrder(c.UserContext(), c.Params("id"), middleware.CurrentRequester(c))
	if err != nil {
		return respondError(c, "retrieve order", err)
	}
	return c.JSON(order)
}

type updateStatusRequest struct {
	Status        *models.OrderStatus `json:"status"`
	AdminResponse *string             `json:"adminResponse" validate:"omitempty,max=1000"`
}

// HandleUpdateOrderStatus updates the status and/or admin response of an order.
func (h *OrderHandler) HandleUpdateOrderStatus(c *fiber.Ctx) error {
	var req updateStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body for status update",
			"error":   err.Error(),
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	order, err := h.service.UpdateStatus(c.UserContext(), c.Params("id"), services.UpdateStatusInput{
		Status:        req.Status,
		AdminResponse: req.AdminResponse,
	}, middleware.CurrentRequester(c))
	if err != nil {
		return respondError(c, "update order status", err)
	}
	return c.JSON(order)
}

type markPaidRequest struct {
	TransactionID string `json:"transactionId" validate:"required"`
	Status        string `json:"status"`
	UpdateTime    string `json:"updateTime"`
}

// HandleMarkPaid records a payment confirmed outside the provider callback. Admin only.
func (h *OrderHandler) HandleMarkPaid(c *fiber.Ctx) error {
	var req markPaidRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	order, applied, err := h.service.ConfirmPayment(c.UserContext(), c.Params("id"), models.PaymentResult{
		TransactionID: req.TransactionID,
		Status:        req.Status,
		UpdateTime:    req.UpdateTime,
	})
	if err != nil {
		return respondError(c, "mark order paid", err)
	}
	if order == nil {
		return respondError(c, "mark order paid", apperrors.ErrNotFound)
	}
	if !applied {
		slog.Info("Manual payment ignored, order already paid", "order_id", order.ID)
	}
	return c.JSON(order)
}

// HandleCleanup runs the cleanup job on demand. Admin only.
func (h *OrderHandler) HandleCleanup(c *fiber.Ctx) error {
	summary, err := h.cleanup.Run(c.UserContext())
	if err != nil {
		return respondError(c, "clean up orders", err)
	}
	return c.JSON(fiber.Map{
		"message":           "Cleanup completed",
		"customerCancelled": summary.CustomerCancelled,
		"adminCancelled":    summary.AdminCancelled,
		"total":             summary.Total(),
		"ranAt":             summary.RanAt,
	})
}

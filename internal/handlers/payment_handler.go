package handlers

import (
	"rehoboth/internal/middleware"
	"rehoboth/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// PaymentHandler handles the M-Pesa endpoints.
type PaymentHandler struct {
	service  *services.PaymentService
	validate *validator.Validate
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(service *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		service:  service,
		validate: validator.New(),
	}
}

// RegisterPublicRoutes registers the endpoints the provider calls without a token.
func (h *PaymentHandler) RegisterPublicRoutes(router fiber.Router) {
	router.Post("/mpesa/callback", h.HandleCallback)
}

// RegisterRoutes registers the authenticated payment endpoints.
func (h *PaymentHandler) RegisterRoutes(router fiber.Router) {
	router.Post("/mpesa/stkpush", h.HandleSTKPush)
	router.Get("/mpesa/test", middleware.AdminRequired(), h.HandleTestConnection)
	router.Get("/orders/:id/payments", h.HandleListAttempts)
}

type stkPushRequest struct {
	Phone   string  `json:"phone" validate:"required"`
	Amount  float64 `json:"amount" validate:"required,gt=0"`
	OrderID string  `json:"orderId" validate:"required"`
}

// HandleSTKPush initiates a push payment for an order.
func (h *PaymentHandler) HandleSTKPush(c *fiber.Ctx) error {
	var req stkPushRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Phone, amount, and orderId are required",
		})
	}

	result, err := h.service.InitiatePayment(c.UserContext(), services.InitiatePaymentInput{
		Phone:   req.Phone,
		Amount:  req.Amount,
		OrderID: req.OrderID,
	}, middleware.CurrentRequester(c))
	if err != nil {
		return respondError(c, "initiate payment", err)
	}
	return c.JSON(fiber.Map{
		"success":           true,
		"message":           "STK push sent successfully",
		"merchantRequestId": result.MerchantRequestID,
		"checkoutRequestId": result.CheckoutRequestID,
		"responseCode":      result.ResponseCode,
		"customerMessage":   result.CustomerMessage,
	})
}

// HandleCallback receives the asynchronous payment result. The provider always gets a 200.
func (h *PaymentHandler) HandleCallback(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	return c.JSON(h.service.HandleCallback(c.UserContext(), body))
}

// HandleTestConnection checks the provider credentials. Admin only.
func (h *PaymentHandler) HandleTestConnection(c *fiber.Ctx) error {
	result, err := h.service.CheckProvider(c.UserContext(), middleware.CurrentRequester(c))
	if err != nil {
		return respondError(c, "test M-Pesa connection", err)
	}
	return c.JSON(fiber.Map{"success": true, "result": result})
}

// HandleListAttempts lists the push payment attempts made for an order.
func (h *PaymentHandler) HandleListAttempts(c *fiber.Ctx) error {
	attempts, err := h.service.ListAttempts(c.UserContext(), c.Params("id"), middleware.CurrentRequester(c))
	if err != nil {
		return respondError(c, "list payment attempts", err)
	}
	return c.JSON(attempts)
}

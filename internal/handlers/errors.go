package handlers

import (
	"errors"
	"fmt"
	"log/slog"

	"rehoboth/internal/apperrors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// respondError maps service errors onto HTTP statuses.
func respondError(c *fiber.Ctx, action string, err error) error {
	var ext *apperrors.ExternalServiceError
	switch {
	case errors.Is(err, apperrors.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": err.Error()})
	case errors.Is(err, apperrors.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	case errors.Is(err, apperrors.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "Order not found"})
	case errors.Is(err, apperrors.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"message": "Not authorized"})
	case errors.As(err, &ext):
		status := fiber.StatusBadGateway
		switch {
		case ext.Retryable:
			status = fiber.StatusServiceUnavailable
		case errors.Is(err, apperrors.ErrPushRejected):
			status = fiber.StatusBadRequest
		}
		body := fiber.Map{"success": false, "message": ext.Message, "retryable": ext.Retryable}
		if ext.Code != "" {
			body["code"] = ext.Code
		}
		return c.Status(status).JSON(body)
	}

	slog.Error(action+" failed", "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"message": fmt.Sprintf("Could not %s", action),
	})
}

// validationFailed renders validator errors the same way for every handler.
func validationFailed(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}
	errorMessages := make(map[string]string)
	for _, e := range validationErrors {
		errorMessages[e.Namespace()] = fmt.Sprintf("Field '%s' failed on the '%s' tag", e.Field(), e.Tag())
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"message": "Validation failed",
		"errors":  errorMessages,
	})
}

package handlers

import (
	"rehoboth/internal/middleware"
	"rehoboth/internal/repositories"

	"github.com/gofiber/fiber/v2"
)

// AuthHandler exposes the identity resolved from the bearer token.
type AuthHandler struct {
	users repositories.UserRepository
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(users repositories.UserRepository) *AuthHandler {
	return &AuthHandler{users: users}
}

// RegisterRoutes registers the authentication routes. router must already authenticate requests.
func (h *AuthHandler) RegisterRoutes(router fiber.Router) {
	authRoutes := router.Group("/auth")
	authRoutes.Get("/me", h.HandleMe)
}

// HandleMe returns the authenticated user.
func (h *AuthHandler) HandleMe(c *fiber.Ctx) error {
	user, err := h.users.GetByID(c.UserContext(), middleware.CurrentRequester(c).UserID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "User not found"})
	}
	return c.JSON(user)
}

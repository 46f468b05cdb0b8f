package middleware

import (
	"context"
	"log/slog"
	"strings"

	"rehoboth/internal/services"

	"github.com/gofiber/fiber/v2"
)

// RequesterKey is the Locals key the authenticated services.Requester is stored under.
const RequesterKey = "requester"

// Authenticator resolves a bearer token to a requester. *services.AuthService implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (services.Requester, error)
}

// AuthRequired is a Fiber middleware to check for a valid JWT token.
func AuthRequired(auth Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Not authorized, no token",
			})
		}

		// Expected format: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if !(len(parts) == 2 && parts[0] == "Bearer") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Authorization header format must be 'Bearer <token>'",
			})
		}

		requester, err := auth.Authenticate(c.UserContext(), parts[1])
		if err != nil {
			slog.Debug("JWT validation failed", "error", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Not authorized, token failed",
			})
		}

		c.Locals(RequesterKey, requester)
		return c.Next()
	}
}

// AdminRequired rejects requesters without the admin flag. It must run after AuthRequired.
func AdminRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !CurrentRequester(c).IsAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"message": "Not authorized as an admin",
			})
		}
		return c.Next()
	}
}

// CurrentRequester returns the requester stored by AuthRequired, or the zero Requester.
func CurrentRequester(c *fiber.Ctx) services.Requester {
	requester, _ := c.Locals(RequesterKey).(services.Requester)
	return requester
}

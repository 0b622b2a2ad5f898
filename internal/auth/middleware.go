package auth

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/corewire/imcore/internal/httputil"
	"github.com/corewire/imcore/internal/protocol"
)

// RequireAuth returns Fiber middleware that validates a JWT Bearer token from
// the Authorization header and stores the user ID in c.Locals("userID").
func RequireAuth(secret, issuer string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "Invalid authorization format")
		}
		tokenStr := header[len(prefix):]

		claims, err := ValidateAccessToken(tokenStr, secret, issuer)
		if err != nil {
			code := protocol.Unauthorized
			message := "Invalid token"

			if errors.Is(err, jwt.ErrTokenExpired) {
				code = protocol.TokenExpired
				message = "Token has expired"
			}

			return httputil.Fail(c, fiber.StatusUnauthorized, code, message)
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "Invalid token subject")
		}

		c.Locals("userID", userID)
		return c.Next()
	}
}

// UserIDFromContext extracts the authenticated user ID stashed by RequireAuth.
func UserIDFromContext(c fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals("userID").(uuid.UUID)
	return id, ok
}

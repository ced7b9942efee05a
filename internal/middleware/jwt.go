package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/tokenbank/internal/auth"
)

// UserIDKey is the fiber local holding the authenticated caller identity.
const UserIDKey = "user_id"

// JWTAuth validates bearer access tokens and stores the subject as the caller identity.
func JWTAuth(tokens *auth.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := tokens.Verify(c.UserContext(), strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil {
			if errors.Is(err, auth.ErrTokenInvalidated) {
				return fiber.NewError(http.StatusUnauthorized, "token invalidated")
			}
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		c.Locals(UserIDKey, claims.Subject)
		c.Locals("token_version", claims.Version)
		return c.Next()
	}
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/tokenbank/internal/token"
)

// RegisterTokenRoutes wires the caller-side token endpoints. Mint is only routed in development.
func RegisterTokenRoutes(r fiber.Router, h *token.Handler, allowMint bool) {
	r.Get("/token/balance", h.Balance)
	r.Post("/token/approve", h.Approve)
	if allowMint {
		r.Post("/token/mint", h.Mint)
	}
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/tokenbank/internal/identity"
)

// RegisterIdentityRoutes wires public registration.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler) {
	r.Post("/identity/register", h.Register)
}

// RegisterProfileRoute wires the authenticated caller's profile.
func RegisterProfileRoute(r fiber.Router, h *identity.Handler) {
	r.Get("/me", h.Me)
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/tokenbank/internal/bank"
)

// RegisterFeeRoutes wires the public fee endpoints.
func RegisterFeeRoutes(r fiber.Router, h *bank.Handler) {
	r.Get("/bank/fee", h.FeeSchedule)
	r.Get("/bank/fee/quote", h.Quote)
}

// RegisterBankRoutes wires the authenticated custodial bank endpoints. idem guards
// every unsafe route when non-nil.
func RegisterBankRoutes(r fiber.Router, h *bank.Handler, idem fiber.Handler) {
	g := r.Group("/bank")
	if idem != nil {
		g.Use(idem)
	}
	g.Post("/customers", h.AddCustomer)
	g.Get("/customers/:customerId/balance", h.Balance)
	g.Post("/customers/:customerId/deposits", h.Deposit)
	g.Post("/customers/:customerId/withdrawals", h.Withdraw)
	g.Put("/fee", h.SetFeeRate)
	g.Get("/reserves", h.Reserves)
	g.Get("/events", h.Events)
}

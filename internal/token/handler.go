package token

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/tokenbank/internal/access"
)

// Handler exposes the caller's side of the external token: balance, the custody
// allowance and, in development, banker minting.
type Handler struct {
	contract  Contract
	custodian string
	access    *access.Control
	allowMint bool
	validate  *validator.Validate
}

// NewHandler builds the token handler. Minting is only routed when allowMint is set.
func NewHandler(contract Contract, custodian string, control *access.Control, allowMint bool) *Handler {
	return &Handler{
		contract:  contract,
		custodian: custodian,
		access:    control,
		allowMint: allowMint,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

type approveRequest struct {
	Amount    uint64 `json:"amount" validate:"required_without=Unlimited"`
	Unlimited bool   `json:"unlimited"`
}

type mintRequest struct {
	Account string `json:"account" validate:"required"`
	Amount  uint64 `json:"amount" validate:"required"`
}

// Balance returns the caller's token balance and the allowance granted to custody.
func (h *Handler) Balance(c *fiber.Ctx) error {
	uid := caller(c)
	balance, err := h.contract.BalanceOf(c.UserContext(), uid)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	allowance, err := h.contract.Allowance(c.UserContext(), uid, h.custodian)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account":           uid,
		"balance":           balance,
		"custodian":         h.custodian,
		"custody_allowance": allowance,
		"unlimited":         allowance == Unlimited,
	})
}

// Approve authorizes the custody to pull up to amount from the caller.
func (h *Handler) Approve(c *fiber.Ctx) error {
	var req approveRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	amount := req.Amount
	if req.Unlimited {
		amount = Unlimited
	}
	if err := h.contract.Approve(c.UserContext(), caller(c), h.custodian, amount); err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"owner":     caller(c),
		"spender":   h.custodian,
		"allowance": amount,
	})
}

// Mint credits tokens to any account. Banker only, development only.
func (h *Handler) Mint(c *fiber.Ctx) error {
	if !h.allowMint {
		return fiber.NewError(http.StatusNotFound, "minting disabled")
	}
	if err := h.access.RequireBanker(caller(c)); err != nil {
		return fiber.NewError(http.StatusForbidden, err.Error())
	}
	var req mintRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	if err := h.contract.Mint(c.UserContext(), req.Account, req.Amount); err != nil {
		return toHTTPError(err)
	}
	balance, err := h.contract.BalanceOf(c.UserContext(), req.Account)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"account": req.Account, "minted": req.Amount, "balance": balance})
}

func (h *Handler) bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(dst); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func caller(c *fiber.Ctx) string {
	uid, _ := c.Locals("user_id").(string)
	return uid
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTransferFailed):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

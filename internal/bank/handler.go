package bank

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/tokenbank/internal/access"
	"github.com/congo-pay/tokenbank/internal/events"
	"github.com/congo-pay/tokenbank/internal/fee"
	"github.com/congo-pay/tokenbank/internal/ledger"
)

// Handler exposes bank HTTP endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a bank handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, validate: validator.New(validator.WithRequiredStructEnabled())}
}

type addCustomerRequest struct {
	CustomerID string `json:"customer_id" validate:"required,max=128"`
}

type amountRequest struct {
	Amount uint64 `json:"amount" validate:"required"`
}

type feeRateRequest struct {
	RateBps *uint32 `json:"rate_bps" validate:"required"`
}

type receiptResponse struct {
	CustomerID string `json:"customer_id"`
	Gross      uint64 `json:"gross"`
	Fee        uint64 `json:"fee"`
	Net        uint64 `json:"net"`
	RateBps    uint32 `json:"rate_bps"`
	Balance    uint64 `json:"balance"`
	EventSeq   uint64 `json:"event_seq"`
}

type scheduleResponse struct {
	RateBps   uint32     `json:"rate_bps"`
	Percent   string     `json:"percent"`
	Version   uint64     `json:"version"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// AddCustomer onboards a customer.
func (h *Handler) AddCustomer(c *fiber.Ctx) error {
	var req addCustomerRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	acct, err := h.service.AddCustomer(c.UserContext(), caller(c), req.CustomerID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"customer_id": acct.Customer,
		"balance":     acct.Balance,
		"created_at":  acct.CreatedAt,
	})
}

// Balance returns the caller's own balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	customer := c.Params("customerId")
	balance, err := h.service.Balance(c.UserContext(), caller(c), customer)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"customer_id": customer,
		"balance":     balance,
		"timestamp":   time.Now().UTC(),
	})
}

// Deposit pulls tokens into custody and credits the caller.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req amountRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	receipt, err := h.service.Deposit(c.UserContext(), caller(c), c.Params("customerId"), req.Amount)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(toReceiptResponse(receipt))
}

// Withdraw debits the caller and pays out the net amount.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req amountRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	receipt, err := h.service.Withdraw(c.UserContext(), caller(c), c.Params("customerId"), req.Amount)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(toReceiptResponse(receipt))
}

// FeeSchedule returns the live fee rate.
func (h *Handler) FeeSchedule(c *fiber.Ctx) error {
	sched, err := h.service.FeeSchedule(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toScheduleResponse(sched))
}

// SetFeeRate replaces the fee rate.
func (h *Handler) SetFeeRate(c *fiber.Ctx) error {
	var req feeRateRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	sched, err := h.service.SetFeeRate(c.UserContext(), caller(c), *req.RateBps)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toScheduleResponse(sched))
}

// Quote prices a withdrawal of ?amount= at the live rate.
func (h *Handler) Quote(c *fiber.Ctx) error {
	gross, err := strconv.ParseUint(c.Query("amount"), 10, 64)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "amount must be a non-negative integer")
	}
	q, err := h.service.CalculateFee(c.UserContext(), gross)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"gross":    q.Gross,
		"fee":      q.Fee,
		"net":      q.Net,
		"rate_bps": q.RateBps,
	})
}

// Reserves reports custody reconciliation.
func (h *Handler) Reserves(c *fiber.Ctx) error {
	r, err := h.service.Reserves(c.UserContext(), caller(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"custodian":         r.Custodian,
		"custody_balance":   r.CustodyBalance,
		"customer_balances": r.CustomerBalances,
		"customers":         r.Customers,
		"collected_fees":    r.CollectedFees,
		"surplus":           r.Surplus,
		"solvent":           r.Solvent,
		"drift":             driftView(r.Drift),
		"checked_at":        r.CheckedAt,
	})
}

func driftView(drift []ledger.Drift) []fiber.Map {
	out := make([]fiber.Map, 0, len(drift))
	for _, d := range drift {
		out = append(out, fiber.Map{
			"id":          d.ID,
			"kind":        d.Kind,
			"customer":    d.Customer,
			"amount":      d.Amount,
			"fee":         d.Fee,
			"reason":      d.Reason,
			"recorded_at": d.RecordedAt,
		})
	}
	return out
}

// Events pages the audit journal using ?after= and ?limit=.
func (h *Handler) Events(c *fiber.Ctx) error {
	var after uint64
	if v := c.Query("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "after must be a sequence number")
		}
		after = parsed
	}
	limit := c.QueryInt("limit", ledger.DefaultEventPage)
	if limit <= 0 || limit > 1000 {
		return fiber.NewError(http.StatusBadRequest, "limit must be between 1 and 1000")
	}

	evs, err := h.service.Events(c.UserContext(), caller(c), after, limit)
	if err != nil {
		return toHTTPError(err)
	}
	next := after
	if len(evs) > 0 {
		next = evs[len(evs)-1].Seq
	}
	return c.Status(http.StatusOK).JSON(struct {
		Events []events.Event `json:"events"`
		Next   uint64         `json:"next"`
	}{Events: evs, Next: next})
}

// caller is the authenticated user id set by the JWT middleware.
func caller(c *fiber.Ctx) string {
	uid, _ := c.Locals("user_id").(string)
	return uid
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

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, access.ErrUnauthorized), errors.Is(err, access.ErrNotCustomer):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrAlreadyOnboarded):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCustomer), errors.Is(err, fee.ErrInvalidRate):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusBadRequest, "insufficient funds")
	case errors.Is(err, ErrTransferFailed):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

func toReceiptResponse(r Receipt) receiptResponse {
	return receiptResponse{
		CustomerID: r.Customer,
		Gross:      r.Gross,
		Fee:        r.Fee,
		Net:        r.Net,
		RateBps:    r.RateBps,
		Balance:    r.Balance,
		EventSeq:   r.EventSeq,
	}
}

func toScheduleResponse(s fee.Schedule) scheduleResponse {
	resp := scheduleResponse{RateBps: s.RateBps, Percent: s.Percent().String(), Version: s.Version}
	if !s.UpdatedAt.IsZero() {
		updated := s.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

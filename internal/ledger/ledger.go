package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/congo-pay/tokenbank/internal/events"
	"github.com/congo-pay/tokenbank/internal/fee"
)

var (
	// ErrInsufficientFunds occurs when a debit exceeds the account's internal balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyOnboarded indicates the customer already holds an account.
	ErrAlreadyOnboarded = errors.New("customer already onboarded")

	// ErrAccountNotFound indicates the identity has no account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrBalanceOverflow indicates a credit would exceed the largest storable balance.
	ErrBalanceOverflow = errors.New("balance overflow")
)

const (
	// PostingDeposit credits a customer for tokens pulled into custody.
	PostingDeposit = "deposit"
	// PostingWithdraw debits a customer for tokens pushed out of custody.
	PostingWithdraw = "withdraw"
)

// Account is a customer's internal balance record.
type Account struct {
	Customer  string
	Balance   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Drift records a token movement that completed while its ledger unit did not
// commit. Kind is the posting kind the unit would have written.
type Drift struct {
	ID         string
	Kind       string
	Customer   string
	Amount     uint64
	Fee        uint64
	Reason     string
	RecordedAt time.Time
}

// Totals summarizes bank-wide bookkeeping. Balances saturates at math.MaxUint64.
type Totals struct {
	Customers     int
	Balances      uint64
	CollectedFees uint64
}

// Tx is the staged view handed to Ledger.Atomic callbacks. Nothing written through a
// Tx is visible to readers until the callback returns nil.
type Tx interface {
	IsCustomer(ctx context.Context, customer string) (bool, error)
	Account(ctx context.Context, customer string) (Account, error)
	CreateAccount(ctx context.Context, customer string) (Account, error)
	Credit(ctx context.Context, customer, kind string, amount uint64) (Account, error)
	Debit(ctx context.Context, customer, kind string, amount uint64) (Account, error)
	AddCollectedFees(ctx context.Context, amount uint64) (uint64, error)
	FeeSchedule(ctx context.Context) (fee.Schedule, error)
	SetFeeRate(ctx context.Context, rateBps uint32) (fee.Schedule, error)
	// Emit appends event to the journal and returns it with its sequence number.
	Emit(ctx context.Context, event events.Event) (events.Event, error)
	RecordDrift(ctx context.Context, drift Drift) (Drift, error)
}

// Ledger defines the contract implemented by ledger backends (e.g. Postgres).
type Ledger interface {
	// Atomic runs fn as a single unit. If fn returns an error every staged change
	// is discarded and the error is returned unchanged.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	Account(ctx context.Context, customer string) (Account, error)
	FeeSchedule(ctx context.Context) (fee.Schedule, error)
	CollectedFees(ctx context.Context) (uint64, error)
	Totals(ctx context.Context) (Totals, error)
	// Events returns up to limit journal events with Seq greater than after.
	Events(ctx context.Context, after uint64, limit int) ([]events.Event, error)
	// Drift lists every recorded drift, oldest first.
	Drift(ctx context.Context) ([]Drift, error)
}

// DefaultEventPage bounds Events when the caller passes a non-positive limit.
const DefaultEventPage = 100

// Package token is the bank's view of the external fungible token. Contract mirrors an
// ERC-20 style token; Custody binds a Contract to the bank's custody identity and is the
// only component that moves customer funds.
package token

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Unlimited is a standing allowance that is never decremented.
const Unlimited uint64 = math.MaxUint64

// MaxAmount is the largest single balance or transfer any backend stores exactly.
const MaxAmount uint64 = math.MaxInt64

var (
	// ErrTransferFailed wraps every failed token movement.
	ErrTransferFailed = errors.New("token transfer failed")

	// ErrInsufficientBalance indicates the source holds fewer tokens than requested.
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrTransferFailed)

	// ErrInsufficientAllowance indicates the owner has not authorized the spender for the amount.
	ErrInsufficientAllowance = fmt.Errorf("%w: insufficient allowance", ErrTransferFailed)

	// ErrInvalidAmount indicates a zero or out-of-range amount.
	ErrInvalidAmount = errors.New("invalid token amount")
)

// Leg is one recipient of a batch transfer.
type Leg struct {
	To     string
	Amount uint64
}

// Contract is the external token ledger.
type Contract interface {
	BalanceOf(ctx context.Context, account string) (uint64, error)
	Allowance(ctx context.Context, owner, spender string) (uint64, error)
	Approve(ctx context.Context, owner, spender string, amount uint64) error
	Mint(ctx context.Context, account string, amount uint64) error
	TransferFrom(ctx context.Context, spender, from, to string, amount uint64) error
	// TransferBatch moves every leg out of from, or none of them.
	TransferBatch(ctx context.Context, from string, legs []Leg) error
}

// Payout is a push out of custody.
type Payout struct {
	To     string
	Amount uint64
}

// Gateway is what the bank needs from the token: custody-side pulls and pushes.
type Gateway interface {
	Custodian() string
	BalanceOf(ctx context.Context, account string) (uint64, error)
	// Pull moves amount from the customer into custody using the custody's allowance.
	Pull(ctx context.Context, from string, amount uint64) error
	// Push pays every payout out of custody, or none of them.
	Push(ctx context.Context, payouts ...Payout) error
}

// Custody adapts a Contract to a Gateway for one custody identity.
type Custody struct {
	contract Contract
	account  string
}

// NewCustody binds contract to the custody identity.
func NewCustody(contract Contract, account string) (*Custody, error) {
	if contract == nil {
		return nil, fmt.Errorf("token contract is required")
	}
	if account == "" {
		return nil, fmt.Errorf("custody account is required")
	}
	return &Custody{contract: contract, account: account}, nil
}

// Custodian returns the custody identity.
func (c *Custody) Custodian() string {
	return c.account
}

// BalanceOf proxies the contract balance query.
func (c *Custody) BalanceOf(ctx context.Context, account string) (uint64, error) {
	return c.contract.BalanceOf(ctx, account)
}

// Pull implements Gateway.
func (c *Custody) Pull(ctx context.Context, from string, amount uint64) error {
	if err := c.contract.TransferFrom(ctx, c.account, from, c.account, amount); err != nil {
		return AsTransferFailure(err)
	}
	return nil
}

// Push implements Gateway. Zero-amount payouts are skipped.
func (c *Custody) Push(ctx context.Context, payouts ...Payout) error {
	legs := make([]Leg, 0, len(payouts))
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		legs = append(legs, Leg{To: p.To, Amount: p.Amount})
	}
	if len(legs) == 0 {
		return nil
	}
	if err := c.contract.TransferBatch(ctx, c.account, legs); err != nil {
		return AsTransferFailure(err)
	}
	return nil
}

// AsTransferFailure wraps err in ErrTransferFailed unless it already is one.
func AsTransferFailure(err error) error {
	if errors.Is(err, ErrTransferFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransferFailed, err)
}

// settle computes the new balances of every account touched by moving legs out of
// from. balances holds the current values; missing accounts read as zero. Nothing is
// returned unless from covers the total and no recipient passes MaxAmount.
func settle(balances map[string]uint64, from string, legs []Leg) (map[string]uint64, error) {
	var total uint64
	for _, leg := range legs {
		if err := validAmount(leg.Amount); err != nil {
			return nil, err
		}
		if total > MaxAmount-leg.Amount {
			return nil, fmt.Errorf("%w: batch total overflow", ErrInvalidAmount)
		}
		total += leg.Amount
	}
	if balances[from] < total {
		return nil, ErrInsufficientBalance
	}

	next := make(map[string]uint64, len(legs)+1)
	next[from] = balances[from] - total
	for _, leg := range legs {
		cur, ok := next[leg.To]
		if !ok {
			cur = balances[leg.To]
		}
		if cur > MaxAmount-leg.Amount {
			return nil, fmt.Errorf("%w: balance overflow for %s", ErrInvalidAmount, leg.To)
		}
		next[leg.To] = cur + leg.Amount
	}
	return next, nil
}

func validAmount(amount uint64) error {
	if amount == 0 || amount > MaxAmount {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

func validApproval(amount uint64) error {
	if amount > MaxAmount && amount != Unlimited {
		return fmt.Errorf("%w: allowance %d", ErrInvalidAmount, amount)
	}
	return nil
}

package token

import (
	"context"
	"fmt"
	"sync"
)

type memoryContract struct {
	mu         sync.Mutex
	balances   map[string]uint64
	allowances map[string]uint64
}

// NewMemory creates an in-process token contract.
func NewMemory() Contract {
	return &memoryContract{
		balances:   make(map[string]uint64),
		allowances: make(map[string]uint64),
	}
}

func allowanceKey(owner, spender string) string {
	return owner + "->" + spender
}

func (m *memoryContract) BalanceOf(_ context.Context, account string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

func (m *memoryContract) Allowance(_ context.Context, owner, spender string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[allowanceKey(owner, spender)], nil
}

func (m *memoryContract) Approve(_ context.Context, owner, spender string, amount uint64) error {
	if err := validApproval(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey(owner, spender)] = amount
	return nil
}

func (m *memoryContract) Mint(_ context.Context, account string, amount uint64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[account] > MaxAmount-amount {
		return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	m.balances[account] += amount
	return nil
}

func (m *memoryContract) TransferFrom(_ context.Context, spender, from, to string, amount uint64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := allowanceKey(from, spender)
	allowance := m.allowances[key]
	if allowance < amount {
		return ErrInsufficientAllowance
	}
	next, err := settle(m.balances, from, []Leg{{To: to, Amount: amount}})
	if err != nil {
		return err
	}
	if allowance != Unlimited {
		m.allowances[key] = allowance - amount
	}
	m.apply(next)
	return nil
}

func (m *memoryContract) TransferBatch(_ context.Context, from string, legs []Leg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := settle(m.balances, from, legs)
	if err != nil {
		return err
	}
	m.apply(next)
	return nil
}

func (m *memoryContract) apply(next map[string]uint64) {
	for account, balance := range next {
		m.balances[account] = balance
	}
}

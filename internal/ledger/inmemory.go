package ledger

import (
	"context"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/tokenbank/internal/events"
	"github.com/congo-pay/tokenbank/internal/fee"
)

// Posting is one journal line written for every balance change.
type Posting struct {
	ID           string
	Customer     string
	Kind         string
	Delta        int64
	BalanceAfter uint64
	CreatedAt    time.Time
}

type inMemoryLedger struct {
	mu        sync.RWMutex
	accounts  map[string]Account
	postings  []Posting
	journal   []events.Event
	drift     []Drift
	schedule  fee.Schedule
	collected uint64
	now       func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		accounts: make(map[string]Account),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *inMemoryLedger) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &memoryTx{
		base:      l,
		accounts:  make(map[string]Account),
		schedule:  l.schedule,
		collected: l.collected,
		nextSeq:   uint64(len(l.journal)) + 1,
	}
	if err := fn(tx); err != nil {
		return err
	}

	for code, acct := range tx.accounts {
		l.accounts[code] = acct
	}
	l.postings = append(l.postings, tx.postings...)
	l.journal = append(l.journal, tx.journal...)
	l.drift = append(l.drift, tx.drift...)
	l.schedule = tx.schedule
	l.collected = tx.collected
	return nil
}

func (l *inMemoryLedger) Account(_ context.Context, customer string) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[customer]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (l *inMemoryLedger) FeeSchedule(_ context.Context) (fee.Schedule, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.schedule, nil
}

func (l *inMemoryLedger) CollectedFees(_ context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collected, nil
}

func (l *inMemoryLedger) Totals(_ context.Context) (Totals, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t := Totals{Customers: len(l.accounts), CollectedFees: l.collected}
	for _, acct := range l.accounts {
		t.Balances = addSaturating(t.Balances, acct.Balance)
	}
	return t, nil
}

func addSaturating(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func (l *inMemoryLedger) Drift(_ context.Context) ([]Drift, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Drift, len(l.drift))
	copy(out, l.drift)
	return out, nil
}

func (l *inMemoryLedger) Events(_ context.Context, after uint64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = DefaultEventPage
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if after >= uint64(len(l.journal)) {
		return []events.Event{}, nil
	}
	rest := l.journal[after:]
	if len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]events.Event, len(rest))
	copy(out, rest)
	return out, nil
}

// memoryTx stages writes on top of the locked base ledger.
type memoryTx struct {
	base      *inMemoryLedger
	accounts  map[string]Account
	postings  []Posting
	journal   []events.Event
	drift     []Drift
	schedule  fee.Schedule
	collected uint64
	nextSeq   uint64
}

func (tx *memoryTx) lookup(customer string) (Account, bool) {
	if acct, ok := tx.accounts[customer]; ok {
		return acct, true
	}
	acct, ok := tx.base.accounts[customer]
	return acct, ok
}

func (tx *memoryTx) IsCustomer(_ context.Context, customer string) (bool, error) {
	_, ok := tx.lookup(customer)
	return ok, nil
}

func (tx *memoryTx) Account(_ context.Context, customer string) (Account, error) {
	acct, ok := tx.lookup(customer)
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (tx *memoryTx) CreateAccount(_ context.Context, customer string) (Account, error) {
	if _, ok := tx.lookup(customer); ok {
		return Account{}, ErrAlreadyOnboarded
	}
	now := tx.base.now()
	acct := Account{Customer: customer, CreatedAt: now, UpdatedAt: now}
	tx.accounts[customer] = acct
	return acct, nil
}

func (tx *memoryTx) Credit(_ context.Context, customer, kind string, amount uint64) (Account, error) {
	acct, ok := tx.lookup(customer)
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if amount > math.MaxInt64 || acct.Balance > math.MaxInt64-amount {
		return Account{}, ErrBalanceOverflow
	}
	acct.Balance += amount
	return tx.post(acct, kind, int64(amount)), nil
}

func (tx *memoryTx) Debit(_ context.Context, customer, kind string, amount uint64) (Account, error) {
	acct, ok := tx.lookup(customer)
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if acct.Balance < amount {
		return Account{}, ErrInsufficientFunds
	}
	acct.Balance -= amount
	return tx.post(acct, kind, -int64(amount)), nil
}

func (tx *memoryTx) post(acct Account, kind string, delta int64) Account {
	now := tx.base.now()
	acct.UpdatedAt = now
	tx.accounts[acct.Customer] = acct
	tx.postings = append(tx.postings, Posting{
		ID:           uuid.NewString(),
		Customer:     acct.Customer,
		Kind:         kind,
		Delta:        delta,
		BalanceAfter: acct.Balance,
		CreatedAt:    now,
	})
	return acct
}

func (tx *memoryTx) AddCollectedFees(_ context.Context, amount uint64) (uint64, error) {
	if tx.collected > math.MaxUint64-amount {
		return 0, ErrBalanceOverflow
	}
	tx.collected += amount
	return tx.collected, nil
}

func (tx *memoryTx) FeeSchedule(_ context.Context) (fee.Schedule, error) {
	return tx.schedule, nil
}

func (tx *memoryTx) SetFeeRate(_ context.Context, rateBps uint32) (fee.Schedule, error) {
	if err := fee.ValidateRate(rateBps); err != nil {
		return fee.Schedule{}, err
	}
	tx.schedule = fee.Schedule{
		RateBps:   rateBps,
		Version:   tx.schedule.Version + 1,
		UpdatedAt: tx.base.now(),
	}
	return tx.schedule, nil
}

func (tx *memoryTx) Emit(_ context.Context, event events.Event) (events.Event, error) {
	event.Seq = tx.nextSeq
	tx.nextSeq++
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.RecordedAt.IsZero() {
		event.RecordedAt = tx.base.now()
	}
	tx.journal = append(tx.journal, event)
	return event, nil
}

func (tx *memoryTx) RecordDrift(_ context.Context, drift Drift) (Drift, error) {
	if drift.ID == "" {
		drift.ID = uuid.NewString()
	}
	if drift.RecordedAt.IsZero() {
		drift.RecordedAt = tx.base.now()
	}
	tx.drift = append(tx.drift, drift)
	return drift, nil
}

// Package bank is the custodial facade: it sequences every customer and banker
// operation against the ledger and the external token.
package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/tokenbank/internal/access"
	"github.com/congo-pay/tokenbank/internal/events"
	"github.com/congo-pay/tokenbank/internal/fee"
	"github.com/congo-pay/tokenbank/internal/ledger"
	"github.com/congo-pay/tokenbank/internal/token"
)

// MaxAmount is the largest gross amount a single deposit or withdrawal may carry.
const MaxAmount = token.MaxAmount

var (
	// ErrInvalidAmount indicates a zero or out-of-range amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidCustomer indicates an empty customer identity.
	ErrInvalidCustomer = errors.New("customer id is required")

	// ErrTransferFailed is returned when the external token movement did not complete.
	ErrTransferFailed = token.ErrTransferFailed
)

// Service is the single sequencer for bank state transitions.
type Service struct {
	mu        sync.Mutex
	access    *access.Control
	ledger    ledger.Ledger
	gateway   token.Gateway
	publisher events.Publisher
	logger    *slog.Logger

	// unrecorded holds drift the ledger refused to persist.
	unrecorded []ledger.Drift
}

// NewService wires the bank facade. A nil publisher drops committed events after journaling.
func NewService(control *access.Control, l ledger.Ledger, gateway token.Gateway, publisher events.Publisher, logger *slog.Logger) (*Service, error) {
	if control == nil {
		return nil, fmt.Errorf("access control is required")
	}
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("token gateway is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		access:    control,
		ledger:    l,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger.With("component", "bank"),
	}, nil
}

// Banker returns the identity allowed to onboard customers and change the fee rate.
func (s *Service) Banker() string {
	return s.access.Banker()
}

// Receipt describes a committed deposit or withdrawal.
type Receipt struct {
	Customer string
	Gross    uint64
	Fee      uint64
	Net      uint64
	RateBps  uint32
	Balance  uint64
	EventSeq uint64
}

// Reserves compares the custody holding on the external token with the ledger. Drift
// lists token movements whose ledger unit never committed.
type Reserves struct {
	Custodian        string
	CustodyBalance   uint64
	CustomerBalances uint64
	Customers        int
	CollectedFees    uint64
	Surplus          uint64
	Solvent          bool
	Drift            []ledger.Drift
	CheckedAt        time.Time
}

// AddCustomer onboards customer with a zero balance. Banker only.
func (s *Service) AddCustomer(ctx context.Context, caller, customer string) (ledger.Account, error) {
	if err := s.access.RequireBanker(caller); err != nil {
		return ledger.Account{}, err
	}
	if customer == "" {
		return ledger.Account{}, ErrInvalidCustomer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		acct ledger.Account
		ev   events.Event
	)
	err := s.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		var err error
		if acct, err = tx.CreateAccount(ctx, customer); err != nil {
			return err
		}
		ev, err = tx.Emit(ctx, events.Event{Kind: events.KindCustomerAdded, Customer: customer})
		return err
	})
	if err != nil {
		return ledger.Account{}, err
	}

	s.logger.Info("customer onboarded", "customer", customer, "seq", ev.Seq)
	s.publish(ctx, ev)
	return acct, nil
}

// Deposit pulls gross from the customer into custody and credits it in full.
func (s *Service) Deposit(ctx context.Context, caller, customer string, gross uint64) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		receipt Receipt
		ev      events.Event
		pulled  bool
	)
	err := s.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		if err := s.access.RequireCustomer(ctx, tx, caller, customer); err != nil {
			return err
		}
		if err := validAmount(gross); err != nil {
			return err
		}

		acct, err := tx.Credit(ctx, customer, ledger.PostingDeposit, gross)
		if err != nil {
			return asAmountError(err)
		}
		ev, err = tx.Emit(ctx, events.Event{
			Kind:     events.KindDeposit,
			Customer: customer,
			Balance:  acct.Balance,
			Amount:   gross,
		})
		if err != nil {
			return err
		}

		if err := s.gateway.Pull(ctx, customer, gross); err != nil {
			s.logger.Warn("deposit pull rejected", "customer", customer, "amount", gross, "error", err)
			return fmt.Errorf("pull deposit: %w", token.AsTransferFailure(err))
		}
		pulled = true

		receipt = Receipt{Customer: customer, Gross: gross, Net: gross, Balance: acct.Balance, EventSeq: ev.Seq}
		return nil
	})
	if err != nil {
		if pulled {
			s.recordDrift(ctx, ledger.Drift{Kind: ledger.PostingDeposit, Customer: customer, Amount: gross}, err)
		}
		return Receipt{}, err
	}

	s.logger.Info("deposit committed", "customer", customer, "amount", gross, "balance", receipt.Balance, "seq", ev.Seq)
	s.publish(ctx, ev)
	return receipt, nil
}

// Withdraw debits gross, pays the net to the customer and the fee to the banker.
func (s *Service) Withdraw(ctx context.Context, caller, customer string, gross uint64) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		receipt Receipt
		ev      events.Event
		pushed  bool
		charged uint64
	)
	err := s.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		if err := s.access.RequireCustomer(ctx, tx, caller, customer); err != nil {
			return err
		}
		if err := validAmount(gross); err != nil {
			return err
		}

		sched, err := tx.FeeSchedule(ctx)
		if err != nil {
			return err
		}
		quote := sched.Quote(gross)

		acct, err := tx.Debit(ctx, customer, ledger.PostingWithdraw, gross)
		if err != nil {
			return err
		}
		if quote.Fee > 0 {
			if _, err := tx.AddCollectedFees(ctx, quote.Fee); err != nil {
				return err
			}
		}
		ev, err = tx.Emit(ctx, events.Event{
			Kind:     events.KindWithdraw,
			Customer: customer,
			Balance:  acct.Balance,
			Amount:   gross,
			Fee:      quote.Fee,
			RateBps:  quote.RateBps,
		})
		if err != nil {
			return err
		}

		payouts := []token.Payout{
			{To: customer, Amount: quote.Net},
			{To: s.access.Banker(), Amount: quote.Fee},
		}
		if err := s.gateway.Push(ctx, payouts...); err != nil {
			s.logger.Warn("withdrawal push rejected", "customer", customer, "amount", gross, "error", err)
			return fmt.Errorf("push withdrawal: %w", token.AsTransferFailure(err))
		}
		pushed = true
		charged = quote.Fee

		receipt = Receipt{
			Customer: customer,
			Gross:    quote.Gross,
			Fee:      quote.Fee,
			Net:      quote.Net,
			RateBps:  quote.RateBps,
			Balance:  acct.Balance,
			EventSeq: ev.Seq,
		}
		return nil
	})
	if err != nil {
		if pushed {
			s.recordDrift(ctx, ledger.Drift{Kind: ledger.PostingWithdraw, Customer: customer, Amount: gross, Fee: charged}, err)
		}
		return Receipt{}, err
	}

	s.logger.Info("withdrawal committed", "customer", customer, "amount", gross, "fee", receipt.Fee, "balance", receipt.Balance, "seq", ev.Seq)
	s.publish(ctx, ev)
	return receipt, nil
}

// Balance returns the caller's own internal balance.
func (s *Service) Balance(ctx context.Context, caller, customer string) (uint64, error) {
	if err := s.access.RequireCustomer(ctx, members{s.ledger}, caller, customer); err != nil {
		return 0, err
	}
	acct, err := s.ledger.Account(ctx, customer)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return 0, access.ErrNotCustomer
		}
		return 0, err
	}
	return acct.Balance, nil
}

// SetFeeRate replaces the withdrawal fee rate. Banker only.
func (s *Service) SetFeeRate(ctx context.Context, caller string, rateBps uint32) (fee.Schedule, error) {
	if err := s.access.RequireBanker(caller); err != nil {
		return fee.Schedule{}, err
	}
	if err := fee.ValidateRate(rateBps); err != nil {
		return fee.Schedule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sched fee.Schedule
		ev    events.Event
	)
	err := s.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		var err error
		if sched, err = tx.SetFeeRate(ctx, rateBps); err != nil {
			return err
		}
		ev, err = tx.Emit(ctx, events.Event{Kind: events.KindFeeRateChanged, RateBps: sched.RateBps})
		return err
	})
	if err != nil {
		return fee.Schedule{}, err
	}

	s.logger.Info("fee rate changed", "rate_bps", sched.RateBps, "version", sched.Version, "seq", ev.Seq)
	s.publish(ctx, ev)
	return sched, nil
}

// FeeSchedule returns the live fee rate.
func (s *Service) FeeSchedule(ctx context.Context) (fee.Schedule, error) {
	return s.ledger.FeeSchedule(ctx)
}

// CalculateFee quotes gross at the live rate without touching any state.
func (s *Service) CalculateFee(ctx context.Context, gross uint64) (fee.Quote, error) {
	sched, err := s.ledger.FeeSchedule(ctx)
	if err != nil {
		return fee.Quote{}, err
	}
	return sched.Quote(gross), nil
}

// Reserves reconciles the custody token balance against customer balances. Banker only.
func (s *Service) Reserves(ctx context.Context, caller string) (Reserves, error) {
	if err := s.access.RequireBanker(caller); err != nil {
		return Reserves{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	totals, err := s.ledger.Totals(ctx)
	if err != nil {
		return Reserves{}, err
	}
	custodian := s.gateway.Custodian()
	held, err := s.gateway.BalanceOf(ctx, custodian)
	if err != nil {
		return Reserves{}, fmt.Errorf("custody balance: %w", err)
	}

	drift, err := s.ledger.Drift(ctx)
	if err != nil {
		return Reserves{}, fmt.Errorf("read drift: %w", err)
	}
	drift = append(drift, s.unrecorded...)

	r := Reserves{
		Custodian:        custodian,
		CustodyBalance:   held,
		CustomerBalances: totals.Balances,
		Customers:        totals.Customers,
		CollectedFees:    totals.CollectedFees,
		Solvent:          held >= totals.Balances,
		Drift:            drift,
		CheckedAt:        time.Now().UTC(),
	}
	if r.Solvent {
		r.Surplus = held - totals.Balances
	} else {
		s.logger.Error("custody holds less than customer balances", "custody", held, "balances", totals.Balances)
	}
	if len(drift) > 0 {
		s.logger.Warn("unreconciled drift", "entries", len(drift))
	}
	return r, nil
}

// recordDrift persists a token movement whose ledger unit failed to commit. Callers
// hold mu. When the ledger cannot take the record either, it is kept in process.
func (s *Service) recordDrift(ctx context.Context, d ledger.Drift, cause error) {
	d.Reason = cause.Error()
	s.logger.Error("ledger commit failed after token movement",
		"kind", d.Kind, "customer", d.Customer, "amount", d.Amount, "fee", d.Fee, "error", cause)

	ctx = context.WithoutCancel(ctx)
	err := s.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		_, err := tx.RecordDrift(ctx, d)
		return err
	})
	if err == nil {
		return
	}
	s.logger.Error("drift not persisted", "kind", d.Kind, "customer", d.Customer, "error", err)
	d.ID = uuid.NewString()
	d.RecordedAt = time.Now().UTC()
	s.unrecorded = append(s.unrecorded, d)
}

// Events pages the audit journal after seq. Banker only.
func (s *Service) Events(ctx context.Context, caller string, after uint64, limit int) ([]events.Event, error) {
	if err := s.access.RequireBanker(caller); err != nil {
		return nil, err
	}
	return s.ledger.Events(ctx, after, limit)
}

// publish fans a committed event out to the sinks. Callers hold mu so sinks observe commit order.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("event publish failed", "seq", ev.Seq, "kind", ev.Kind, "error", err)
	}
}

func validAmount(amount uint64) error {
	if amount == 0 || amount > MaxAmount {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

func asAmountError(err error) error {
	if errors.Is(err, ledger.ErrBalanceOverflow) {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	return err
}

// members answers membership from committed ledger state.
type members struct {
	l ledger.Ledger
}

func (m members) IsCustomer(ctx context.Context, customer string) (bool, error) {
	_, err := m.l.Account(ctx, customer)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ledger.ErrAccountNotFound):
		return false, nil
	default:
		return false, err
	}
}

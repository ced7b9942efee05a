package bank

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/congo-pay/tokenbank/internal/access"
	"github.com/congo-pay/tokenbank/internal/events"
	"github.com/congo-pay/tokenbank/internal/fee"
	"github.com/congo-pay/tokenbank/internal/ledger"
	"github.com/congo-pay/tokenbank/internal/logging"
	"github.com/congo-pay/tokenbank/internal/token"
)

const (
	testBanker  = "banker"
	testCustody = "bank:custody"
)

// flakyGateway delegates to a real custody unless a failure is armed.
type flakyGateway struct {
	token.Gateway
	pullErr error
	pushErr error
	pushes  [][]token.Payout
}

func (g *flakyGateway) Pull(ctx context.Context, from string, amount uint64) error {
	if g.pullErr != nil {
		return g.pullErr
	}
	return g.Gateway.Pull(ctx, from, amount)
}

func (g *flakyGateway) Push(ctx context.Context, payouts ...token.Payout) error {
	if g.pushErr != nil {
		return g.pushErr
	}
	g.pushes = append(g.pushes, payouts)
	return g.Gateway.Push(ctx, payouts...)
}

var errCommitLost = errors.New("connection reset during commit")

// commitFailingLedger runs each unit for real, then reports the commit as lost while failures remain.
type commitFailingLedger struct {
	ledger.Ledger
	failures int
}

func (l *commitFailingLedger) Atomic(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return l.Ledger.Atomic(ctx, func(tx ledger.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if l.failures > 0 {
			l.failures--
			return errCommitLost
		}
		return nil
	})
}

type fixture struct {
	svc      *Service
	ledger   ledger.Ledger
	contract token.Contract
	gateway  *flakyGateway
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLedger(t, ledger.NewInMemory())
}

func newFixtureWithLedger(t *testing.T, l ledger.Ledger) *fixture {
	t.Helper()
	contract := token.NewMemory()
	custody, err := token.NewCustody(contract, testCustody)
	require.NoError(t, err)
	control, err := access.New(testBanker)
	require.NoError(t, err)

	f := &fixture{
		ledger:   l,
		contract: contract,
		gateway:  &flakyGateway{Gateway: custody},
		recorder: &events.Recorder{},
	}
	f.svc, err = NewService(control, f.ledger, f.gateway, f.recorder, logging.Discard())
	require.NoError(t, err)
	return f
}

// onboard adds customer and gives it funds approved for the custody.
func (f *fixture) onboard(t *testing.T, customer string, funds uint64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.AddCustomer(ctx, testBanker, customer)
	require.NoError(t, err)
	if funds > 0 {
		require.NoError(t, f.contract.Mint(ctx, customer, funds))
	}
	require.NoError(t, f.contract.Approve(ctx, customer, testCustody, token.Unlimited))
}

func (f *fixture) tokenBalance(t *testing.T, account string) uint64 {
	t.Helper()
	bal, err := f.contract.BalanceOf(context.Background(), account)
	require.NoError(t, err)
	return bal
}

func (f *fixture) journal(t *testing.T) []events.Event {
	t.Helper()
	evs, err := f.svc.Events(context.Background(), testBanker, 0, 1000)
	require.NoError(t, err)
	return evs
}

func TestAddCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddCustomer(ctx, "mallory", "alice")
	require.ErrorIs(t, err, access.ErrUnauthorized)

	acct, err := f.svc.AddCustomer(ctx, testBanker, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(0), acct.Balance)

	_, err = f.svc.AddCustomer(ctx, testBanker, "alice")
	require.ErrorIs(t, err, ledger.ErrAlreadyOnboarded)

	_, err = f.svc.AddCustomer(ctx, testBanker, "")
	require.ErrorIs(t, err, ErrInvalidCustomer)

	bal, err := f.svc.Balance(ctx, "alice", "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(0), bal)

	evs := f.recorder.Events()
	require.Len(t, evs, 1)
	require.Equal(t, events.KindCustomerAdded, evs[0].Kind)
	require.Equal(t, "alice", evs[0].Customer)
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "alice", 1_000)

	receipt, err := f.svc.Deposit(ctx, "alice", "alice", 500)
	require.NoError(t, err)
	require.Equal(t, uint64(500), receipt.Balance)
	require.Equal(t, uint64(0), receipt.Fee)
	require.Equal(t, uint64(500), receipt.Net)

	bal, err := f.svc.Balance(ctx, "alice", "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(500), bal)
	require.Equal(t, uint64(500), f.tokenBalance(t, testCustody))
	require.Equal(t, uint64(500), f.tokenBalance(t, "alice"))

	evs := f.recorder.Events()
	require.Len(t, evs, 2)
	require.Equal(t, events.KindDeposit, evs[1].Kind)
	require.Equal(t, "alice", evs[1].Customer)
	require.Equal(t, uint64(500), evs[1].Balance)
	require.Equal(t, receipt.EventSeq, evs[1].Seq)

	postings := ledger.Postings(ctx, f.ledger, "alice")
	require.Len(t, postings, 1)
	require.Equal(t, ledger.PostingDeposit, postings[0].Kind)
	require.Equal(t, int64(500), postings[0].Delta)
}

func TestDepositRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "alice", 1_000)

	_, err := f.svc.Deposit(ctx, "alice", "alice", 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.Deposit(ctx, "alice", "alice", MaxAmount+1)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.Deposit(ctx, "bob", "alice", 10)
	require.ErrorIs(t, err, access.ErrNotCustomer)

	_, err = f.svc.Deposit(ctx, "bob", "bob", 10)
	require.ErrorIs(t, err, access.ErrNotCustomer)

	_, err = f.svc.Deposit(ctx, testBanker, "alice", 10)
	require.ErrorIs(t, err, access.ErrNotCustomer)

	require.Len(t, f.journal(t), 1)
	require.Equal(t, uint64(1_000), f.tokenBalance(t, "alice"))
}

func TestDepositPullFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.AddCustomer(ctx, testBanker, "alice")
	require.NoError(t, err)
	require.NoError(t, f.contract.Mint(ctx, "alice", 1_000))

	_, err = f.svc.Deposit(ctx, "alice", "alice", 500)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)

	require.NoError(t, f.contract.Approve(ctx, "alice", testCustody, 100))
	_, err = f.svc.Deposit(ctx, "alice", "alice", 500)
	require.ErrorIs(t, err, ErrTransferFailed)

	bal, err := f.svc.Balance(ctx, "alice", "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(0), bal)
	require.Empty(t, ledger.Postings(ctx, f.ledger, "alice"))
	require.Len(t, f.journal(t), 1)
	require.Len(t, f.recorder.Events(), 1)
	require.Equal(t, uint64(0), f.tokenBalance(t, testCustody))
}

func TestWithdrawWithFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "alice", 1_000)

	_, err := f.svc.SetFeeRate(ctx, testBanker, 1_000)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "alice", "alice", 1_000)
	require.NoError(t, err)

	receipt, err := f.svc.Withdraw(ctx, "alice", "alice", 1_000)
	require.NoError(t, err)
	require.Equal(t, uint64(100), receipt.Fee)
	require.Equal(t, uint64(900), receipt.Net)
	require.Equal(t, uint64(0), receipt.Balance)
	require.Equal(t, uint32(1_000), receipt.RateBps)

	require.Equal(t, uint64(900), f.tokenBalance(t, "alice"))
	require.Equal(t, uint64(100), f.tokenBalance(t, testBanker))
	require.Equal(t, uint64(0), f.tokenBalance(t, testCustody))

	collected, err := f.ledger.CollectedFees(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), collected)

	evs := f.recorder.Events()
	last := evs[len(evs)-1]
	require.Equal(t, events.KindWithdraw, last.Kind)
	require.Equal(t, "alice", last.Customer)
	require.Equal(t, uint64(0), last.Balance)
	require.Equal(t, uint64(100), last.Fee)

	require.Len(t, f.gateway.pushes, 1)
	require.Equal(t, []token.Payout{{To: "alice", Amount: 900}, {To: testBanker, Amount: 100}}, f.gateway.pushes[0])
}

func TestWithdrawWithoutFeePaysGross(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "alice", 700)

	_, err := f.svc.Deposit(ctx, "alice", "alice", 700)
	require.NoError(t, err)
	receipt, err := f.svc.Withdraw(ctx, "alice", "alice", 300)
	require.NoError(t, err)
	require.Equal(t, uint64(300), receipt.Net)
	require.Equal(t, uint64(400), receipt.Balance)
	require.Equal(t, uint64(300), f.tokenBalance(t, "alice"))
	require.Equal(t, uint64(0), f.tokenBalance(t, testBanker))
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "alice", 400)

	_, err := f.svc.Deposit(ctx, "alice", "alice", 400)
	require.NoError(t, err)
	before := len(f.journal(t))

	_, err = f.svc.Withdraw(ctx, "alice", "alice", 5_000)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	bal, err := f.svc.Balance(ctx, "alice", "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(400), bal)
	require.Len(t, f.journal(t), before)
	require.Empty(t, f.gateway.pushes)

	receipt, err := f.svc.Withdraw(ctx, "alice", "alice", 400)
	require.NoError(t, err)
	require.Equal(t, uint64(0), receipt.Balance)
}

func TestWithdrawPushFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "alice", 1_000)

	_, err := f.svc.SetFeeRate(ctx, testBanker, 500)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "alice", "alice", 1_000)
	require.NoError(t, err)
	before := len(f.journal(t))
	published := len(f.recorder.Events())

	f.gateway.pushErr = errors.New("node unavailable")
	_, err = f.svc.Withdraw(ctx, "alice", "alice", 600)
	require.ErrorIs(t, err, ErrTransferFailed)

	f.gateway.pushErr = token.ErrInsufficientBalance
	_, err = f.svc.Withdraw(ctx, "alice", "alice", 600)
	require.ErrorIs(t, err, ErrTransferFailed)

	bal, err := f.svc.Balance(ctx, "alice", "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), bal)

	collected, err := f.ledger.CollectedFees(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), collected)
	require.Len(t, f.journal(t), before)
	require.Len(t, f.recorder.Events(), published)
	require.Equal(t, uint64(1_000), f.tokenBalance(t, testCustody))
}

func TestBalanceIsSelfServiceOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "alice", 0)

	_, err := f.svc.Balance(ctx, testBanker, "alice")
	require.ErrorIs(t, err, access.ErrNotCustomer)
	_, err = f.svc.Balance(ctx, "bob", "alice")
	require.ErrorIs(t, err, access.ErrNotCustomer)
	_, err = f.svc.Balance(ctx, "bob", "bob")
	require.ErrorIs(t, err, access.ErrNotCustomer)
}

func TestSetFeeRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetFeeRate(ctx, "alice", 30)
	require.ErrorIs(t, err, access.ErrUnauthorized)

	_, err = f.svc.SetFeeRate(ctx, testBanker, fee.MaxRateBps+1)
	require.ErrorIs(t, err, fee.ErrInvalidRate)

	sched, err := f.svc.FeeSchedule(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(0), sched.RateBps)
	require.Empty(t, f.recorder.Events())

	sched, err = f.svc.SetFeeRate(ctx, testBanker, 30)
	require.NoError(t, err)
	require.Equal(t, uint32(30), sched.RateBps)
	require.Equal(t, uint64(1), sched.Version)

	q, err := f.svc.CalculateFee(ctx, 1_111_111)
	require.NoError(t, err)
	require.Equal(t, uint64(3_333), q.Fee)
	require.Equal(t, uint64(1_107_778), q.Net)

	evs := f.recorder.Events()
	require.Len(t, evs, 1)
	require.Equal(t, events.KindFeeRateChanged, evs[0].Kind)
	require.Equal(t, uint32(30), evs[0].RateBps)

	_, err = f.svc.SetFeeRate(ctx, testBanker, fee.MaxRateBps)
	require.NoError(t, err)
	q, err = f.svc.CalculateFee(ctx, 1_000)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), q.Fee)
	require.Equal(t, uint64(0), q.Net)
}

func TestReserves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "alice", 1_000)
	f.onboard(t, "bob", 1_000)

	_, err := f.svc.Deposit(ctx, "alice", "alice", 600)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "bob", "bob", 400)
	require.NoError(t, err)
	require.NoError(t, f.contract.Mint(ctx, testCustody, 25))

	_, err = f.svc.Reserves(ctx, "alice")
	require.ErrorIs(t, err, access.ErrUnauthorized)

	r, err := f.svc.Reserves(ctx, testBanker)
	require.NoError(t, err)
	require.Equal(t, testCustody, r.Custodian)
	require.Equal(t, uint64(1_025), r.CustodyBalance)
	require.Equal(t, uint64(1_000), r.CustomerBalances)
	require.Equal(t, 2, r.Customers)
	require.Equal(t, uint64(25), r.Surplus)
	require.True(t, r.Solvent)
}

func TestWithdrawCommitLossIsRecordedAsDrift(t *testing.T) {
	cl := &commitFailingLedger{Ledger: ledger.NewInMemory()}
	f := newFixtureWithLedger(t, cl)
	ctx := context.Background()
	f.onboard(t, "alice", 1_000)
	_, err := f.svc.Deposit(ctx, "alice", "alice", 1_000)
	require.NoError(t, err)
	_, err = f.svc.SetFeeRate(ctx, testBanker, 1_000)
	require.NoError(t, err)

	cl.failures = 1
	_, err = f.svc.Withdraw(ctx, "alice", "alice", 500)
	require.ErrorIs(t, err, errCommitLost)

	// the tokens left custody but the debit never committed
	require.Equal(t, uint64(450), f.tokenBalance(t, "alice"))
	require.Equal(t, uint64(50), f.tokenBalance(t, testBanker))
	bal, err := f.svc.Balance(ctx, "alice", "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), bal)

	r, err := f.svc.Reserves(ctx, testBanker)
	require.NoError(t, err)
	require.False(t, r.Solvent)
	require.Len(t, r.Drift, 1)
	d := r.Drift[0]
	require.Equal(t, ledger.PostingWithdraw, d.Kind)
	require.Equal(t, "alice", d.Customer)
	require.Equal(t, uint64(500), d.Amount)
	require.Equal(t, uint64(50), d.Fee)
	require.Contains(t, d.Reason, errCommitLost.Error())
	require.NotEmpty(t, d.ID)
}

func TestDriftIsKeptWhenLedgerIsDown(t *testing.T) {
	cl := &commitFailingLedger{Ledger: ledger.NewInMemory()}
	f := newFixtureWithLedger(t, cl)
	ctx := context.Background()
	f.onboard(t, "alice", 300)

	// both the deposit unit and the drift record are lost
	cl.failures = 2
	_, err := f.svc.Deposit(ctx, "alice", "alice", 300)
	require.ErrorIs(t, err, errCommitLost)
	require.Equal(t, uint64(300), f.tokenBalance(t, testCustody))

	persisted, err := f.ledger.Drift(ctx)
	require.NoError(t, err)
	require.Empty(t, persisted)

	r, err := f.svc.Reserves(ctx, testBanker)
	require.NoError(t, err)
	require.True(t, r.Solvent)
	require.Equal(t, uint64(300), r.Surplus)
	require.Len(t, r.Drift, 1)
	require.Equal(t, ledger.PostingDeposit, r.Drift[0].Kind)
	require.Equal(t, uint64(300), r.Drift[0].Amount)
}

func TestReservesReportsOverflowingBalancesAsInsolvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, customer := range []string{"alice", "bob", "carol"} {
		f.onboard(t, customer, 0)
		ledger.SeedBalance(f.ledger, customer, MaxAmount)
	}
	require.NoError(t, f.contract.Mint(ctx, testCustody, MaxAmount))

	r, err := f.svc.Reserves(ctx, testBanker)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), r.CustomerBalances)
	require.False(t, r.Solvent)
	require.Zero(t, r.Surplus)
}

func TestEventsAreBankerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "alice", 100)

	_, err := f.svc.Events(ctx, "alice", 0, 10)
	require.ErrorIs(t, err, access.ErrUnauthorized)

	_, err = f.svc.Deposit(ctx, "alice", "alice", 100)
	require.NoError(t, err)

	page, err := f.svc.Events(ctx, testBanker, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, events.KindDeposit, page[0].Kind)
}

func TestConcurrentDepositsAreSequenced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "alice", 10_000)

	const workers = 40
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Deposit(ctx, "alice", "alice", 10); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bal, err := f.svc.Balance(ctx, "alice", "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(workers*10), bal)
	require.Equal(t, uint64(workers*10), f.tokenBalance(t, testCustody))

	evs := f.recorder.Events()
	require.Len(t, evs, workers+1)
	for i, ev := range evs {
		require.Equal(t, uint64(i+1), ev.Seq)
	}
	require.Equal(t, uint64(workers*10), evs[len(evs)-1].Balance)
}

package token

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const custodian = "bank:custody"

// backends runs fn against every Contract implementation.
func backends(t *testing.T, fn func(t *testing.T, c Contract)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("redis", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() {
			client.Close()
			mr.Close()
		})
		fn(t, NewRedis(client, "dai"))
	})
}

func TestContractTransferFrom(t *testing.T) {
	backends(t, func(t *testing.T, c Contract) {
		ctx := context.Background()
		require.NoError(t, c.Mint(ctx, "alice", 1_000))

		err := c.TransferFrom(ctx, custodian, "alice", custodian, 100)
		require.ErrorIs(t, err, ErrInsufficientAllowance)
		require.ErrorIs(t, err, ErrTransferFailed)

		require.NoError(t, c.Approve(ctx, "alice", custodian, 300))
		require.NoError(t, c.TransferFrom(ctx, custodian, "alice", custodian, 200))

		allowance, err := c.Allowance(ctx, "alice", custodian)
		require.NoError(t, err)
		require.Equal(t, uint64(100), allowance)

		bal, err := c.BalanceOf(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, uint64(800), bal)
		bal, err = c.BalanceOf(ctx, custodian)
		require.NoError(t, err)
		require.Equal(t, uint64(200), bal)

		require.ErrorIs(t, c.TransferFrom(ctx, custodian, "alice", custodian, 150), ErrInsufficientAllowance)
	})
}

func TestContractUnlimitedAllowance(t *testing.T) {
	backends(t, func(t *testing.T, c Contract) {
		ctx := context.Background()
		require.NoError(t, c.Mint(ctx, "alice", 500))
		require.NoError(t, c.Approve(ctx, "alice", custodian, Unlimited))

		require.NoError(t, c.TransferFrom(ctx, custodian, "alice", custodian, 400))
		allowance, err := c.Allowance(ctx, "alice", custodian)
		require.NoError(t, err)
		require.Equal(t, Unlimited, allowance)

		err = c.TransferFrom(ctx, custodian, "alice", custodian, 200)
		require.ErrorIs(t, err, ErrInsufficientBalance)

		bal, err := c.BalanceOf(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, uint64(100), bal)
	})
}

func TestContractTransferBatchIsAllOrNothing(t *testing.T) {
	backends(t, func(t *testing.T, c Contract) {
		ctx := context.Background()
		require.NoError(t, c.Mint(ctx, custodian, 1_000))

		err := c.TransferBatch(ctx, custodian, []Leg{{To: "alice", Amount: 900}, {To: "banker", Amount: 200}})
		require.ErrorIs(t, err, ErrInsufficientBalance)
		bal, _ := c.BalanceOf(ctx, "alice")
		require.Zero(t, bal)

		require.NoError(t, c.TransferBatch(ctx, custodian, []Leg{{To: "alice", Amount: 900}, {To: "banker", Amount: 100}}))
		bal, _ = c.BalanceOf(ctx, "alice")
		require.Equal(t, uint64(900), bal)
		bal, _ = c.BalanceOf(ctx, "banker")
		require.Equal(t, uint64(100), bal)
		bal, _ = c.BalanceOf(ctx, custodian)
		require.Zero(t, bal)
	})
}

func TestContractRejectsInvalidAmounts(t *testing.T) {
	backends(t, func(t *testing.T, c Contract) {
		ctx := context.Background()
		require.ErrorIs(t, c.Mint(ctx, "alice", 0), ErrInvalidAmount)
		require.ErrorIs(t, c.Mint(ctx, "alice", MaxAmount+1), ErrInvalidAmount)
		require.ErrorIs(t, c.Approve(ctx, "alice", custodian, MaxAmount+1), ErrInvalidAmount)
		require.ErrorIs(t, c.TransferFrom(ctx, custodian, "alice", custodian, 0), ErrInvalidAmount)
	})
}

func TestContractComparesLargeAmountsExactly(t *testing.T) {
	backends(t, func(t *testing.T, c Contract) {
		ctx := context.Background()
		const big = uint64(1) << 53
		require.NoError(t, c.Mint(ctx, "alice", big))
		require.NoError(t, c.Approve(ctx, "alice", custodian, Unlimited))

		err := c.TransferFrom(ctx, custodian, "alice", custodian, big+1)
		require.ErrorIs(t, err, ErrInsufficientBalance)
		bal, err := c.BalanceOf(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, big, bal)

		require.NoError(t, c.Approve(ctx, "alice", custodian, big))
		require.NoError(t, c.Mint(ctx, "alice", 1))
		require.ErrorIs(t, c.TransferFrom(ctx, custodian, "alice", custodian, big+1), ErrInsufficientAllowance)

		require.NoError(t, c.TransferFrom(ctx, custodian, "alice", custodian, big))
		bal, err = c.BalanceOf(ctx, custodian)
		require.NoError(t, err)
		require.Equal(t, big, bal)
		bal, err = c.BalanceOf(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, uint64(1), bal)
	})
}

func TestContractRejectsRecipientOverflow(t *testing.T) {
	backends(t, func(t *testing.T, c Contract) {
		ctx := context.Background()
		require.NoError(t, c.Mint(ctx, custodian, 10))
		require.NoError(t, c.Mint(ctx, "bob", MaxAmount))
		require.ErrorIs(t, c.Mint(ctx, "bob", 1), ErrInvalidAmount)

		err := c.TransferBatch(ctx, custodian, []Leg{{To: "carol", Amount: 4}, {To: "bob", Amount: 5}})
		require.ErrorIs(t, err, ErrInvalidAmount)

		bal, err := c.BalanceOf(ctx, custodian)
		require.NoError(t, err)
		require.Equal(t, uint64(10), bal)
		bal, err = c.BalanceOf(ctx, "carol")
		require.NoError(t, err)
		require.Zero(t, bal)
		bal, err = c.BalanceOf(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, MaxAmount, bal)

		require.NoError(t, c.Mint(ctx, "dave", 1))
		require.NoError(t, c.Approve(ctx, "dave", custodian, Unlimited))
		require.ErrorIs(t, c.TransferFrom(ctx, custodian, "dave", "bob", 1), ErrInvalidAmount)
		bal, err = c.BalanceOf(ctx, "dave")
		require.NoError(t, err)
		require.Equal(t, uint64(1), bal)
	})
}

func TestContractBatchRepeatsRecipients(t *testing.T) {
	backends(t, func(t *testing.T, c Contract) {
		ctx := context.Background()
		require.NoError(t, c.Mint(ctx, custodian, 100))
		require.NoError(t, c.TransferBatch(ctx, custodian, []Leg{
			{To: "alice", Amount: 30},
			{To: "alice", Amount: 20},
			{To: custodian, Amount: 10},
		}))
		bal, err := c.BalanceOf(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, uint64(50), bal)
		bal, err = c.BalanceOf(ctx, custodian)
		require.NoError(t, err)
		require.Equal(t, uint64(50), bal)
	})
}

type brokenContract struct {
	Contract
	err error
}

func (b brokenContract) TransferFrom(context.Context, string, string, string, uint64) error {
	return b.err
}

func TestCustodyGateway(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	g, err := NewCustody(c, custodian)
	require.NoError(t, err)
	require.Equal(t, custodian, g.Custodian())

	require.NoError(t, c.Mint(ctx, "alice", 1_000))
	require.ErrorIs(t, g.Pull(ctx, "alice", 500), ErrTransferFailed)

	require.NoError(t, c.Approve(ctx, "alice", custodian, Unlimited))
	require.NoError(t, g.Pull(ctx, "alice", 500))

	require.NoError(t, g.Push(ctx, Payout{To: "alice", Amount: 450}, Payout{To: "banker", Amount: 50}, Payout{To: "nobody", Amount: 0}))
	bal, err := g.BalanceOf(ctx, "banker")
	require.NoError(t, err)
	require.Equal(t, uint64(50), bal)
	bal, _ = g.BalanceOf(ctx, custodian)
	require.Zero(t, bal)

	require.NoError(t, g.Push(ctx), "empty push is a no-op")
	require.ErrorIs(t, g.Push(ctx, Payout{To: "alice", Amount: 1}), ErrInsufficientBalance)

	boom := errors.New("rpc down")
	broken, err := NewCustody(brokenContract{Contract: c, err: boom}, custodian)
	require.NoError(t, err)
	err = broken.Pull(ctx, "alice", 1)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, boom)
}

func TestAsTransferFailure(t *testing.T) {
	boom := errors.New("rpc down")
	err := AsTransferFailure(boom)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, boom)
	require.Equal(t, ErrInsufficientBalance, AsTransferFailure(ErrInsufficientBalance))
}

func TestNewCustodyValidates(t *testing.T) {
	_, err := NewCustody(nil, custodian)
	require.Error(t, err)
	_, err = NewCustody(NewMemory(), "")
	require.Error(t, err)
}

package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// maxWatchRetries bounds optimistic retries when a watched key changes mid-transfer.
const maxWatchRetries = 16

type redisContract struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a token contract stored in Redis under the given token name.
// Mints and transfers run as WATCH/MULTI transactions: amounts are checked in Go and
// every write is queued only after all checks pass, so a rejected call writes nothing.
func NewRedis(client *redis.Client, name string) Contract {
	if name == "" {
		name = "default"
	}
	return &redisContract{client: client, prefix: "token:" + name + ":"}
}

func (r *redisContract) balanceKey(account string) string {
	return r.prefix + "balance:" + account
}

func (r *redisContract) allowanceKey(owner, spender string) string {
	return r.prefix + "allowance:" + owner + ":" + spender
}

func (r *redisContract) BalanceOf(ctx context.Context, account string) (uint64, error) {
	return readUint(ctx, r.client, r.balanceKey(account))
}

func (r *redisContract) Allowance(ctx context.Context, owner, spender string) (uint64, error) {
	return readUint(ctx, r.client, r.allowanceKey(owner, spender))
}

func (r *redisContract) Approve(ctx context.Context, owner, spender string, amount uint64) error {
	if err := validApproval(amount); err != nil {
		return err
	}
	return r.client.Set(ctx, r.allowanceKey(owner, spender), strconv.FormatUint(amount, 10), 0).Err()
}

func (r *redisContract) Mint(ctx context.Context, account string, amount uint64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	key := r.balanceKey(account)
	err := r.watch(ctx, func(tx *redis.Tx) error {
		cur, err := readUint(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur > MaxAmount-amount {
			return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, strconv.FormatUint(cur+amount, 10), 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	return nil
}

func (r *redisContract) TransferFrom(ctx context.Context, spender, from, to string, amount uint64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	allowanceKey := r.allowanceKey(from, spender)
	legs := []Leg{{To: to, Amount: amount}}
	keys := append(r.balanceKeys(from, legs), allowanceKey)
	return r.watch(ctx, func(tx *redis.Tx) error {
		allowance, err := readUint(ctx, tx, allowanceKey)
		if err != nil {
			return err
		}
		if allowance < amount {
			return ErrInsufficientAllowance
		}
		next, err := r.settleWatched(ctx, tx, from, legs)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if allowance != Unlimited {
				pipe.Set(ctx, allowanceKey, strconv.FormatUint(allowance-amount, 10), 0)
			}
			r.queueBalances(ctx, pipe, next)
			return nil
		})
		return err
	}, keys...)
}

func (r *redisContract) TransferBatch(ctx context.Context, from string, legs []Leg) error {
	if len(legs) == 0 {
		return nil
	}
	return r.watch(ctx, func(tx *redis.Tx) error {
		next, err := r.settleWatched(ctx, tx, from, legs)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.queueBalances(ctx, pipe, next)
			return nil
		})
		return err
	}, r.balanceKeys(from, legs)...)
}

// settleWatched reads the watched balances and computes the post-transfer values.
func (r *redisContract) settleWatched(ctx context.Context, tx *redis.Tx, from string, legs []Leg) (map[string]uint64, error) {
	balances := make(map[string]uint64, len(legs)+1)
	for _, account := range accountsOf(from, legs) {
		v, err := readUint(ctx, tx, r.balanceKey(account))
		if err != nil {
			return nil, err
		}
		balances[account] = v
	}
	return settle(balances, from, legs)
}

func (r *redisContract) queueBalances(ctx context.Context, pipe redis.Pipeliner, next map[string]uint64) {
	for account, balance := range next {
		pipe.Set(ctx, r.balanceKey(account), strconv.FormatUint(balance, 10), 0)
	}
}

func (r *redisContract) balanceKeys(from string, legs []Leg) []string {
	accounts := accountsOf(from, legs)
	keys := make([]string, 0, len(accounts)+1)
	for _, account := range accounts {
		keys = append(keys, r.balanceKey(account))
	}
	return keys
}

// watch runs fn as an optimistic transaction over keys, retrying when another
// client writes one of them before EXEC.
func (r *redisContract) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: contention on %v", ErrTransferFailed, keys)
}

func accountsOf(from string, legs []Leg) []string {
	seen := map[string]bool{from: true}
	accounts := []string{from}
	for _, leg := range legs {
		if !seen[leg.To] {
			seen[leg.To] = true
			accounts = append(accounts, leg.To)
		}
	}
	return accounts
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readUint(ctx context.Context, c stringGetter, key string) (uint64, error) {
	raw, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

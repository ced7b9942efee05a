package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/tokenbank/internal/events"
	"github.com/congo-pay/tokenbank/internal/fee"
)

// advisoryLockKey serializes Atomic units across every process sharing the database.
const advisoryLockKey int64 = 0x746f6b656e62616e

var _ Ledger = (*PostgresLedger)(nil)

// PostgresLedger persists accounts, postings, the fee cell and the event journal in PostgreSQL.
type PostgresLedger struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Atomic runs fn inside one database transaction holding the ledger advisory lock.
func (l *PostgresLedger) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire ledger lock: %w", err)
	}

	if err := fn(&pgTx{tx: tx, now: l.now}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Account returns the committed account for customer.
func (l *PostgresLedger) Account(ctx context.Context, customer string) (Account, error) {
	return scanAccount(l.db.QueryRow(ctx, `SELECT customer, balance, created_at, updated_at
        FROM ledger_accounts WHERE customer = $1`, customer))
}

// FeeSchedule returns the committed fee cell.
func (l *PostgresLedger) FeeSchedule(ctx context.Context) (fee.Schedule, error) {
	return scanSchedule(l.db.QueryRow(ctx, `SELECT fee_rate_bps, fee_version, fee_updated_at
        FROM bank_state WHERE id = 1`))
}

// CollectedFees returns the cumulative fees recorded by withdrawals.
func (l *PostgresLedger) CollectedFees(ctx context.Context) (uint64, error) {
	var collected int64
	if err := l.db.QueryRow(ctx, `SELECT collected_fees FROM bank_state WHERE id = 1`).Scan(&collected); err != nil {
		return 0, err
	}
	return uint64(collected), nil
}

// Totals sums every customer balance.
func (l *PostgresLedger) Totals(ctx context.Context) (Totals, error) {
	const query = `
        SELECT COUNT(a.customer), COALESCE(SUM(a.balance), 0)::TEXT, s.collected_fees
        FROM bank_state s
        LEFT JOIN ledger_accounts a ON TRUE
        WHERE s.id = 1
        GROUP BY s.collected_fees`
	var (
		customers int64
		sum       string
		collected int64
	)
	if err := l.db.QueryRow(ctx, query).Scan(&customers, &sum, &collected); err != nil {
		return Totals{}, err
	}
	balances, err := parseSaturating(sum)
	if err != nil {
		return Totals{}, fmt.Errorf("sum balances: %w", err)
	}
	return Totals{Customers: int(customers), Balances: balances, CollectedFees: uint64(collected)}, nil
}

// parseSaturating reads a non-negative NUMERIC rendered as text, capping at math.MaxUint64.
func parseSaturating(raw string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxUint64, nil
	}
	return v, err
}

// Drift lists recorded drift, oldest first.
func (l *PostgresLedger) Drift(ctx context.Context) ([]Drift, error) {
	rows, err := l.db.Query(ctx, `SELECT id, kind, customer, amount, fee, reason, recorded_at
        FROM ledger_drift ORDER BY recorded_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Drift{}
	for rows.Next() {
		var (
			d           Drift
			id          uuid.UUID
			amount, feeAmt int64
		)
		if err := rows.Scan(&id, &d.Kind, &d.Customer, &amount, &feeAmt, &d.Reason, &d.RecordedAt); err != nil {
			return nil, err
		}
		d.ID = id.String()
		d.Amount = uint64(amount)
		d.Fee = uint64(feeAmt)
		d.RecordedAt = d.RecordedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// Events pages the journal in commit order.
func (l *PostgresLedger) Events(ctx context.Context, after uint64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = DefaultEventPage
	}
	if after > math.MaxInt64 {
		return []events.Event{}, nil
	}
	rows, err := l.db.Query(ctx, `SELECT seq, id, kind, customer, balance, amount, fee, rate_bps, recorded_at
        FROM ledger_events WHERE seq > $1 ORDER BY seq LIMIT $2`, int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []events.Event{}
	for rows.Next() {
		var (
			seq, balance, amount, feeAmt int64
			id                           uuid.UUID
			kind                         string
			rate                         int32
			ev                           events.Event
		)
		if err := rows.Scan(&seq, &id, &kind, &ev.Customer, &balance, &amount, &feeAmt, &rate, &ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		ev.ID = id.String()
		ev.Kind = events.Kind(kind)
		ev.Balance = uint64(balance)
		ev.Amount = uint64(amount)
		ev.Fee = uint64(feeAmt)
		ev.RateBps = uint32(rate)
		ev.RecordedAt = ev.RecordedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx  pgx.Tx
	now func() time.Time
}

func (t *pgTx) IsCustomer(ctx context.Context, customer string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_accounts WHERE customer = $1)`, customer).Scan(&exists)
	return exists, err
}

func (t *pgTx) Account(ctx context.Context, customer string) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT customer, balance, created_at, updated_at
        FROM ledger_accounts WHERE customer = $1 FOR UPDATE`, customer))
}

func (t *pgTx) CreateAccount(ctx context.Context, customer string) (Account, error) {
	now := t.now()
	cmd, err := t.tx.Exec(ctx, `INSERT INTO ledger_accounts (customer, balance, created_at, updated_at)
        VALUES ($1, 0, $2, $2) ON CONFLICT (customer) DO NOTHING`, customer, now)
	if err != nil {
		return Account{}, err
	}
	if cmd.RowsAffected() == 0 {
		return Account{}, ErrAlreadyOnboarded
	}
	return Account{Customer: customer, CreatedAt: now, UpdatedAt: now}, nil
}

func (t *pgTx) Credit(ctx context.Context, customer, kind string, amount uint64) (Account, error) {
	acct, err := t.Account(ctx, customer)
	if err != nil {
		return Account{}, err
	}
	if amount > math.MaxInt64 || acct.Balance > math.MaxInt64-amount {
		return Account{}, ErrBalanceOverflow
	}
	acct.Balance += amount
	return t.post(ctx, acct, kind, int64(amount))
}

func (t *pgTx) Debit(ctx context.Context, customer, kind string, amount uint64) (Account, error) {
	acct, err := t.Account(ctx, customer)
	if err != nil {
		return Account{}, err
	}
	if acct.Balance < amount {
		return Account{}, ErrInsufficientFunds
	}
	acct.Balance -= amount
	return t.post(ctx, acct, kind, -int64(amount))
}

func (t *pgTx) post(ctx context.Context, acct Account, kind string, delta int64) (Account, error) {
	acct.UpdatedAt = t.now()
	if _, err := t.tx.Exec(ctx, `UPDATE ledger_accounts SET balance = $1, updated_at = $2 WHERE customer = $3`,
		int64(acct.Balance), acct.UpdatedAt, acct.Customer); err != nil {
		return Account{}, err
	}
	if _, err := t.tx.Exec(ctx, `INSERT INTO ledger_postings (id, customer, kind, delta, balance_after, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`, uuid.New(), acct.Customer, kind, delta, int64(acct.Balance), acct.UpdatedAt); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (t *pgTx) AddCollectedFees(ctx context.Context, amount uint64) (uint64, error) {
	if amount > math.MaxInt64 {
		return 0, ErrBalanceOverflow
	}
	var collected int64
	if err := t.tx.QueryRow(ctx, `UPDATE bank_state SET collected_fees = collected_fees + $1
        WHERE id = 1 RETURNING collected_fees`, int64(amount)).Scan(&collected); err != nil {
		return 0, err
	}
	return uint64(collected), nil
}

func (t *pgTx) FeeSchedule(ctx context.Context) (fee.Schedule, error) {
	return scanSchedule(t.tx.QueryRow(ctx, `SELECT fee_rate_bps, fee_version, fee_updated_at
        FROM bank_state WHERE id = 1 FOR UPDATE`))
}

func (t *pgTx) SetFeeRate(ctx context.Context, rateBps uint32) (fee.Schedule, error) {
	if err := fee.ValidateRate(rateBps); err != nil {
		return fee.Schedule{}, err
	}
	return scanSchedule(t.tx.QueryRow(ctx, `UPDATE bank_state
        SET fee_rate_bps = $1, fee_version = fee_version + 1, fee_updated_at = $2
        WHERE id = 1 RETURNING fee_rate_bps, fee_version, fee_updated_at`, int32(rateBps), t.now()))
}

func (t *pgTx) Emit(ctx context.Context, event events.Event) (events.Event, error) {
	var seq int64
	if err := t.tx.QueryRow(ctx, `UPDATE bank_state SET event_seq = event_seq + 1
        WHERE id = 1 RETURNING event_seq`).Scan(&seq); err != nil {
		return events.Event{}, err
	}
	event.Seq = uint64(seq)
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.RecordedAt.IsZero() {
		event.RecordedAt = t.now()
	}
	id, err := uuid.Parse(event.ID)
	if err != nil {
		return events.Event{}, fmt.Errorf("event id: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `INSERT INTO ledger_events
        (seq, id, kind, customer, balance, amount, fee, rate_bps, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		seq, id, string(event.Kind), event.Customer, int64(event.Balance), int64(event.Amount),
		int64(event.Fee), int32(event.RateBps), event.RecordedAt); err != nil {
		return events.Event{}, err
	}
	return event, nil
}

func (t *pgTx) RecordDrift(ctx context.Context, drift Drift) (Drift, error) {
	if drift.Amount > math.MaxInt64 || drift.Fee > math.MaxInt64 {
		return Drift{}, ErrBalanceOverflow
	}
	if drift.ID == "" {
		drift.ID = uuid.NewString()
	}
	if drift.RecordedAt.IsZero() {
		drift.RecordedAt = t.now()
	}
	id, err := uuid.Parse(drift.ID)
	if err != nil {
		return Drift{}, fmt.Errorf("drift id: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `INSERT INTO ledger_drift (id, kind, customer, amount, fee, reason, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, drift.Kind, drift.Customer, int64(drift.Amount), int64(drift.Fee), drift.Reason, drift.RecordedAt); err != nil {
		return Drift{}, err
	}
	return drift, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acct    Account
		balance int64
	)
	if err := row.Scan(&acct.Customer, &balance, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	acct.Balance = uint64(balance)
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

func scanSchedule(row pgx.Row) (fee.Schedule, error) {
	var (
		rate      int32
		version   int64
		updatedAt *time.Time
	)
	if err := row.Scan(&rate, &version, &updatedAt); err != nil {
		return fee.Schedule{}, fmt.Errorf("read fee schedule: %w", err)
	}
	s := fee.Schedule{RateBps: uint32(rate), Version: uint64(version)}
	if updatedAt != nil {
		s.UpdatedAt = updatedAt.UTC()
	}
	return s, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/payments-core/internal/money"
)

// PostgresStore is the production Store backed by PostgreSQL. Posting runs
// under SERIALIZABLE isolation with the affected accounts locked FOR UPDATE,
// so per-account balance-after computation cannot observe lost updates.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

const pgSerializationFailure = "40001"

// withSerializableRetry runs fn in a SERIALIZABLE transaction, retrying on
// serialization failures.
func (ps *PostgresStore) withSerializableRetry(ctx context.Context, fn func(pgx.Tx) error) error {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := ps.runSerializable(ctx, fn)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure {
				if attempt == maxRetries-1 {
					return fmt.Errorf("serialization failure after %d retries: %w", maxRetries, err)
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}
		break
	}
	return nil
}

func (ps *PostgresStore) runSerializable(ctx context.Context, fn func(pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := ps.Pool.Acquire(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(queryCtx)
}

func (ps *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	return ps.withSerializableRetry(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM accounts
				WHERE owner_type = $1 AND owner_id = $2 AND account_type = $3
				  AND currency_code = $4 AND is_active
			)`, acct.OwnerType, acct.OwnerID, acct.Type, acct.Currency).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check account existence: %w", err)
		}
		if exists {
			return &DuplicateAccountError{
				OwnerType: acct.OwnerType, OwnerID: acct.OwnerID,
				Type: acct.Type, Currency: acct.Currency,
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO accounts (id, account_type, currency_code, owner_type, owner_id, name, is_active, is_halted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			acct.ID, acct.Type, acct.Currency, acct.OwnerType, acct.OwnerID,
			acct.Name, acct.Active, acct.Halted, acct.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}

		_, err = tx.Exec(ctx, `INSERT INTO account_balances (account_id, balance) VALUES ($1, 0)`, acct.ID)
		if err != nil {
			return fmt.Errorf("failed to initialize account balance: %w", err)
		}
		return nil
	})
}

func (ps *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acct Account
	err := ps.Pool.QueryRow(queryCtx, `
		SELECT id, account_type, currency_code, owner_type, owner_id, name, is_active, is_halted, created_at
		FROM accounts WHERE id = $1`, id).Scan(
		&acct.ID, &acct.Type, &acct.Currency, &acct.OwnerType, &acct.OwnerID,
		&acct.Name, &acct.Active, &acct.Halted, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

func (ps *PostgresStore) FindActiveAccount(ctx context.Context, ownerType, ownerID string, t AccountType, currency string) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acct Account
	err := ps.Pool.QueryRow(queryCtx, `
		SELECT id, account_type, currency_code, owner_type, owner_id, name, is_active, is_halted, created_at
		FROM accounts
		WHERE owner_type = $1 AND owner_id = $2 AND account_type = $3 AND currency_code = $4 AND is_active`,
		ownerType, ownerID, t, currency).Scan(
		&acct.ID, &acct.Type, &acct.Currency, &acct.OwnerType, &acct.OwnerID,
		&acct.Name, &acct.Active, &acct.Halted, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &acct, nil
}

func (ps *PostgresStore) DeactivateAccount(ctx context.Context, id string) error {
	return ps.setAccountFlag(ctx, id, "is_active", false)
}

func (ps *PostgresStore) HaltAccount(ctx context.Context, id string) error {
	return ps.setAccountFlag(ctx, id, "is_halted", true)
}

func (ps *PostgresStore) setAccountFlag(ctx context.Context, id, column string, value bool) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := ps.Pool.Exec(queryCtx,
		fmt.Sprintf(`UPDATE accounts SET %s = $1 WHERE id = $2`, column), value, id)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) PostJournal(ctx context.Context, je *JournalEntry, lines []EntrySpec) (*JournalEntry, error) {
	// Accounts are locked in sorted ID order; two entries naming the same
	// accounts always acquire their row locks in the same sequence.
	lines = append([]EntrySpec(nil), lines...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].AccountID < lines[j].AccountID })

	var result *JournalEntry

	err := ps.withSerializableRetry(ctx, func(tx pgx.Tx) error {
		// Idempotency check inside the transaction closes the race between
		// the engine's pre-check and this commit.
		existing, err := scanJournal(tx.QueryRow(ctx, `
			SELECT id, idempotency_key, currency_code, total_amount, balanced, fingerprint, reference, description, created_at
			FROM journal_entries WHERE idempotency_key = $1`, je.IdempotencyKey))
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO journal_entries (id, idempotency_key, currency_code, total_amount, balanced, fingerprint, reference, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			je.ID, je.IdempotencyKey, je.Currency, je.Total, je.Balanced,
			je.Fingerprint, je.Reference, je.Description, je.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert journal entry: %w", err)
		}

		for _, line := range lines {
			var acctType AccountType
			var active, halted bool
			var acctCurrency string
			var balance decimal.Decimal

			err := tx.QueryRow(ctx, `
				SELECT a.account_type, a.is_active, a.is_halted, a.currency_code, ab.balance
				FROM accounts a
				JOIN account_balances ab ON ab.account_id = a.id
				WHERE a.id = $1
				FOR UPDATE`, line.AccountID).Scan(&acctType, &active, &halted, &acctCurrency, &balance)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrNotFound
				}
				return fmt.Errorf("failed to lock account: %w", err)
			}
			if !active {
				return &AccountStateError{AccountID: line.AccountID, Reason: "account is inactive"}
			}
			if halted {
				return &AccountStateError{AccountID: line.AccountID, Reason: "account is halted pending reconciliation"}
			}
			if acctCurrency != je.Currency {
				return &AccountStateError{AccountID: line.AccountID, Reason: "currency mismatch with journal entry"}
			}

			amount := money.Normalize(line.Amount)
			newBalance := money.Normalize(balance.Add(signedDelta(acctType, line.Side, amount)))

			_, err = tx.Exec(ctx, `
				INSERT INTO ledger_entries (id, journal_entry_id, account_id, entry_type, amount, balance_after, seq, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, nextval('ledger_entry_seq'), $7)`,
				uuid.New().String(), je.ID, line.AccountID, line.Side, amount, newBalance, je.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert ledger entry: %w", err)
			}

			_, err = tx.Exec(ctx, `UPDATE account_balances SET balance = $1 WHERE account_id = $2`,
				newBalance, line.AccountID)
			if err != nil {
				return fmt.Errorf("failed to update balance: %w", err)
			}
		}

		cp := *je
		result = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (ps *PostgresStore) Journal(ctx context.Context, id string) (*JournalEntry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return scanJournal(ps.Pool.QueryRow(queryCtx, `
		SELECT id, idempotency_key, currency_code, total_amount, balanced, fingerprint, reference, description, created_at
		FROM journal_entries WHERE id = $1`, id))
}

func (ps *PostgresStore) JournalByKey(ctx context.Context, key string) (*JournalEntry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return scanJournal(ps.Pool.QueryRow(queryCtx, `
		SELECT id, idempotency_key, currency_code, total_amount, balanced, fingerprint, reference, description, created_at
		FROM journal_entries WHERE idempotency_key = $1`, key))
}

func (ps *PostgresStore) JournalLines(ctx context.Context, journalEntryID string) ([]*LedgerEntry, error) {
	return ps.queryEntries(ctx, `
		SELECT id, journal_entry_id, account_id, entry_type, amount, balance_after, seq, created_at
		FROM ledger_entries WHERE journal_entry_id = $1 ORDER BY seq`, journalEntryID)
}

func (ps *PostgresStore) AccountEntries(ctx context.Context, accountID string) ([]*LedgerEntry, error) {
	return ps.queryEntries(ctx, `
		SELECT id, journal_entry_id, account_id, entry_type, amount, balance_after, seq, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY seq`, accountID)
}

func (ps *PostgresStore) queryEntries(ctx context.Context, query string, arg any) ([]*LedgerEntry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.JournalEntryID, &e.AccountID, &e.Side,
			&e.Amount, &e.BalanceAfter, &e.Seq, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (ps *PostgresStore) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var balance decimal.Decimal
	err := ps.Pool.QueryRow(queryCtx,
		`SELECT balance FROM account_balances WHERE account_id = $1`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func scanJournal(row pgx.Row) (*JournalEntry, error) {
	var je JournalEntry
	err := row.Scan(&je.ID, &je.IdempotencyKey, &je.Currency, &je.Total,
		&je.Balanced, &je.Fingerprint, &je.Reference, &je.Description, &je.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan journal entry: %w", err)
	}
	return &je, nil
}

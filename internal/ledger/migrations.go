package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ledgerSchema is the DDL for the postgres store. Idempotent so it can run at
// startup; production deployments drive the same statements through their
// migration tooling.
const ledgerSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id            TEXT PRIMARY KEY,
    account_type  TEXT NOT NULL,
    currency_code TEXT NOT NULL,
    owner_type    TEXT NOT NULL DEFAULT '',
    owner_id      TEXT NOT NULL DEFAULT '',
    name          TEXT NOT NULL DEFAULT '',
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    is_halted     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_owner
    ON accounts (owner_type, owner_id, account_type, currency_code);

CREATE TABLE IF NOT EXISTS account_balances (
    account_id TEXT PRIMARY KEY REFERENCES accounts (id),
    balance    NUMERIC(20, 4) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS journal_entries (
    id              TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    currency_code   TEXT NOT NULL,
    total_amount    NUMERIC(20, 4) NOT NULL,
    balanced        BOOLEAN NOT NULL,
    fingerprint     TEXT NOT NULL,
    reference       TEXT NOT NULL DEFAULT '',
    description     TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL
);

CREATE SEQUENCE IF NOT EXISTS ledger_entry_seq;

CREATE TABLE IF NOT EXISTS ledger_entries (
    id               TEXT PRIMARY KEY,
    journal_entry_id TEXT NOT NULL REFERENCES journal_entries (id),
    account_id       TEXT NOT NULL REFERENCES accounts (id),
    entry_type       TEXT NOT NULL,
    amount           NUMERIC(20, 4) NOT NULL,
    balance_after    NUMERIC(20, 4) NOT NULL,
    seq              BIGINT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries (account_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_journal ON ledger_entries (journal_entry_id);
`

// Migrate applies the ledger schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}

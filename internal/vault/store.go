package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/payments-core/internal/crypto"
)

// ErrTokenNotFound is returned when a token does not resolve to a card.
var ErrTokenNotFound = errors.New("vault: token not found")

// TokenRecord is one stored card. Only the first six and last four digits are
// kept in the clear.
type TokenRecord struct {
	Token     string
	First6    string
	Last4     string
	KeyID     string
	CreatedAt time.Time
}

// AuditEntry is one immutable access log row. Written for every tokenize and
// detokenize attempt, success or denial.
type AuditEntry struct {
	ID        int64
	Operation string
	Requester string
	Source    string
	Token     string
	Result    string
	Detail    string
	CreatedAt time.Time
}

// KeyRotation is the bookkeeping row for one completed rotation.
type KeyRotation struct {
	ID          int64
	FromKeyID   string
	ToKeyID     string
	Reencrypted int
	CreatedAt   time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS card_tokens (
	token          TEXT PRIMARY KEY,
	first6         TEXT NOT NULL,
	last4          TEXT NOT NULL,
	ciphertext     BLOB NOT NULL,
	encrypted_key  BLOB NOT NULL,
	nonce          BLOB NOT NULL,
	key_nonce      BLOB NOT NULL,
	key_id         TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_card_tokens_key_id ON card_tokens(key_id);

CREATE TABLE IF NOT EXISTS token_audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	operation  TEXT NOT NULL,
	requester  TEXT NOT NULL,
	source     TEXT NOT NULL,
	token      TEXT NOT NULL,
	result     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS key_rotations (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	from_key_id  TEXT NOT NULL,
	to_key_id    TEXT NOT NULL,
	reencrypted  INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL
);`

// Store is the vault's sqlite persistence layer.
type Store struct {
	db *sql.DB
}

// OpenStore opens the vault database at path and ensures the schema exists.
// Use ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply vault schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// InsertCard stores an encrypted card under its token.
func (s *Store) InsertCard(ctx context.Context, token, first6, last4 string, enc *crypto.EncryptedData, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO card_tokens (token, first6, last4, ciphertext, encrypted_key, nonce, key_nonce, key_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token, first6, last4, enc.Ciphertext, enc.EncryptedDataKey, enc.Nonce, enc.KeyNonce, enc.KeyID, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert card: %w", err)
	}
	return nil
}

// GetCard loads the encrypted payload for a token. The token itself is the
// AAD, binding each ciphertext to its row.
func (s *Store) GetCard(ctx context.Context, token string) (*TokenRecord, *crypto.EncryptedData, error) {
	rec := &TokenRecord{}
	enc := &crypto.EncryptedData{AdditionalData: []byte(token)}
	err := s.db.QueryRowContext(ctx, `
		SELECT token, first6, last4, ciphertext, encrypted_key, nonce, key_nonce, key_id, created_at
		FROM card_tokens WHERE token = ?`, token).Scan(
		&rec.Token, &rec.First6, &rec.Last4,
		&enc.Ciphertext, &enc.EncryptedDataKey, &enc.Nonce, &enc.KeyNonce, &enc.KeyID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load card: %w", err)
	}
	rec.KeyID = enc.KeyID
	return rec, enc, nil
}

// TokensByKey lists tokens still encrypted under a key version.
func (s *Store) TokensByKey(ctx context.Context, keyID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM card_tokens WHERE key_id = ?`, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens by key: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// UpdateCardEncryption replaces a card's envelope after re-encryption.
func (s *Store) UpdateCardEncryption(ctx context.Context, token string, enc *crypto.EncryptedData) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE card_tokens SET ciphertext = ?, encrypted_key = ?, nonce = ?, key_nonce = ?, key_id = ?
		WHERE token = ?`,
		enc.Ciphertext, enc.EncryptedDataKey, enc.Nonce, enc.KeyNonce, enc.KeyID, token)
	if err != nil {
		return fmt.Errorf("failed to update card encryption: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// AppendAudit writes one access log row. Audit rows are insert-only; there is
// no update or delete path.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_audit_log (operation, requester, source, token, result, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Operation, e.Requester, e.Source, e.Token, e.Result, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditTrail returns the audit log in insertion order.
func (s *Store) AuditTrail(ctx context.Context) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, requester, source, token, result, detail, created_at
		FROM token_audit_log ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.Operation, &e.Requester, &e.Source, &e.Token, &e.Result, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordRotation writes the bookkeeping row for a completed key rotation.
func (s *Store) RecordRotation(ctx context.Context, fromKeyID, toKeyID string, reencrypted int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_rotations (from_key_id, to_key_id, reencrypted, created_at)
		VALUES (?, ?, ?, ?)`,
		fromKeyID, toKeyID, reencrypted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record rotation: %w", err)
	}
	return nil
}

// Rotations returns rotation history, newest last.
func (s *Store) Rotations(ctx context.Context) ([]*KeyRotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_key_id, to_key_id, reencrypted, created_at FROM key_rotations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read rotations: %w", err)
	}
	defer rows.Close()

	var out []*KeyRotation
	for rows.Next() {
		r := &KeyRotation{}
		if err := rows.Scan(&r.ID, &r.FromKeyID, &r.ToKeyID, &r.Reencrypted, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

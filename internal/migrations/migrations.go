package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// statements are applied in order; each one is idempotent.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id             BIGSERIAL PRIMARY KEY,
		username       TEXT NOT NULL UNIQUE,
		email          TEXT NOT NULL DEFAULT '',
		balance        NUMERIC(25, 8) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		deleted        BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS user_public_keys (
		account_id    BIGINT NOT NULL REFERENCES accounts (id),
		key_number    INTEGER NOT NULL CHECK (key_number > 0),
		pki_algorithm SMALLINT NOT NULL,
		public_key    BYTEA NOT NULL,
		PRIMARY KEY (account_id, key_number)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id              UUID PRIMARY KEY,
		username_payer  TEXT NOT NULL,
		username_payee  TEXT NOT NULL,
		currency        TEXT NOT NULL,
		amount          BIGINT NOT NULL CHECK (amount > 0),
		input_currency  TEXT NOT NULL DEFAULT '',
		input_amount    BIGINT NOT NULL DEFAULT 0,
		timestamp_payer BIGINT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_identity
		ON ledger_transactions (username_payer, username_payee, currency, amount, timestamp_payer)`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_payee
		ON ledger_transactions (username_payee, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS payout_rules (
		id             BIGSERIAL PRIMARY KEY,
		account_id     BIGINT NOT NULL REFERENCES accounts (id),
		balance_limit  NUMERIC(25, 8),
		hour           SMALLINT CHECK (hour BETWEEN 0 AND 23),
		day            SMALLINT CHECK (day BETWEEN 0 AND 6),
		payout_address TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payout_rules_schedule ON payout_rules (hour, day)`,
}

// Apply creates the schema the Postgres store expects.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paysettle/internal/domain"
)

const uniqueViolation = "23505"

const (
	accountColumns = "id, username, email, balance::text, email_verified, deleted, created_at"
	entryColumns   = "id::text, username_payer, username_payee, currency, amount, input_currency, input_amount, timestamp_payer, created_at"
	ruleColumns    = "id, account_id, balance_limit::text, hour, day, payout_address"
)

// Postgres is the production Store. Numeric columns travel as text so
// balances keep their exact scale.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a       domain.Account
		balance string
	)
	err := row.Scan(&a.ID, &a.Username, &a.Email, &balance, &a.EmailVerified, &a.Deleted, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("account %d balance: %w", a.ID, err)
	}
	return &a, nil
}

func scanEntry(row pgx.Row) (*domain.Entry, error) {
	var e domain.Entry
	err := row.Scan(&e.ID, &e.PayerUsername, &e.PayeeUsername, &e.Currency, &e.Amount,
		&e.InputCurrency, &e.InputAmount, &e.PayerTimestamp, &e.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func scanRule(row pgx.Row) (*domain.PayoutRule, error) {
	var (
		r         domain.PayoutRule
		limit     pgtype.Text
		hour, day pgtype.Int2
	)
	if err := row.Scan(&r.ID, &r.AccountID, &limit, &hour, &day, &r.Address); err != nil {
		return nil, err
	}
	if limit.Valid {
		d, err := decimal.NewFromString(limit.String)
		if err != nil {
			return nil, fmt.Errorf("rule %d limit: %w", r.ID, err)
		}
		r.BalanceLimit = &d
	}
	if hour.Valid {
		h := int(hour.Int16)
		r.Hour = &h
	}
	if day.Valid {
		d := time.Weekday(day.Int16)
		r.Day = &d
	}
	return &r, nil
}

// CreateAccount opens an account with a zero balance.
func (s *Postgres) CreateAccount(ctx context.Context, username, email string) (*domain.Account, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		"INSERT INTO accounts (username, email) VALUES ($1, $2) RETURNING "+accountColumns,
		username, email)
	a, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return a, nil
}

func (s *Postgres) AccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE username = $1 AND NOT deleted", username))
}

func (s *Postgres) AccountByID(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 AND NOT deleted", id))
}

func (s *Postgres) ApplyDelta(ctx context.Context, accountID int64, delta decimal.Decimal) (*domain.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $1::numeric
		 WHERE id = $2 AND NOT deleted AND balance + $1::numeric >= 0
		 RETURNING `+accountColumns,
		delta.String(), accountID))
	if errors.Is(err, ErrAccountNotFound) {
		if _, lookupErr := s.AccountByID(ctx, accountID); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, ErrInsufficientFunds
	}
	return a, err
}

func (s *Postgres) DeleteAccount(ctx context.Context, accountID int64) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE accounts SET deleted = TRUE WHERE id = $1 AND NOT deleted AND balance = 0", accountID)
	if err != nil {
		return fmt.Errorf("account delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.AccountByID(ctx, accountID); err != nil {
			return err
		}
		return ErrBalanceNotZero
	}
	return nil
}

// SaveUserPublicKey serializes on the account row so concurrent registrations
// never hand out the same key number.
func (s *Postgres) SaveUserPublicKey(ctx context.Context, accountID int64, algorithm uint8, key []byte) (uint32, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, "SELECT id FROM accounts WHERE id = $1 AND NOT deleted FOR UPDATE", accountID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("lock acquisition failed: %w", err)
	}

	var next int64
	err = tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(key_number), 0) + 1 FROM user_public_keys WHERE account_id = $1",
		accountID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("key number query failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO user_public_keys (account_id, key_number, pki_algorithm, public_key) VALUES ($1, $2, $3, $4)",
		accountID, next, int16(algorithm), key)
	if err != nil {
		return 0, fmt.Errorf("key insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return uint32(next), nil
}

func (s *Postgres) PublicKey(ctx context.Context, accountID int64, keyNumber uint32) (*domain.PublicKey, error) {
	var (
		pk        = domain.PublicKey{AccountID: accountID, KeyNumber: keyNumber}
		algorithm int16
	)
	err := s.pool.QueryRow(ctx,
		"SELECT pki_algorithm, public_key FROM user_public_keys WHERE account_id = $1 AND key_number = $2",
		accountID, int64(keyNumber)).Scan(&algorithm, &pk.Key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	pk.Algorithm = uint8(algorithm)
	return &pk, nil
}

func (s *Postgres) SumOfBalances(ctx context.Context) (decimal.Decimal, error) {
	var sum string
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(SUM(balance), 0)::text FROM accounts").Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sum)
}

// Settle runs the whole settlement in one transaction. Account rows are locked
// in id order so two settlements over the same pair cannot deadlock, and the
// duplicate lookup happens under those locks. Read Committed is used so a
// waiter re-reads the balance its predecessor left behind.
func (s *Postgres) Settle(ctx context.Context, entry domain.Entry) (domain.Entry, bool, error) {
	committed, duplicate, err := s.settle(ctx, entry)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		// Lost the insert race on the identity index.
		prior, lookupErr := s.Lookup(ctx, entry.Identity())
		if lookupErr != nil {
			return domain.Entry{}, false, lookupErr
		}
		return *prior, true, nil
	}
	return committed, duplicate, err
}

func (s *Postgres) settle(ctx context.Context, entry domain.Entry) (domain.Entry, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	payerID, err := resolveAccountID(ctx, tx, entry.PayerUsername)
	if err != nil {
		return domain.Entry{}, false, err
	}
	payeeID, err := resolveAccountID(ctx, tx, entry.PayeeUsername)
	if err != nil {
		return domain.Entry{}, false, err
	}

	first, second := payerID, payeeID
	if first > second {
		first, second = second, first
	}
	balances := make(map[int64]decimal.Decimal, 2)
	for _, id := range []int64{first, second} {
		if _, locked := balances[id]; locked {
			continue
		}
		var balance string
		err := tx.QueryRow(ctx, "SELECT balance::text FROM accounts WHERE id = $1 AND NOT deleted FOR UPDATE", id).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.Entry{}, false, ErrAccountNotFound
			}
			return domain.Entry{}, false, fmt.Errorf("lock acquisition failed: %w", err)
		}
		if balances[id], err = decimal.NewFromString(balance); err != nil {
			return domain.Entry{}, false, err
		}
	}

	prior, err := lookup(ctx, tx, entry.Identity())
	switch {
	case err == nil:
		return *prior, true, nil
	case !errors.Is(err, ErrEntryNotFound):
		return domain.Entry{}, false, fmt.Errorf("duplicate lookup failed: %w", err)
	}

	amount := entry.Value()
	if balances[payerID].LessThan(amount) {
		return domain.Entry{}, false, ErrInsufficientFunds
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_transactions
		 (id, username_payer, username_payee, currency, amount, input_currency, input_amount, timestamp_payer, created_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.PayerUsername, entry.PayeeUsername, entry.Currency, entry.Amount,
		entry.InputCurrency, entry.InputAmount, entry.PayerTimestamp, entry.Timestamp)
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("ledger insert failed: %w", err)
	}

	if _, err = tx.Exec(ctx, "UPDATE accounts SET balance = balance - $1::numeric WHERE id = $2", amount.String(), payerID); err != nil {
		return domain.Entry{}, false, fmt.Errorf("debit failed: %w", err)
	}
	if _, err = tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1::numeric WHERE id = $2", amount.String(), payeeID); err != nil {
		return domain.Entry{}, false, fmt.Errorf("credit failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.Entry{}, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return entry, false, nil
}

func resolveAccountID(ctx context.Context, q querier, username string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, "SELECT id FROM accounts WHERE username = $1 AND NOT deleted", username).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	return id, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lookup(ctx context.Context, q querier, id domain.Identity) (*domain.Entry, error) {
	return scanEntry(q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_transactions
		 WHERE username_payer = $1 AND username_payee = $2 AND currency = $3 AND amount = $4 AND timestamp_payer = $5`,
		id.PayerUsername, id.PayeeUsername, id.Currency, id.Amount, id.PayerTimestamp))
}

func (s *Postgres) Lookup(ctx context.Context, id domain.Identity) (*domain.Entry, error) {
	return lookup(ctx, s.pool, id)
}

func (s *Postgres) Exists(ctx context.Context, id domain.Identity) (bool, error) {
	_, err := s.Lookup(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Postgres) History(ctx context.Context, username string, page, pageSize int) ([]domain.Entry, error) {
	if page < 0 || pageSize <= 0 {
		return []domain.Entry{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_transactions
		 WHERE username_payer = $1 OR username_payee = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		username, pageSize, page*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *Postgres) HistoryCount(ctx context.Context, username string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM ledger_transactions WHERE username_payer = $1 OR username_payee = $1",
		username).Scan(&n)
	return n, err
}

func (s *Postgres) Recent(ctx context.Context, username string, n int) ([]domain.Entry, error) {
	return s.History(ctx, username, 0, n)
}

func (s *Postgres) CreateRules(ctx context.Context, accountID int64, rules []domain.PayoutRule) ([]domain.PayoutRule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, "SELECT id FROM accounts WHERE id = $1 AND NOT deleted FOR UPDATE", accountID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	var existing bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM payout_rules WHERE account_id = $1)", accountID).Scan(&existing); err != nil {
		return nil, err
	}
	if existing {
		return nil, ErrRulesAlreadyDefined
	}

	created := make([]domain.PayoutRule, 0, len(rules))
	for _, r := range rules {
		var limit, hour, day any
		if r.BalanceLimit != nil {
			limit = r.BalanceLimit.String()
		}
		if r.Hour != nil {
			hour = int16(*r.Hour)
		}
		if r.Day != nil {
			day = int16(*r.Day)
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO payout_rules (account_id, balance_limit, hour, day, payout_address)
			 VALUES ($1, $2::numeric, $3, $4, $5) RETURNING `+ruleColumns,
			accountID, limit, hour, day, r.Address)
		rule, err := scanRule(row)
		if err != nil {
			return nil, fmt.Errorf("rule insert failed: %w", err)
		}
		created = append(created, *rule)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return created, nil
}

func (s *Postgres) queryRules(ctx context.Context, sql string, args ...any) ([]domain.PayoutRule, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.PayoutRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func (s *Postgres) RulesByAccount(ctx context.Context, accountID int64) ([]domain.PayoutRule, error) {
	return s.queryRules(ctx, "SELECT "+ruleColumns+" FROM payout_rules WHERE account_id = $1 ORDER BY id", accountID)
}

func (s *Postgres) RulesAt(ctx context.Context, hour int, day time.Weekday) ([]domain.PayoutRule, error) {
	return s.queryRules(ctx,
		"SELECT "+ruleColumns+" FROM payout_rules WHERE hour = $1 AND day = $2 ORDER BY id",
		int16(hour), int16(day))
}

func (s *Postgres) DeleteRules(ctx context.Context, accountID int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM payout_rules WHERE account_id = $1", accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paysettle/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrUsernameTaken       = errors.New("username already exists")
	ErrKeyNotFound         = errors.New("public key not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrBalanceNotZero      = errors.New("balance not zero")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrRulesAlreadyDefined = errors.New("payout rules already defined")
	ErrRuleNotFound        = errors.New("payout rule not found")
	ErrInvalidUsername     = errors.New("invalid username")
)

// MaxUsernameLength bounds usernames in bytes.
const MaxUsernameLength = 64

// ValidateUsername accepts non-empty UTF-8 names of printable, non-space
// characters.
func ValidateUsername(name string) error {
	if name == "" || len(name) > MaxUsernameLength || !utf8.ValidString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, name)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: %q", ErrInvalidUsername, name)
		}
	}
	return nil
}

// Accounts holds balances and the public-key registry. Balance mutation is
// atomic per call and never leaves a balance negative.
type Accounts interface {
	CreateAccount(ctx context.Context, username, email string) (*domain.Account, error)
	AccountByUsername(ctx context.Context, username string) (*domain.Account, error)
	AccountByID(ctx context.Context, id int64) (*domain.Account, error)
	// ApplyDelta adds delta to the balance; ErrInsufficientFunds if the result would be negative.
	ApplyDelta(ctx context.Context, accountID int64, delta decimal.Decimal) (*domain.Account, error)
	// DeleteAccount soft-deletes an account with a zero balance.
	DeleteAccount(ctx context.Context, accountID int64) error
	// SaveUserPublicKey registers key under the next key number, starting at 1.
	SaveUserPublicKey(ctx context.Context, accountID int64, algorithm uint8, key []byte) (uint32, error)
	PublicKey(ctx context.Context, accountID int64, keyNumber uint32) (*domain.PublicKey, error)
	SumOfBalances(ctx context.Context) (decimal.Decimal, error)
}

// Ledger is the append-only transaction record.
type Ledger interface {
	// Settle is the atomic commit of one settlement: it serializes against every
	// other settlement touching either account, returns the committed original with
	// duplicate=true if the identity already exists, otherwise checks funds, debits
	// the payer, credits the payee and appends entry.
	Settle(ctx context.Context, entry domain.Entry) (committed domain.Entry, duplicate bool, err error)
	Lookup(ctx context.Context, id domain.Identity) (*domain.Entry, error)
	// Exists is the lock-free read the engine uses to answer replays without
	// entering Settle.
	Exists(ctx context.Context, id domain.Identity) (bool, error)
	// History returns entries where username is payer or payee, newest first.
	// A negative page yields an empty result.
	History(ctx context.Context, username string, page, pageSize int) ([]domain.Entry, error)
	HistoryCount(ctx context.Context, username string) (int64, error)
	Recent(ctx context.Context, username string, n int) ([]domain.Entry, error)
}

// Rules stores payout rules. Rule lifecycle belongs to account administration.
type Rules interface {
	CreateRules(ctx context.Context, accountID int64, rules []domain.PayoutRule) ([]domain.PayoutRule, error)
	RulesByAccount(ctx context.Context, accountID int64) ([]domain.PayoutRule, error)
	RulesAt(ctx context.Context, hour int, day time.Weekday) ([]domain.PayoutRule, error)
	DeleteRules(ctx context.Context, accountID int64) error
}

type Store interface {
	Accounts
	Ledger
	Rules
	Close() error
}

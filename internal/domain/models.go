package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places carried by minor units (1e-8, satoshi precision).
const AmountScale = 8

// Account represents a user's or a peer server's balance in the ledger.
// Username holds the server URL for server-to-server accounts.
type Account struct {
	ID            int64           `json:"id"`
	Username      string          `json:"username"`
	Email         string          `json:"email,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	EmailVerified bool            `json:"email_verified"`
	Deleted       bool            `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PublicKey is one entry in an account's key registry. KeyNumber starts at 1 and
// is never reused within an account.
type PublicKey struct {
	AccountID int64  `json:"account_id"`
	KeyNumber uint32 `json:"key_number"`
	Algorithm uint8  `json:"pki_algorithm"`
	Key       []byte `json:"key"`
}

// Identity is the de-duplication key of a settlement.
type Identity struct {
	PayerUsername  string `json:"payer"`
	PayeeUsername  string `json:"payee"`
	Currency       string `json:"currency"`
	Amount         int64  `json:"amount"`
	PayerTimestamp int64  `json:"payer_timestamp"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%s->%s %d %s @%d", id.PayerUsername, id.PayeeUsername, id.Amount, id.Currency, id.PayerTimestamp)
}

// Entry is the append-only ledger record of one settled transaction.
// It is written once by the settlement path and never mutated.
type Entry struct {
	ID             string    `json:"id"`
	PayerUsername  string    `json:"payer"`
	PayeeUsername  string    `json:"payee"`
	Currency       string    `json:"currency"`
	Amount         int64     `json:"amount"`
	InputCurrency  string    `json:"input_currency,omitempty"`
	InputAmount    int64     `json:"input_amount,omitempty"`
	PayerTimestamp int64     `json:"payer_timestamp"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e Entry) Identity() Identity {
	return Identity{
		PayerUsername:  e.PayerUsername,
		PayeeUsername:  e.PayeeUsername,
		Currency:       e.Currency,
		Amount:         e.Amount,
		PayerTimestamp: e.PayerTimestamp,
	}
}

// Value is the settled amount as a decimal.
func (e Entry) Value() decimal.Decimal {
	return MinorToDecimal(e.Amount)
}

// PayoutRule is a standing instruction to move funds to an external address once
// a balance limit is exceeded or at a given hour of a given weekday.
type PayoutRule struct {
	ID           int64            `json:"id"`
	AccountID    int64            `json:"account_id"`
	BalanceLimit *decimal.Decimal `json:"balance_limit,omitempty"`
	Hour         *int             `json:"hour,omitempty"`
	Day          *time.Weekday    `json:"day,omitempty"`
	Address      string           `json:"payout_address"`
}

// Scheduled reports whether the rule fires at the given hour and weekday.
func (r PayoutRule) Scheduled(hour int, day time.Weekday) bool {
	return r.Hour != nil && r.Day != nil && *r.Hour == hour && *r.Day == day
}

// PayoutReceipt acknowledges a payout handed to the Bitcoin node.
type PayoutReceipt struct {
	ID        string          `json:"id"`
	Username  string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
	Address   string          `json:"address"`
	TxID      string          `json:"txid"`
	CreatedAt time.Time       `json:"created_at"`
}

// MinorToDecimal converts an amount in minor units to its decimal value.
func MinorToDecimal(v int64) decimal.Decimal {
	return decimal.New(v, -AmountScale)
}

// DecimalToMinor converts a decimal value to minor units, truncating excess precision.
func DecimalToMinor(d decimal.Decimal) int64 {
	return d.Shift(AmountScale).IntPart()
}

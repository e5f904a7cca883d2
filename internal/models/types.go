package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paysettle/internal/domain"
)

// CreateAccountRequest opens an account for the authenticated user.
type CreateAccountRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// TransactionRequest carries a TLV-encoded ServerRequest, base64 encoded.
type TransactionRequest struct {
	ServerRequest string `json:"server_request"`
}

// TransactionResponse carries the server-signed TLV Response, base64 encoded,
// alongside a readable copy of its status and entry. Timestamp is the
// payer-assigned timestamp in milliseconds.
type TransactionResponse struct {
	Status    string `json:"status"`
	Response  string `json:"response"`
	Payer     string `json:"payer"`
	Payee     string `json:"payee"`
	Currency  string `json:"currency"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

// Transaction is one ledger entry as shown to account holders.
type Transaction struct {
	ID            string           `json:"id"`
	Payer         string           `json:"payer"`
	Payee         string           `json:"payee"`
	Currency      string           `json:"currency"`
	Amount        decimal.Decimal  `json:"amount"`
	InputCurrency string           `json:"input_currency,omitempty"`
	InputAmount   *decimal.Decimal `json:"input_amount,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

func NewTransaction(e domain.Entry) Transaction {
	t := Transaction{
		ID:            e.ID,
		Payer:         e.PayerUsername,
		Payee:         e.PayeeUsername,
		Currency:      e.Currency,
		Amount:        e.Value(),
		InputCurrency: e.InputCurrency,
		Timestamp:     e.Timestamp,
	}
	if e.InputCurrency != "" {
		v := domain.MinorToDecimal(e.InputAmount)
		t.InputAmount = &v
	}
	return t
}

func NewTransactions(entries []domain.Entry) []Transaction {
	out := make([]Transaction, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewTransaction(e))
	}
	return out
}

// AccountResponse is the account overview with the newest transactions.
type AccountResponse struct {
	Username      string          `json:"username"`
	Email         string          `json:"email,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	EmailVerified bool            `json:"email_verified"`
	Transactions  int64           `json:"transaction_count"`
	Recent        []Transaction   `json:"recent"`
}

// HistoryResponse is one page of an account's transactions.
type HistoryResponse struct {
	Page         int           `json:"page"`
	PageSize     int           `json:"page_size"`
	Total        int64         `json:"total"`
	Transactions []Transaction `json:"transactions"`
}

// KeyRequest registers a compressed secp256k1 public key (base64).
type KeyRequest struct {
	Algorithm uint8  `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

type KeyResponse struct {
	KeyNumber uint32 `json:"key_number"`
}

// PayoutRule is the wire form of domain.PayoutRule. Day is 0 (Sunday) to 6.
type PayoutRule struct {
	ID           int64            `json:"id,omitempty"`
	BalanceLimit *decimal.Decimal `json:"balance_limit,omitempty"`
	Hour         *int             `json:"hour,omitempty"`
	Day          *int             `json:"day,omitempty"`
	Address      string           `json:"address"`
}

func (r PayoutRule) Domain() domain.PayoutRule {
	out := domain.PayoutRule{BalanceLimit: r.BalanceLimit, Hour: r.Hour, Address: r.Address}
	if r.Day != nil {
		d := time.Weekday(*r.Day)
		out.Day = &d
	}
	return out
}

func NewPayoutRule(r domain.PayoutRule) PayoutRule {
	out := PayoutRule{ID: r.ID, BalanceLimit: r.BalanceLimit, Hour: r.Hour, Address: r.Address}
	if r.Day != nil {
		d := int(*r.Day)
		out.Day = &d
	}
	return out
}

type PayoutRulesRequest struct {
	Rules []PayoutRule `json:"rules"`
}

type PayoutRulesResponse struct {
	Rules []PayoutRule `json:"rules"`
}

// ErrorResponse is returned for every non-2xx answer. Kind is set for
// settlement failures.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

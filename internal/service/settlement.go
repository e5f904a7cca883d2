package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/paysettle/internal/domain"
	"github.com/punchamoorthee/paysettle/internal/keys"
	"github.com/punchamoorthee/paysettle/internal/payment"
	"github.com/punchamoorthee/paysettle/internal/store"
)

// RecentLimit is how many entries RecentTransactions returns.
const RecentLimit = 5

// PayoutTrigger runs after a settlement commits. Its errors are logged and
// never change the settlement outcome.
type PayoutTrigger interface {
	Evaluate(ctx context.Context, account *domain.Account) error
}

type SettlementService struct {
	accounts store.Accounts
	ledger   store.Ledger
	signer   keys.Signer
	trigger  PayoutTrigger
	logger   zerolog.Logger
	pageSize int
	now      func() time.Time
}

type Option func(*SettlementService)

// WithClock replaces the clock used to stamp ledger entries.
func WithClock(now func() time.Time) Option {
	return func(s *SettlementService) { s.now = now }
}

// WithPageSize sets the history page size.
func WithPageSize(n int) Option {
	return func(s *SettlementService) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewSettlementService wires the engine. trigger may be nil when no payout
// subsystem is configured.
func NewSettlementService(accounts store.Accounts, ledger store.Ledger, signer keys.Signer, trigger PayoutTrigger, logger zerolog.Logger, opts ...Option) *SettlementService {
	s := &SettlementService{
		accounts: accounts,
		ledger:   ledger,
		signer:   signer,
		trigger:  trigger,
		logger:   logger.With().Str("component", "settlement").Logger(),
		pageSize: 20,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTransaction validates a signed payment request, settles it atomically
// and returns the server-signed response. A replay of an already settled
// request yields a DUPLICATE_REQUEST response built from the original entry.
// Any returned error is a *Failure.
func (s *SettlementService) CreateTransaction(ctx context.Context, principal string, req *payment.ServerRequest) (resp *payment.Response, err error) {
	start := time.Now()
	defer func() {
		status := KindOf(err).String()
		if err == nil {
			status = resp.Status.String()
		}
		settlementRequestsTotal.WithLabelValues(status).Inc()
		settlementDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if principal == "" || req == nil || req.Payer == nil {
		return nil, fail(KindRejected, ErrMissingRequest)
	}
	if req.NofSignatures != 1 && req.NofSignatures != 2 {
		return nil, fail(KindRejected, fmt.Errorf("%w: got %d", ErrSignatureCount, req.NofSignatures))
	}
	payer := req.Payer

	if payer.Amount <= 0 {
		return nil, fail(KindNegativeAmount, ErrNonPositiveAmount)
	}
	if !payment.ValidCurrency(payer.Currency) {
		return nil, fail(KindRejected, fmt.Errorf("%w: %q", ErrUnknownCurrency, payer.Currency))
	}
	if payer.InputCurrency == "" && payer.InputAmount != 0 {
		return nil, fail(KindRejected, payment.ErrDanglingInputAmount)
	}
	if payer.InputCurrency != "" && !payment.ValidCurrency(payer.InputCurrency) {
		return nil, fail(KindRejected, fmt.Errorf("%w: input %q", ErrUnknownCurrency, payer.InputCurrency))
	}
	if payer.PayerUsername == payer.PayeeUsername {
		return nil, fail(KindRejected, ErrSelfPayment)
	}
	if req.NofSignatures == 1 && payer.PayerUsername != principal {
		s.logger.Warn().
			Str("event", "payer_principal_mismatch").
			Str("principal", principal).
			Str("payer", payer.PayerUsername).
			Msg("single-signature request for another account")
		return nil, fail(KindNotAuthenticatedUser, ErrPrincipalMismatch)
	}

	payerAccount, err := s.resolve(ctx, payer.PayerUsername)
	if err != nil {
		return nil, err
	}
	payeeAccount, err := s.resolve(ctx, payer.PayeeUsername)
	if err != nil {
		return nil, err
	}

	if err := s.verify(ctx, payerAccount, payer, payment.PartyPayer); err != nil {
		return nil, err
	}
	if req.NofSignatures == 2 {
		if !payer.Identical(req.Payee) {
			s.logger.Warn().
				Str("event", "payee_request_mismatch").
				Str("identity", payer.Identity().String()).
				Msg("payee request differs from payer request")
			return nil, fail(KindRejected, ErrRequestMismatch)
		}
		if err := s.verify(ctx, payeeAccount, req.Payee, payment.PartyPayee); err != nil {
			return nil, err
		}
	}

	if original, ok := s.settled(ctx, payer.Identity()); ok {
		s.logger.Info().
			Str("identity", original.Identity().String()).
			Str("entry_id", original.ID).
			Msg("duplicate settlement request")
		return s.respond(payment.StatusDuplicateRequest, *original)
	}

	// The commit and everything after it run to completion even if the
	// caller goes away.
	commitCtx := context.WithoutCancel(ctx)

	entry := domain.Entry{
		ID:             uuid.NewString(),
		PayerUsername:  payer.PayerUsername,
		PayeeUsername:  payer.PayeeUsername,
		Currency:       payer.Currency,
		Amount:         payer.Amount,
		InputCurrency:  payer.InputCurrency,
		InputAmount:    payer.InputAmount,
		PayerTimestamp: payer.Timestamp,
		Timestamp:      s.now().UTC().Truncate(time.Microsecond),
	}
	committed, duplicate, err := s.ledger.Settle(commitCtx, entry)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			return nil, fail(KindInsufficientFunds, err)
		case errors.Is(err, store.ErrAccountNotFound):
			return nil, fail(KindRejected, fmt.Errorf("%w: %v", ErrUnknownAccount, err))
		default:
			s.logger.Error().Err(err).Str("identity", entry.Identity().String()).Msg("settlement commit failed")
			return nil, fail(KindStorageFailure, fmt.Errorf("%w: %v", ErrSettlementStorage, err))
		}
	}

	if duplicate {
		s.logger.Info().
			Str("identity", committed.Identity().String()).
			Str("entry_id", committed.ID).
			Msg("duplicate settlement request")
		return s.respond(payment.StatusDuplicateRequest, committed)
	}

	s.logger.Info().
		Str("entry_id", committed.ID).
		Str("payer", committed.PayerUsername).
		Str("payee", committed.PayeeUsername).
		Int64("amount", committed.Amount).
		Str("currency", committed.Currency).
		Msg("settled")

	s.evaluatePayout(commitCtx, payeeAccount.ID)

	return s.respond(payment.StatusSuccess, committed)
}

func (s *SettlementService) resolve(ctx context.Context, username string) (*domain.Account, error) {
	account, err := s.accounts.AccountByUsername(ctx, username)
	if err == nil {
		return account, nil
	}
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, fail(KindRejected, fmt.Errorf("%w: %s", ErrUnknownAccount, username))
	}
	return nil, fail(KindStorageFailure, err)
}

// verify checks req's signature against the key account registered under
// party's key number. Every verification problem is a rejection.
func (s *SettlementService) verify(ctx context.Context, account *domain.Account, req *payment.Request, party payment.Party) error {
	alg, keyNumber := req.Key(party)
	pk, err := s.accounts.PublicKey(ctx, account.ID, keyNumber)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			s.rejectSignature(account, party, keyNumber, err)
			return fail(KindRejected, fmt.Errorf("%w: %s key %d not registered", ErrInvalidSignature, party, keyNumber))
		}
		return fail(KindStorageFailure, err)
	}
	if keys.Algorithm(pk.Algorithm) != alg {
		s.rejectSignature(account, party, keyNumber, keys.ErrUnknownAlgorithm)
		return fail(KindRejected, fmt.Errorf("%w: algorithm %s does not match %s key", ErrInvalidSignature, alg, party))
	}

	ok, err := req.Verify(party, pk.Key)
	if err != nil || !ok {
		s.rejectSignature(account, party, keyNumber, err)
		return fail(KindRejected, ErrInvalidSignature)
	}
	return nil
}

func (s *SettlementService) rejectSignature(account *domain.Account, party payment.Party, keyNumber uint32, cause error) {
	s.logger.Warn().
		Err(cause).
		Str("event", "signature_rejected").
		Str("account", account.Username).
		Stringer("party", party).
		Uint32("key_number", keyNumber).
		Msg("signature verification failed")
}

// settled returns the committed original when id is already in the ledger.
// Lookup errors fall through to Settle, which repeats the check under lock.
func (s *SettlementService) settled(ctx context.Context, id domain.Identity) (*domain.Entry, bool) {
	seen, err := s.ledger.Exists(ctx, id)
	if err != nil || !seen {
		return nil, false
	}
	original, err := s.ledger.Lookup(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("identity", id.String()).Msg("duplicate lookup failed")
		return nil, false
	}
	return original, true
}

// evaluatePayout hands the payee's post-settlement state to the trigger.
func (s *SettlementService) evaluatePayout(ctx context.Context, payeeID int64) {
	if s.trigger == nil {
		return
	}
	account, err := s.accounts.AccountByID(ctx, payeeID)
	if err != nil {
		s.logger.Error().Err(err).Int64("account_id", payeeID).Msg("payout evaluation skipped")
		return
	}
	if err := s.trigger.Evaluate(ctx, account); err != nil {
		s.logger.Error().Err(err).Str("account", account.Username).Msg("payout evaluation failed")
	}
}

func (s *SettlementService) respond(status payment.Status, entry domain.Entry) (*payment.Response, error) {
	resp := payment.NewResponse(status, entry)
	if err := resp.Sign(s.signer); err != nil {
		s.logger.Error().
			Err(err).
			Str("event", "response_unsigned").
			Str("entry_id", entry.ID).
			Msg("ledger committed but response could not be signed")
		return nil, fail(KindInternalError, fmt.Errorf("%w: %v", ErrResponseNotSigned, err))
	}
	return resp, nil
}

// History returns one page of the user's ledger entries, newest first.
func (s *SettlementService) History(ctx context.Context, username string, page int) ([]domain.Entry, error) {
	entries, err := s.ledger.History(ctx, username, page, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", username, err)
	}
	return entries, nil
}

func (s *SettlementService) HistoryCount(ctx context.Context, username string) (int64, error) {
	n, err := s.ledger.HistoryCount(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("history count for %s: %w", username, err)
	}
	return n, nil
}

// RecentTransactions returns the user's newest entries.
func (s *SettlementService) RecentTransactions(ctx context.Context, username string) ([]domain.Entry, error) {
	entries, err := s.ledger.Recent(ctx, username, RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("recent transactions for %s: %w", username, err)
	}
	return entries, nil
}

func (s *SettlementService) PageSize() int { return s.pageSize }

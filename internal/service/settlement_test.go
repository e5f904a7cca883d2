package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/paysettle/internal/domain"
	"github.com/punchamoorthee/paysettle/internal/keys"
	"github.com/punchamoorthee/paysettle/internal/payment"
	"github.com/punchamoorthee/paysettle/internal/store"
)

type mockTrigger struct {
	mock.Mock
}

func (m *mockTrigger) Evaluate(ctx context.Context, account *domain.Account) error {
	return m.Called(ctx, account).Error(0)
}

type failingSigner struct{}

func (failingSigner) Algorithm() keys.Algorithm { return keys.ECDSASecp256k1 }
func (failingSigner) KeyNumber() uint32         { return 1 }
func (failingSigner) Sign([]byte) ([]byte, error) {
	return nil, errors.New("hsm unavailable")
}

// brokenLedger fails every commit as an unreachable database would.
type brokenLedger struct {
	store.Ledger
}

func (brokenLedger) Settle(context.Context, domain.Entry) (domain.Entry, bool, error) {
	return domain.Entry{}, false, errors.New("connection reset by peer")
}

type fixture struct {
	store   *store.Badger
	server  *keys.PrivateKeySigner
	trigger *mockTrigger
	svc     *SettlementService
	signers map[string]*keys.PrivateKeySigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenInMemory(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	kp, err := keys.GenerateKeyPair(keys.ECDSASecp256k1)
	require.NoError(t, err)
	server, err := keys.NewPrivateKeySigner(keys.ECDSASecp256k1, 1, kp.Private)
	require.NoError(t, err)

	trigger := &mockTrigger{}
	f := &fixture{
		store:   s,
		server:  server,
		trigger: trigger,
		signers: map[string]*keys.PrivateKeySigner{},
	}
	f.svc = NewSettlementService(s, s, server, trigger, zerolog.Nop(), WithPageSize(2))
	return f
}

// open creates a funded account with one registered key.
func (f *fixture) open(t *testing.T, username, balance string) *domain.Account {
	t.Helper()
	ctx := context.Background()
	a, err := f.store.CreateAccount(ctx, username, "")
	require.NoError(t, err)
	if balance != "" {
		a, err = f.store.ApplyDelta(ctx, a.ID, decimal.RequireFromString(balance))
		require.NoError(t, err)
	}

	kp, err := keys.GenerateKeyPair(keys.SchnorrSecp256k1)
	require.NoError(t, err)
	n, err := f.store.SaveUserPublicKey(ctx, a.ID, uint8(keys.SchnorrSecp256k1), kp.PublicKey())
	require.NoError(t, err)
	signer, err := keys.NewPrivateKeySigner(keys.SchnorrSecp256k1, n, kp.Private)
	require.NoError(t, err)
	f.signers[username] = signer
	return a
}

func (f *fixture) signed(t *testing.T, signerName, payer, payee string, amount, ts int64) *payment.Request {
	t.Helper()
	req := &payment.Request{
		PayerUsername: payer,
		PayeeUsername: payee,
		Currency:      payment.CurrencyBTC,
		Amount:        amount,
		Timestamp:     ts,
	}
	require.NoError(t, req.Sign(payment.PartyPayer, f.signers[signerName]))
	return req
}

// rotate registers a fresh key for username and makes it the one it signs with.
func (f *fixture) rotate(t *testing.T, username string, alg keys.Algorithm) {
	t.Helper()
	a, err := f.store.AccountByUsername(context.Background(), username)
	require.NoError(t, err)
	kp, err := keys.GenerateKeyPair(alg)
	require.NoError(t, err)
	n, err := f.store.SaveUserPublicKey(context.Background(), a.ID, uint8(alg), kp.PublicKey())
	require.NoError(t, err)
	signer, err := keys.NewPrivateKeySigner(alg, n, kp.Private)
	require.NoError(t, err)
	f.signers[username] = signer
}

// countersigned builds the payer's and payee's copies of one payment, both
// naming the keys each side currently signs with.
func (f *fixture) countersigned(t *testing.T, payer, payee string, amount, ts int64) (*payment.Request, *payment.Request) {
	t.Helper()
	agreed := func() *payment.Request {
		payerSigner, payeeSigner := f.signers[payer], f.signers[payee]
		return &payment.Request{
			PayeeAlgorithm: payeeSigner.Algorithm(),
			PayeeKeyNumber: payeeSigner.KeyNumber(),
			PayerAlgorithm: payerSigner.Algorithm(),
			PayerKeyNumber: payerSigner.KeyNumber(),
			PayerUsername:  payer,
			PayeeUsername:  payee,
			Currency:       payment.CurrencyBTC,
			Amount:         amount,
			Timestamp:      ts,
		}
	}
	payerReq, payeeReq := agreed(), agreed()
	require.NoError(t, payerReq.Sign(payment.PartyPayer, f.signers[payer]))
	require.NoError(t, payeeReq.Sign(payment.PartyPayee, f.signers[payee]))
	return payerReq, payeeReq
}

func (f *fixture) single(t *testing.T, payer, payee string, amount, ts int64) *payment.ServerRequest {
	return payment.NewServerRequest(f.signed(t, payer, payer, payee, amount, ts), nil)
}

func (f *fixture) balance(t *testing.T, username string) decimal.Decimal {
	t.Helper()
	a, err := f.store.AccountByUsername(context.Background(), username)
	require.NoError(t, err)
	return a.Balance
}

func btc(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestCreateTransaction_Settles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "3")
	f.open(t, "bob", "1")
	f.trigger.On("Evaluate", mock.Anything, mock.Anything).Return(nil)

	before, err := f.store.SumOfBalances(ctx)
	require.NoError(t, err)

	resp, err := f.svc.CreateTransaction(ctx, "alice", f.single(t, "alice", "bob", 125_000_000, 1000))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, resp.Status)
	assert.Equal(t, "alice", resp.PayerUsername)
	assert.Equal(t, int64(125_000_000), resp.Amount)
	assert.Equal(t, int64(1000), resp.Timestamp)

	ok, err := resp.Verify(f.server.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok, "response carries the server signature")

	assert.True(t, f.balance(t, "alice").Equal(btc("1.75")))
	assert.True(t, f.balance(t, "bob").Equal(btc("2.25")))

	after, err := f.store.SumOfBalances(ctx)
	require.NoError(t, err)
	assert.True(t, before.Equal(after))

	n, err := f.svc.HistoryCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCreateTransaction_FundsBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "10.00000000")
	f.open(t, "bob", "")
	f.trigger.On("Evaluate", mock.Anything, mock.Anything).Return(nil)

	_, err := f.svc.CreateTransaction(ctx, "alice", f.single(t, "alice", "bob", 1_010_000_000, 1))
	require.Error(t, err)
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assert.True(t, f.balance(t, "alice").Equal(btc("10")))

	_, err = f.store.ApplyDelta(ctx, 1, btc("0.1"))
	require.NoError(t, err)

	resp, err := f.svc.CreateTransaction(ctx, "alice", f.single(t, "alice", "bob", 1_010_000_000, 2))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, resp.Status)
	assert.True(t, f.balance(t, "alice").IsZero())
	assert.True(t, f.balance(t, "bob").Equal(btc("10.1")))
}

func TestCreateTransaction_DuplicateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")
	f.trigger.On("Evaluate", mock.Anything, mock.Anything).Return(nil).Once()

	req := f.single(t, "alice", "bob", 40_000_000, 77)

	first, err := f.svc.CreateTransaction(ctx, "alice", req)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, first.Status)

	second, err := f.svc.CreateTransaction(ctx, "alice", req)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusDuplicateRequest, second.Status)
	assert.Equal(t, first.Amount, second.Amount)
	assert.Equal(t, first.Timestamp, second.Timestamp)

	ok, err := second.Verify(f.server.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, f.balance(t, "alice").Equal(btc("0.6")))
	n, err := f.svc.HistoryCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	f.trigger.AssertNumberOfCalls(t, "Evaluate", 1)
}

func TestCreateTransaction_NonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")

	for _, amount := range []int64{0, -5} {
		_, err := f.svc.CreateTransaction(ctx, "alice", f.single(t, "alice", "bob", amount, 1))
		require.Error(t, err)
		assert.Equal(t, KindNegativeAmount, KindOf(err))
	}
	n, err := f.svc.HistoryCount(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateTransaction_PayerMustBePrincipal(t *testing.T) {
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")

	_, err := f.svc.CreateTransaction(context.Background(), "bob", f.single(t, "alice", "bob", 1, 1))
	require.Error(t, err)
	assert.Equal(t, KindNotAuthenticatedUser, KindOf(err))
	assert.ErrorIs(t, err, ErrPrincipalMismatch)
	assert.True(t, f.balance(t, "alice").Equal(btc("1")))
}

func TestCreateTransaction_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")

	unknownCurrency := f.signed(t, "alice", "alice", "bob", 1, 1)
	unknownCurrency.Currency = "XAU"

	forged := f.signed(t, "bob", "alice", "bob", 1, 2)
	forged.PayerKeyNumber = f.signers["alice"].KeyNumber()

	unregistered := f.signed(t, "alice", "alice", "bob", 1, 3)
	unregistered.PayerKeyNumber = 9

	danglingInput := f.signed(t, "alice", "alice", "bob", 1, 5)
	danglingInput.InputAmount = 999_999

	unknownInput := f.signed(t, "alice", "alice", "bob", 1, 6)
	unknownInput.InputCurrency = "XAU"

	tampered := f.signed(t, "alice", "alice", "bob", 1, 4)
	tampered.Amount = 2

	cases := map[string]struct {
		principal string
		req       *payment.ServerRequest
		want      error
	}{
		"missing principal": {"", f.single(t, "alice", "bob", 1, 1), ErrMissingRequest},
		"missing request":   {"alice", nil, ErrMissingRequest},
		"missing payer":     {"alice", &payment.ServerRequest{NofSignatures: 1}, ErrMissingRequest},
		"three signatures":  {"alice", &payment.ServerRequest{NofSignatures: 3, Payer: f.signed(t, "alice", "alice", "bob", 1, 1)}, ErrSignatureCount},
		"self payment":      {"alice", f.single(t, "alice", "alice", 1, 1), ErrSelfPayment},
		"unknown currency":  {"alice", payment.NewServerRequest(unknownCurrency, nil), ErrUnknownCurrency},
		"unknown payee":     {"alice", f.single(t, "alice", "nobody", 1, 1), ErrUnknownAccount},
		"forged signature":  {"alice", payment.NewServerRequest(forged, nil), ErrInvalidSignature},
		"unregistered key":  {"alice", payment.NewServerRequest(unregistered, nil), ErrInvalidSignature},
		"tampered amount":   {"alice", payment.NewServerRequest(tampered, nil), ErrInvalidSignature},
		"dangling input":    {"alice", payment.NewServerRequest(danglingInput, nil), payment.ErrDanglingInputAmount},
		"unknown input":     {"alice", payment.NewServerRequest(unknownInput, nil), ErrUnknownCurrency},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateTransaction(ctx, tc.principal, tc.req)
			require.Error(t, err)
			assert.Equal(t, KindRejected, KindOf(err))
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.True(t, f.balance(t, "alice").Equal(btc("1")))
	n, err := f.svc.HistoryCount(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateTransaction_TwoSignatures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")
	f.trigger.On("Evaluate", mock.Anything, mock.Anything).Return(nil)

	t.Run("payee amount differs", func(t *testing.T) {
		payer, _ := f.countersigned(t, "alice", "bob", 10_000_000, 1)
		_, payee := f.countersigned(t, "alice", "bob", 20_000_000, 1)

		_, err := f.svc.CreateTransaction(ctx, "bob", payment.NewServerRequest(payer, payee))
		require.Error(t, err)
		assert.Equal(t, KindRejected, KindOf(err))
		assert.ErrorIs(t, err, ErrRequestMismatch)
		assert.True(t, f.balance(t, "alice").Equal(btc("1")))
	})

	t.Run("payee names another payee key", func(t *testing.T) {
		payer, payee := f.countersigned(t, "alice", "bob", 10_000_000, 2)
		payer.PayeeKeyNumber = 7
		require.NoError(t, payer.Sign(payment.PartyPayer, f.signers["alice"]))

		_, err := f.svc.CreateTransaction(ctx, "bob", payment.NewServerRequest(payer, payee))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRequestMismatch)
	})

	t.Run("payee signature invalid", func(t *testing.T) {
		payer, payee := f.countersigned(t, "alice", "bob", 10_000_000, 3)
		// Signed by the payer's key but presented as the payee's.
		payee.Signature = payer.Signature

		_, err := f.svc.CreateTransaction(ctx, "bob", payment.NewServerRequest(payer, payee))
		require.Error(t, err)
		assert.Equal(t, KindRejected, KindOf(err))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("countersigned request settles", func(t *testing.T) {
		payer, payee := f.countersigned(t, "alice", "bob", 10_000_000, 4)
		payer.InputCurrency = payment.CurrencyCHF
		payer.InputAmount = 500
		require.NoError(t, payer.Sign(payment.PartyPayer, f.signers["alice"]))

		resp, err := f.svc.CreateTransaction(ctx, "bob", payment.NewServerRequest(payer, payee))
		require.NoError(t, err)
		assert.Equal(t, payment.StatusSuccess, resp.Status)
		assert.True(t, f.balance(t, "alice").Equal(btc("0.9")))

		history, err := f.svc.History(ctx, "bob", 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, payment.CurrencyCHF, history[0].InputCurrency)
	})
}

func TestCreateTransaction_TwoSignaturesWithDifferentKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")
	f.trigger.On("Evaluate", mock.Anything, mock.Anything).Return(nil)

	f.rotate(t, "alice", keys.ECDSASecp256k1)
	require.Equal(t, uint32(2), f.signers["alice"].KeyNumber())
	require.Equal(t, uint32(1), f.signers["bob"].KeyNumber())

	payer, payee := f.countersigned(t, "alice", "bob", 25_000_000, 1)
	require.True(t, payer.Identical(payee))

	resp, err := f.svc.CreateTransaction(ctx, "bob", payment.NewServerRequest(payer, payee))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, resp.Status)
	assert.True(t, f.balance(t, "alice").Equal(btc("0.75")))
	assert.True(t, f.balance(t, "bob").Equal(btc("0.25")))
}

// cancellingLedger cancels the caller's context as the commit starts and
// refuses to settle under a cancelled context, as a database driver would.
type cancellingLedger struct {
	store.Ledger
	cancel context.CancelFunc
}

func (l cancellingLedger) Settle(ctx context.Context, entry domain.Entry) (domain.Entry, bool, error) {
	l.cancel()
	if err := ctx.Err(); err != nil {
		return domain.Entry{}, false, err
	}
	return l.Ledger.Settle(ctx, entry)
}

func TestCreateTransaction_CommitOutlivesCaller(t *testing.T) {
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")
	f.trigger.On("Evaluate", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.Anything).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := NewSettlementService(f.store, cancellingLedger{Ledger: f.store, cancel: cancel}, f.server, f.trigger, zerolog.Nop())

	resp, err := svc.CreateTransaction(ctx, "alice", f.single(t, "alice", "bob", 50_000_000, 1))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, resp.Status)
	assert.Error(t, ctx.Err())
	assert.True(t, f.balance(t, "bob").Equal(btc("0.5")))
	f.trigger.AssertExpectations(t)
}

func TestCreateTransaction_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")
	f.open(t, "carol", "")
	f.trigger.On("Evaluate", mock.Anything, mock.Anything).Return(nil)

	reqs := []*payment.ServerRequest{
		f.single(t, "alice", "bob", 60_000_000, 1),
		f.single(t, "alice", "carol", 60_000_000, 2),
	}
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *payment.ServerRequest) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateTransaction(ctx, "alice", req)
		}(i, req)
	}
	wg.Wait()

	var ok, refused int
	for _, err := range errs {
		switch KindOf(err) {
		case 0:
			ok++
		case KindInsufficientFunds:
			refused++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, refused)
	assert.True(t, f.balance(t, "alice").Equal(btc("0.4")))
}

func TestCreateTransaction_TriggerSeesPayeeBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "2")
	f.open(t, "bob", "0.5")

	f.trigger.On("Evaluate", mock.Anything, mock.MatchedBy(func(a *domain.Account) bool {
		return a.Username == "bob" && a.Balance.Equal(btc("1.5"))
	})).Return(errors.New("node unreachable")).Once()

	resp, err := f.svc.CreateTransaction(ctx, "alice", f.single(t, "alice", "bob", 100_000_000, 1))
	require.NoError(t, err, "payout failures never surface")
	assert.Equal(t, payment.StatusSuccess, resp.Status)
	f.trigger.AssertExpectations(t)
}

func TestCreateTransaction_SigningFailureAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")
	f.trigger.On("Evaluate", mock.Anything, mock.Anything).Return(nil)

	req := f.single(t, "alice", "bob", 30_000_000, 5)

	broken := NewSettlementService(f.store, f.store, failingSigner{}, f.trigger, zerolog.Nop())
	_, err := broken.CreateTransaction(ctx, "alice", req)
	require.Error(t, err)
	assert.Equal(t, KindInternalError, KindOf(err))
	assert.True(t, f.balance(t, "alice").Equal(btc("0.7")), "the ledger already moved")

	resp, err := f.svc.CreateTransaction(ctx, "alice", req)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusDuplicateRequest, resp.Status, "retry is answered from the ledger")
	assert.True(t, f.balance(t, "alice").Equal(btc("0.7")))
}

func TestCreateTransaction_StorageFailure(t *testing.T) {
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")

	svc := NewSettlementService(f.store, brokenLedger{Ledger: f.store}, f.server, f.trigger, zerolog.Nop())
	_, err := svc.CreateTransaction(context.Background(), "alice", f.single(t, "alice", "bob", 1, 1))
	require.Error(t, err)
	assert.Equal(t, KindStorageFailure, KindOf(err))
	assert.ErrorIs(t, err, ErrSettlementStorage)
	f.trigger.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything)
}

func TestHistoryPaging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "alice", "1")
	f.open(t, "bob", "")
	f.trigger.On("Evaluate", mock.Anything, mock.Anything).Return(nil)

	clock := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	for i := int64(1); i <= 3; i++ {
		_, err := f.svc.CreateTransaction(ctx, "alice", f.single(t, "alice", "bob", i, i))
		require.NoError(t, err)
	}

	page, err := f.svc.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Amount)

	page, err = f.svc.History(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].Amount)

	page, err = f.svc.History(ctx, "alice", -3)
	require.NoError(t, err)
	assert.Empty(t, page)

	recent, err := f.svc.RecentTransactions(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(0), KindOf(nil))
	assert.Equal(t, KindInternalError, KindOf(errors.New("plain")))
	wrapped := errors.Join(errors.New("outer"), fail(KindRejected, ErrSelfPayment))
	assert.Equal(t, KindRejected, KindOf(wrapped))
	assert.Equal(t, "REJECTED: payer and payee must differ", fail(KindRejected, ErrSelfPayment).Error())
}

package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/paysettle/internal/domain"
	"github.com/punchamoorthee/paysettle/internal/store"
)

var regtest = &chaincfg.RegressionNetParams

type mockNode struct {
	mock.Mock
}

func (m *mockNode) SendToAddress(address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error) {
	args := m.Called(address, amount)
	hash, _ := args.Get(0).(*chainhash.Hash)
	return hash, args.Error(1)
}

type mockInitiator struct {
	mock.Mock
}

func (m *mockInitiator) InitiatePayout(ctx context.Context, username string, amount decimal.Decimal, address string) (*domain.PayoutReceipt, error) {
	args := m.Called(ctx, username, amount, address)
	receipt, _ := args.Get(0).(*domain.PayoutReceipt)
	return receipt, args.Error(1)
}

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) CheckAllRules(ctx context.Context, now time.Time) error {
	return m.Called(ctx, now).Error(0)
}

func newAddress(t *testing.T, params *chaincfg.Params) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), params)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func openStore(t *testing.T) *store.Badger {
	t.Helper()
	s, err := store.OpenInMemory(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openAccount(t *testing.T, s *store.Badger, username, balance string) *domain.Account {
	t.Helper()
	ctx := context.Background()
	a, err := s.CreateAccount(ctx, username, "")
	require.NoError(t, err)
	a, err = s.ApplyDelta(ctx, a.ID, decimal.RequireFromString(balance))
	require.NoError(t, err)
	return a
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func ptr[T any](v T) *T { return &v }

func TestNetworkParams(t *testing.T) {
	p, err := NetworkParams("regtest")
	require.NoError(t, err)
	assert.Equal(t, regtest.Name, p.Name)

	_, err = NetworkParams("moonnet")
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestDecodeAddress(t *testing.T) {
	_, err := DecodeAddress(newAddress(t, regtest), regtest)
	assert.NoError(t, err)

	_, err = DecodeAddress(newAddress(t, &chaincfg.MainNetParams), regtest)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = DecodeAddress("not-an-address", regtest)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestNodeInitiator_DebitsAndSends(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	openAccount(t, s, "alice", "2")
	address := newAddress(t, regtest)

	node := &mockNode{}
	hash := chainhash.DoubleHashH([]byte("payout"))
	node.On("SendToAddress", mock.Anything, btcutil.Amount(150_000_000)).Return(&hash, nil).Once()

	initiator := NewNodeInitiator(s, node, regtest, zerolog.Nop())
	receipt, err := initiator.InitiatePayout(ctx, "alice", dec("1.5"), address)
	require.NoError(t, err)
	assert.Equal(t, hash.String(), receipt.TxID)
	assert.Equal(t, address, receipt.Address)
	assert.True(t, receipt.Amount.Equal(dec("1.5")))
	assert.NotEmpty(t, receipt.ID)

	a, err := s.AccountByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("0.5")))
	node.AssertExpectations(t)
}

func TestNodeInitiator_RefundsWhenNodeFails(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	openAccount(t, s, "alice", "2")

	node := &mockNode{}
	node.On("SendToAddress", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	initiator := NewNodeInitiator(s, node, regtest, zerolog.Nop())
	_, err := initiator.InitiatePayout(ctx, "alice", dec("1"), newAddress(t, regtest))
	assert.ErrorIs(t, err, ErrNodeUnavailable)

	a, err := s.AccountByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("2")))
}

func TestNodeInitiator_Refusals(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	openAccount(t, s, "alice", "1")
	node := &mockNode{}
	initiator := NewNodeInitiator(s, node, regtest, zerolog.Nop())

	_, err := initiator.InitiatePayout(ctx, "alice", dec("0.5"), "garbage")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = initiator.InitiatePayout(ctx, "alice", dec("0.000000001"), newAddress(t, regtest))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = initiator.InitiatePayout(ctx, "alice", dec("5"), newAddress(t, regtest))
	assert.ErrorIs(t, err, store.ErrInsufficientFunds)

	_, err = initiator.InitiatePayout(ctx, "ghost", dec("0.5"), newAddress(t, regtest))
	assert.ErrorIs(t, err, store.ErrAccountNotFound)

	node.AssertNotCalled(t, "SendToAddress", mock.Anything, mock.Anything)
}

func TestDisabledInitiator(t *testing.T) {
	_, err := Disabled{}.InitiatePayout(context.Background(), "alice", dec("1"), newAddress(t, regtest))
	assert.ErrorIs(t, err, ErrNodeUnavailable)
}

func TestTrigger_EvaluatePaysAboveLimit(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	bob := openAccount(t, s, "bob", "1.5")
	address := newAddress(t, regtest)

	_, err := s.CreateRules(ctx, bob.ID, []domain.PayoutRule{
		{BalanceLimit: ptr(dec("2")), Address: newAddress(t, regtest)},
		{BalanceLimit: ptr(dec("1")), Address: address},
	})
	require.NoError(t, err)

	initiator := &mockInitiator{}
	initiator.On("InitiatePayout", mock.Anything, "bob", mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(dec("1.4999"))
	}), address).Return(&domain.PayoutReceipt{ID: "r1"}, nil).Once()

	trigger := NewTrigger(s, s, initiator, dec("0.0001"), regtest, zerolog.Nop())
	require.NoError(t, trigger.Evaluate(ctx, bob))
	initiator.AssertExpectations(t)
}

func TestTrigger_EvaluateContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	bob := openAccount(t, s, "bob", "3")
	first, second := newAddress(t, regtest), newAddress(t, regtest)

	_, err := s.CreateRules(ctx, bob.ID, []domain.PayoutRule{
		{BalanceLimit: ptr(dec("1")), Address: first},
		{BalanceLimit: ptr(dec("1")), Address: second},
	})
	require.NoError(t, err)

	boom := errors.New("node down")
	initiator := &mockInitiator{}
	initiator.On("InitiatePayout", mock.Anything, "bob", mock.Anything, first).Return(nil, boom).Once()
	initiator.On("InitiatePayout", mock.Anything, "bob", mock.Anything, second).Return(&domain.PayoutReceipt{ID: "r2"}, nil).Once()

	trigger := NewTrigger(s, s, initiator, decimal.Zero, regtest, zerolog.Nop())
	err = trigger.Evaluate(ctx, bob)
	assert.ErrorIs(t, err, boom)
	initiator.AssertExpectations(t)
}

func TestTrigger_EvaluateRereadsAfterPayout(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	bob := openAccount(t, s, "bob", "3")
	first, second := newAddress(t, regtest), newAddress(t, regtest)

	_, err := s.CreateRules(ctx, bob.ID, []domain.PayoutRule{
		{BalanceLimit: ptr(dec("1")), Address: first},
		{BalanceLimit: ptr(dec("1")), Address: second},
	})
	require.NoError(t, err)

	hash := chainhash.DoubleHashH([]byte("tx"))
	node := &mockNode{}
	node.On("SendToAddress", mock.Anything, mock.Anything).Return(&hash, nil).Once()

	trigger := NewTrigger(s, s, NewNodeInitiator(s, node, regtest, zerolog.Nop()), dec("0.0001"), regtest, zerolog.Nop())
	require.NoError(t, trigger.Evaluate(ctx, bob))

	a, err := s.AccountByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("0.0001")), "fee stays behind and the second rule sees the new balance")
	node.AssertExpectations(t)
}

func TestTrigger_CheckAllRules(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	rich := openAccount(t, s, "rich", "0.5")
	poor := openAccount(t, s, "poor", "0.00005")
	other := openAccount(t, s, "other", "4")
	richAddr := newAddress(t, regtest)

	_, err := s.CreateRules(ctx, rich.ID, []domain.PayoutRule{{Hour: ptr(14), Day: ptr(time.Wednesday), Address: richAddr}})
	require.NoError(t, err)
	_, err = s.CreateRules(ctx, poor.ID, []domain.PayoutRule{{Hour: ptr(14), Day: ptr(time.Wednesday), Address: newAddress(t, regtest)}})
	require.NoError(t, err)
	_, err = s.CreateRules(ctx, other.ID, []domain.PayoutRule{{Hour: ptr(15), Day: ptr(time.Wednesday), Address: newAddress(t, regtest)}})
	require.NoError(t, err)

	initiator := &mockInitiator{}
	initiator.On("InitiatePayout", mock.Anything, "rich", mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(dec("0.4999"))
	}), richAddr).Return(&domain.PayoutReceipt{ID: "r"}, nil).Once()

	trigger := NewTrigger(s, s, initiator, dec("0.0001"), regtest, zerolog.Nop())
	wednesday := time.Date(2024, 5, 15, 14, 0, 0, 0, time.UTC)
	require.NoError(t, trigger.CheckAllRules(ctx, wednesday))
	initiator.AssertExpectations(t)
}

func TestValidateRules(t *testing.T) {
	good := newAddress(t, regtest)
	cases := map[string]struct {
		rules []domain.PayoutRule
		want  error
	}{
		"limit":          {[]domain.PayoutRule{{BalanceLimit: ptr(dec("1")), Address: good}}, nil},
		"schedule":       {[]domain.PayoutRule{{Hour: ptr(0), Day: ptr(time.Sunday), Address: good}}, nil},
		"empty":          {nil, ErrInvalidRule},
		"bad address":    {[]domain.PayoutRule{{BalanceLimit: ptr(dec("1")), Address: "xyz"}}, ErrInvalidAddress},
		"wrong network":  {[]domain.PayoutRule{{BalanceLimit: ptr(dec("1")), Address: newAddress(t, &chaincfg.MainNetParams)}}, ErrInvalidAddress},
		"no condition":   {[]domain.PayoutRule{{Address: good}}, ErrInvalidRule},
		"hour only":      {[]domain.PayoutRule{{Hour: ptr(3), Address: good}}, ErrInvalidRule},
		"hour too large": {[]domain.PayoutRule{{Hour: ptr(24), Day: ptr(time.Monday), Address: good}}, ErrInvalidRule},
		"zero limit":     {[]domain.PayoutRule{{BalanceLimit: ptr(decimal.Zero), Address: good}}, ErrInvalidRule},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			err := ValidateRules(tc.rules, regtest)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestTrigger_CreateRules(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	a := openAccount(t, s, "alice", "0")
	trigger := NewTrigger(s, s, &mockInitiator{}, decimal.Zero, regtest, zerolog.Nop())

	_, err := trigger.CreateRules(ctx, a.ID, []domain.PayoutRule{{Address: "bad"}})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	rules := []domain.PayoutRule{{BalanceLimit: ptr(dec("1")), Address: newAddress(t, regtest)}}
	created, err := trigger.CreateRules(ctx, a.ID, rules)
	require.NoError(t, err)
	assert.Len(t, created, 1)

	_, err = trigger.CreateRules(ctx, a.ID, rules)
	assert.ErrorIs(t, err, store.ErrRulesAlreadyDefined)
}

func TestScheduler(t *testing.T) {
	_, err := NewScheduler(&mockChecker{}, "not a cron spec", time.Second, zerolog.Nop())
	assert.Error(t, err)

	checker := &mockChecker{}
	at := time.Date(2024, 5, 15, 14, 0, 0, 0, time.UTC)
	checker.On("CheckAllRules", mock.Anything, at).Return(errors.New("one rule failed")).Once()

	s, err := NewScheduler(checker, "0 * * * *", time.Second, zerolog.Nop())
	require.NoError(t, err)
	s.now = func() time.Time { return at }

	s.RunOnce(context.Background())
	checker.AssertExpectations(t)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paysettle/internal/domain"
	"github.com/punchamoorthee/paysettle/internal/store"
)

var (
	ErrInvalidAddress  = errors.New("invalid payout address")
	ErrInvalidAmount   = errors.New("payout amount must be positive")
	ErrNodeUnavailable = errors.New("bitcoin node unavailable")
	ErrUnknownNetwork  = errors.New("unknown bitcoin network")
)

// Initiator moves funds out of the ledger to an external address.
type Initiator interface {
	InitiatePayout(ctx context.Context, username string, amount decimal.Decimal, address string) (*domain.PayoutReceipt, error)
}

// NodeClient is the slice of the node wallet RPC the initiator needs.
// *rpcclient.Client satisfies it.
type NodeClient interface {
	SendToAddress(address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error)
}

var _ NodeClient = (*rpcclient.Client)(nil)

// NetworkParams maps a configured network name to its chain parameters.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
}

// DecodeAddress parses address and checks it belongs to params' network.
func DecodeAddress(address string, params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("%w: %s is not a %s address", ErrInvalidAddress, address, params.Name)
	}
	return addr, nil
}

// NewNodeClient connects to a btcd/bitcoind wallet over HTTP POST RPC.
func NewNodeClient(host, user, pass string) (*rpcclient.Client, error) {
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		DisableTLS:   true,
		HTTPPostMode: true,
	}, nil)
}

// NodeInitiator debits the ledger and asks the node wallet to send the
// same amount on chain. The debit goes through the account store's atomic
// delta, so a payout can never take a balance below zero.
type NodeInitiator struct {
	accounts store.Accounts
	client   NodeClient
	params   *chaincfg.Params
	logger   zerolog.Logger
	now      func() time.Time
}

func NewNodeInitiator(accounts store.Accounts, client NodeClient, params *chaincfg.Params, logger zerolog.Logger) *NodeInitiator {
	return &NodeInitiator{
		accounts: accounts,
		client:   client,
		params:   params,
		logger:   logger.With().Str("component", "payout_initiator").Logger(),
		now:      time.Now,
	}
}

func (n *NodeInitiator) InitiatePayout(ctx context.Context, username string, amount decimal.Decimal, address string) (*domain.PayoutReceipt, error) {
	addr, err := DecodeAddress(address, n.params)
	if err != nil {
		return nil, err
	}
	sats := domain.DecimalToMinor(amount)
	if sats <= 0 {
		return nil, ErrInvalidAmount
	}
	value := domain.MinorToDecimal(sats)

	account, err := n.accounts.AccountByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if _, err := n.accounts.ApplyDelta(ctx, account.ID, value.Neg()); err != nil {
		return nil, fmt.Errorf("debit %s: %w", username, err)
	}

	hash, err := n.client.SendToAddress(addr, btcutil.Amount(sats))
	if err != nil {
		if _, creditErr := n.accounts.ApplyDelta(ctx, account.ID, value); creditErr != nil {
			n.logger.Error().
				Err(creditErr).
				Str("event", "payout_refund_failed").
				Str("account", username).
				Str("amount", value.String()).
				Msg("payout debit could not be reversed")
		}
		return nil, fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}

	receipt := &domain.PayoutReceipt{
		ID:        uuid.NewString(),
		Username:  username,
		Amount:    value,
		Address:   addr.EncodeAddress(),
		TxID:      hash.String(),
		CreatedAt: n.now().UTC(),
	}
	n.logger.Info().
		Str("account", username).
		Str("amount", value.String()).
		Str("address", receipt.Address).
		Str("txid", receipt.TxID).
		Msg("payout sent")
	return receipt, nil
}

// Disabled refuses every payout. It stands in when no node is configured,
// so balance-limit rules are still evaluated and logged.
type Disabled struct{}

func (Disabled) InitiatePayout(context.Context, string, decimal.Decimal, string) (*domain.PayoutReceipt, error) {
	return nil, ErrNodeUnavailable
}

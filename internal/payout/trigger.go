package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paysettle/internal/domain"
	"github.com/punchamoorthee/paysettle/internal/store"
)

var ErrInvalidRule = errors.New("invalid payout rule")

const (
	triggerBalance  = "balance_limit"
	triggerSchedule = "schedule"
)

var payoutInitiations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payout_initiations_total",
	Help: "Payouts started by rule evaluation, by trigger and outcome",
}, []string{"trigger", "outcome"})

// Trigger evaluates payout rules. It reads balances and rules but leaves
// every balance change to the Initiator.
type Trigger struct {
	accounts  store.Accounts
	rules     store.Rules
	initiator Initiator
	fee       decimal.Decimal
	params    *chaincfg.Params
	logger    zerolog.Logger
}

func NewTrigger(accounts store.Accounts, rules store.Rules, initiator Initiator, fee decimal.Decimal, params *chaincfg.Params, logger zerolog.Logger) *Trigger {
	return &Trigger{
		accounts:  accounts,
		rules:     rules,
		initiator: initiator,
		fee:       fee,
		params:    params,
		logger:    logger.With().Str("component", "payout_trigger").Logger(),
	}
}

// Evaluate pays out for every balance-limit rule of account whose limit the
// balance exceeds. A failing rule is logged and does not stop the others;
// the returned error joins the individual failures.
func (t *Trigger) Evaluate(ctx context.Context, account *domain.Account) error {
	rules, err := t.rules.RulesByAccount(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("rules for %s: %w", account.Username, err)
	}

	var errs []error
	for _, rule := range rules {
		if rule.BalanceLimit == nil {
			continue
		}
		if !account.Balance.GreaterThan(*rule.BalanceLimit) {
			continue
		}
		paid, err := t.pay(ctx, triggerBalance, account, rule)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if paid {
			if account, err = t.accounts.AccountByID(ctx, account.ID); err != nil {
				return errors.Join(append(errs, err)...)
			}
		}
	}
	return errors.Join(errs...)
}

// CheckAllRules pays out for every rule scheduled at now's hour and weekday
// whose account holds more than the flat fee.
func (t *Trigger) CheckAllRules(ctx context.Context, now time.Time) error {
	rules, err := t.rules.RulesAt(ctx, now.Hour(), now.Weekday())
	if err != nil {
		return fmt.Errorf("scheduled rules: %w", err)
	}
	t.logger.Debug().Int("rules", len(rules)).Int("hour", now.Hour()).Str("day", now.Weekday().String()).Msg("checking scheduled payouts")

	var errs []error
	for _, rule := range rules {
		account, err := t.accounts.AccountByID(ctx, rule.AccountID)
		if err != nil {
			t.logger.Error().Err(err).Int64("account_id", rule.AccountID).Int64("rule_id", rule.ID).Msg("scheduled payout skipped")
			errs = append(errs, err)
			continue
		}
		if !account.Balance.GreaterThan(t.fee) {
			continue
		}
		if _, err := t.pay(ctx, triggerSchedule, account, rule); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Trigger) pay(ctx context.Context, trigger string, account *domain.Account, rule domain.PayoutRule) (bool, error) {
	amount := account.Balance.Sub(t.fee)
	if !amount.IsPositive() {
		payoutInitiations.WithLabelValues(trigger, "skipped").Inc()
		return false, nil
	}

	receipt, err := t.initiator.InitiatePayout(ctx, account.Username, amount, rule.Address)
	if err != nil {
		payoutInitiations.WithLabelValues(trigger, "failed").Inc()
		t.logger.Error().
			Err(err).
			Str("trigger", trigger).
			Str("account", account.Username).
			Int64("rule_id", rule.ID).
			Str("address", rule.Address).
			Msg("payout failed")
		return false, fmt.Errorf("rule %d: %w", rule.ID, err)
	}

	payoutInitiations.WithLabelValues(trigger, "sent").Inc()
	t.logger.Info().
		Str("trigger", trigger).
		Str("account", account.Username).
		Int64("rule_id", rule.ID).
		Str("receipt", receipt.ID).
		Msg("payout initiated")
	return true, nil
}

// ValidateRules checks that each rule names a valid address for params and
// carries either a positive balance limit or a complete hour/day schedule.
func ValidateRules(rules []domain.PayoutRule, params *chaincfg.Params) error {
	if len(rules) == 0 {
		return fmt.Errorf("%w: no rules given", ErrInvalidRule)
	}
	for i, r := range rules {
		if _, err := DecodeAddress(r.Address, params); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if (r.Hour == nil) != (r.Day == nil) {
			return fmt.Errorf("%w: rule %d: hour and day must be set together", ErrInvalidRule, i)
		}
		if r.Hour != nil && (*r.Hour < 0 || *r.Hour > 23) {
			return fmt.Errorf("%w: rule %d: hour %d out of range", ErrInvalidRule, i, *r.Hour)
		}
		if r.Day != nil && (*r.Day < time.Sunday || *r.Day > time.Saturday) {
			return fmt.Errorf("%w: rule %d: day %d out of range", ErrInvalidRule, i, *r.Day)
		}
		if r.BalanceLimit != nil && !r.BalanceLimit.IsPositive() {
			return fmt.Errorf("%w: rule %d: balance limit must be positive", ErrInvalidRule, i)
		}
		if r.BalanceLimit == nil && r.Hour == nil {
			return fmt.Errorf("%w: rule %d: needs a balance limit or a schedule", ErrInvalidRule, i)
		}
	}
	return nil
}

// CreateRules validates and stores the account's rule set.
func (t *Trigger) CreateRules(ctx context.Context, accountID int64, rules []domain.PayoutRule) ([]domain.PayoutRule, error) {
	if err := ValidateRules(rules, t.params); err != nil {
		return nil, err
	}
	return t.rules.CreateRules(ctx, accountID, rules)
}

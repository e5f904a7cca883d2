package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paysettle/internal/domain"
)

// Key layout. Integers are big-endian so prefix scans come back in order.
//
//	account/<id>                         accountRecord
//	username/<name>                      <id>
//	key/<id><keyNumber>                  domain.PublicKey
//	entry/<identity>                     domain.Entry
//	history/<name>\x00<nanos><entryID>   <identity>
//	rule/<accountID><ruleID>             domain.PayoutRule
//	seq/<name>                           uint64
const (
	prefixAccount  = "account/"
	prefixUsername = "username/"
	prefixKey      = "key/"
	prefixEntry    = "entry/"
	prefixHistory  = "history/"
	prefixRule     = "rule/"
	seqAccount     = "seq/account"
	seqRule        = "seq/rule"
)

// maxConflictRetries bounds how often a transaction is replayed after
// losing an optimistic commit to a concurrent writer.
const maxConflictRetries = 256

// accountRecord is the stored form of an account; unlike domain.Account it
// keeps the deleted flag.
type accountRecord struct {
	ID            int64           `json:"id"`
	Username      string          `json:"username"`
	Email         string          `json:"email"`
	Balance       decimal.Decimal `json:"balance"`
	EmailVerified bool            `json:"email_verified"`
	Deleted       bool            `json:"deleted"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (r accountRecord) account() *domain.Account {
	return &domain.Account{
		ID:            r.ID,
		Username:      r.Username,
		Email:         r.Email,
		Balance:       r.Balance,
		EmailVerified: r.EmailVerified,
		Deleted:       r.Deleted,
		CreatedAt:     r.CreatedAt,
	}
}

// Badger is an embedded Store for single-node deployments and tests.
// Every mutation runs in one serializable badger transaction that is
// replayed on conflict, which gives the same per-account serialization
// the Postgres row locks provide.
type Badger struct {
	db     *badger.DB
	logger zerolog.Logger
}

func OpenBadger(dir string, logger zerolog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger})
	return openBadger(opts, logger)
}

// OpenInMemory opens a Badger store that lives only in memory.
func OpenInMemory(logger zerolog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{logger})
	return openBadger(opts, logger)
}

func openBadger(opts badger.Options, logger zerolog.Logger) (*Badger, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("unable to open badger: %w", err)
	}
	return &Badger{db: db, logger: logger.With().Str("component", "badger_store").Logger()}, nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}

func (s *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			s.logger.Debug().Int("attempt", attempt+1).Msg("transaction conflict, retrying")
			continue
		}
		return err
	}
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func accountKey(id int64) []byte { return join([]byte(prefixAccount), u64(uint64(id))) }

func usernameKey(name string) []byte { return []byte(prefixUsername + name) }

func publicKeyKey(accountID int64, keyNumber uint32) []byte {
	n := make([]byte, 4)
	binary.BigEndian.PutUint32(n, keyNumber)
	return join([]byte(prefixKey), u64(uint64(accountID)), n)
}

// field length-prefixes s so variable-width components never run together.
func field(s string) []byte {
	b := make([]byte, 2, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	return append(b, s...)
}

func identityKey(id domain.Identity) []byte {
	return join(
		field(id.PayerUsername), field(id.PayeeUsername), field(id.Currency),
		u64(uint64(id.Amount)), u64(uint64(id.PayerTimestamp)),
	)
}

func entryKey(id domain.Identity) []byte { return join([]byte(prefixEntry), identityKey(id)) }

func historyPrefix(username string) []byte {
	return join([]byte(prefixHistory), field(username))
}

func historyKey(username string, e domain.Entry) []byte {
	return join(historyPrefix(username), u64(uint64(e.Timestamp.UnixNano())), []byte(e.ID))
}

func ruleKey(accountID, ruleID int64) []byte {
	return join([]byte(prefixRule), u64(uint64(accountID)), u64(uint64(ruleID)))
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func nextSeq(txn *badger.Txn, key string) (int64, error) {
	var n uint64
	item, err := txn.Get([]byte(key))
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			n = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}
	n++
	return int64(n), txn.Set([]byte(key), u64(n))
}

func loadAccount(txn *badger.Txn, id int64) (*accountRecord, error) {
	var rec accountRecord
	if err := getJSON(txn, accountKey(id), &rec); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrAccountNotFound
	}
	return &rec, nil
}

func loadAccountByName(txn *badger.Txn, username string) (*accountRecord, error) {
	item, err := txn.Get(usernameKey(username))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, username)
		}
		return nil, err
	}
	var id int64
	if err := item.Value(func(val []byte) error {
		id = int64(binary.BigEndian.Uint64(val))
		return nil
	}); err != nil {
		return nil, err
	}
	return loadAccount(txn, id)
}

func (s *Badger) CreateAccount(ctx context.Context, username, email string) (*domain.Account, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	var rec accountRecord
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(usernameKey(username)); err == nil {
			return ErrUsernameTaken
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		id, err := nextSeq(txn, seqAccount)
		if err != nil {
			return err
		}
		rec = accountRecord{
			ID:        id,
			Username:  username,
			Email:     email,
			Balance:   decimal.Zero,
			CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		}
		if err := setJSON(txn, accountKey(id), rec); err != nil {
			return err
		}
		return txn.Set(usernameKey(username), u64(uint64(id)))
	})
	if err != nil {
		return nil, err
	}
	return rec.account(), nil
}

func (s *Badger) AccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	var rec *accountRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = loadAccountByName(txn, username)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec.account(), nil
}

func (s *Badger) AccountByID(ctx context.Context, id int64) (*domain.Account, error) {
	var rec *accountRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = loadAccount(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec.account(), nil
}

func (s *Badger) ApplyDelta(ctx context.Context, accountID int64, delta decimal.Decimal) (*domain.Account, error) {
	var rec *accountRecord
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		if rec, err = loadAccount(txn, accountID); err != nil {
			return err
		}
		next := rec.Balance.Add(delta)
		if next.IsNegative() {
			return ErrInsufficientFunds
		}
		rec.Balance = next
		return setJSON(txn, accountKey(accountID), rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.account(), nil
}

func (s *Badger) DeleteAccount(ctx context.Context, accountID int64) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := loadAccount(txn, accountID)
		if err != nil {
			return err
		}
		if !rec.Balance.IsZero() {
			return ErrBalanceNotZero
		}
		rec.Deleted = true
		return setJSON(txn, accountKey(accountID), rec)
	})
}

func (s *Badger) SaveUserPublicKey(ctx context.Context, accountID int64, algorithm uint8, key []byte) (uint32, error) {
	var number uint32
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := loadAccount(txn, accountID)
		if err != nil {
			return err
		}
		// Rewriting the account makes concurrent registrations conflict
		// even when neither saw an existing key.
		if err := setJSON(txn, accountKey(accountID), rec); err != nil {
			return err
		}

		prefix := join([]byte(prefixKey), u64(uint64(accountID)))
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		number = 1
		it.Seek(append(append([]byte{}, prefix...), 0xff))
		if it.ValidForPrefix(prefix) {
			k := it.Item().Key()
			number = binary.BigEndian.Uint32(k[len(prefix):]) + 1
		}
		it.Close()

		return setJSON(txn, publicKeyKey(accountID, number), domain.PublicKey{
			AccountID: accountID,
			KeyNumber: number,
			Algorithm: algorithm,
			Key:       key,
		})
	})
	if err != nil {
		return 0, err
	}
	return number, nil
}

func (s *Badger) PublicKey(ctx context.Context, accountID int64, keyNumber uint32) (*domain.PublicKey, error) {
	var pk domain.PublicKey
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, publicKeyKey(accountID, keyNumber), &pk)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pk, nil
}

func (s *Badger) SumOfBalances(ctx context.Context) (decimal.Decimal, error) {
	sum := decimal.Zero
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAccount)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec accountRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			sum = sum.Add(rec.Balance)
		}
		return nil
	})
	return sum, err
}

func (s *Badger) Settle(ctx context.Context, entry domain.Entry) (domain.Entry, bool, error) {
	var (
		committed domain.Entry
		duplicate bool
	)
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC().Truncate(time.Microsecond)
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		committed, duplicate = domain.Entry{}, false

		payer, err := loadAccountByName(txn, entry.PayerUsername)
		if err != nil {
			return err
		}
		payee, err := loadAccountByName(txn, entry.PayeeUsername)
		if err != nil {
			return err
		}

		var prior domain.Entry
		err = getJSON(txn, entryKey(entry.Identity()), &prior)
		switch {
		case err == nil:
			committed, duplicate = prior, true
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		amount := entry.Value()
		if payer.Balance.LessThan(amount) {
			return ErrInsufficientFunds
		}
		payer.Balance = payer.Balance.Sub(amount)
		if payer.ID == payee.ID {
			payee = payer
		}
		payee.Balance = payee.Balance.Add(amount)

		if err := setJSON(txn, accountKey(payer.ID), payer); err != nil {
			return err
		}
		if err := setJSON(txn, accountKey(payee.ID), payee); err != nil {
			return err
		}
		id := identityKey(entry.Identity())
		if err := setJSON(txn, entryKey(entry.Identity()), entry); err != nil {
			return err
		}
		if err := txn.Set(historyKey(entry.PayerUsername, entry), id); err != nil {
			return err
		}
		if err := txn.Set(historyKey(entry.PayeeUsername, entry), id); err != nil {
			return err
		}
		committed = entry
		return nil
	})
	if err != nil {
		return domain.Entry{}, false, err
	}
	return committed, duplicate, nil
}

func (s *Badger) Lookup(ctx context.Context, id domain.Identity) (*domain.Entry, error) {
	var e domain.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, entryKey(id), &e)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Badger) Exists(ctx context.Context, id domain.Identity) (bool, error) {
	_, err := s.Lookup(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Badger) History(ctx context.Context, username string, page, pageSize int) ([]domain.Entry, error) {
	entries := []domain.Entry{}
	if page < 0 || pageSize <= 0 {
		return entries, nil
	}
	skip := page * pageSize

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := historyPrefix(username)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if skip > 0 {
				skip--
				continue
			}
			if len(entries) == pageSize {
				break
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e domain.Entry
			if err := getJSON(txn, join([]byte(prefixEntry), id), &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Badger) HistoryCount(ctx context.Context, username string) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = historyPrefix(username)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Badger) Recent(ctx context.Context, username string, n int) ([]domain.Entry, error) {
	return s.History(ctx, username, 0, n)
}

func (s *Badger) CreateRules(ctx context.Context, accountID int64, rules []domain.PayoutRule) ([]domain.PayoutRule, error) {
	var created []domain.PayoutRule
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = created[:0]
		rec, err := loadAccount(txn, accountID)
		if err != nil {
			return err
		}
		if err := setJSON(txn, accountKey(accountID), rec); err != nil {
			return err
		}

		prefix := join([]byte(prefixRule), u64(uint64(accountID)))
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		it.Rewind()
		existing := it.Valid()
		it.Close()
		if existing {
			return ErrRulesAlreadyDefined
		}

		for _, r := range rules {
			id, err := nextSeq(txn, seqRule)
			if err != nil {
				return err
			}
			r.ID, r.AccountID = id, accountID
			if err := setJSON(txn, ruleKey(accountID, id), r); err != nil {
				return err
			}
			created = append(created, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Badger) scanRules(prefix []byte, keep func(domain.PayoutRule) bool) ([]domain.PayoutRule, error) {
	var rules []domain.PayoutRule
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var r domain.PayoutRule
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			if keep(r) {
				rules = append(rules, r)
			}
		}
		return nil
	})
	return rules, err
}

func (s *Badger) RulesByAccount(ctx context.Context, accountID int64) ([]domain.PayoutRule, error) {
	return s.scanRules(join([]byte(prefixRule), u64(uint64(accountID))), func(domain.PayoutRule) bool { return true })
}

func (s *Badger) RulesAt(ctx context.Context, hour int, day time.Weekday) ([]domain.PayoutRule, error) {
	return s.scanRules([]byte(prefixRule), func(r domain.PayoutRule) bool { return r.Scheduled(hour, day) })
}

func (s *Badger) DeleteRules(ctx context.Context, accountID int64) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		prefix := join([]byte(prefixRule), u64(uint64(accountID)))
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		if len(keys) == 0 {
			return ErrRuleNotFound
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.Logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.Logger.Trace().Msgf(format, args...)
}

var (
	_ Store = (*Badger)(nil)
	_ Store = (*Postgres)(nil)
)

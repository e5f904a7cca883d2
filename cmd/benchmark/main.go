package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/paysettle/internal/api"
	"github.com/punchamoorthee/paysettle/internal/keys"
	"github.com/punchamoorthee/paysettle/internal/models"
	"github.com/punchamoorthee/paysettle/internal/payment"
)

var opts = struct {
	TargetURL   string        `long:"url" default:"http://localhost:8080" description:"API base URL"`
	Concurrency int           `long:"workers" default:"10" description:"Number of concurrent workers"`
	Duration    time.Duration `long:"duration" default:"30s" description:"Test duration"`
	Workload    string        `long:"workload" default:"uniform" choice:"uniform" choice:"hotspot" description:"Workload type"`
	KeysFile    string        `long:"keys" default:"seed_keys.json" description:"Keys written by the seeder"`
	ReplayRate  float64       `long:"replay" default:"0.05" description:"Fraction of requests resent to exercise duplicate detection"`
}{}

type seedKey struct {
	Username   string `json:"username"`
	KeyNumber  uint32 `json:"key_number"`
	Algorithm  uint8  `json:"algorithm"`
	PrivateKey string `json:"private_key"`
}

type account struct {
	username string
	signer   keys.Signer
}

// Metrics
var (
	totalRequests uint64
	success201    uint64 // settled
	success200    uint64 // duplicate replays
	fail422       uint64 // rejected or insufficient funds
	fail429       uint64
	failOther     uint64
)

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	accounts, err := loadAccounts(opts.KeysFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot load seeded keys")
	}
	if len(accounts) < 2 {
		logger.Fatal().Int("accounts", len(accounts)).Msg("need at least two seeded accounts")
	}
	logger.Info().
		Str("workload", opts.Workload).
		Int("workers", opts.Concurrency).
		Dur("duration", opts.Duration).
		Msg("starting benchmark")

	ctx, cancel := context.WithTimeout(context.Background(), opts.Duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Concurrency; i++ {
		g.Go(func() error {
			worker(gctx, accounts)
			return nil
		})
	}
	_ = g.Wait()
	printResults(logger, time.Since(start))
}

func loadAccounts(path string) ([]account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seeded []seedKey
	if err := json.Unmarshal(data, &seeded); err != nil {
		return nil, err
	}
	out := make([]account, 0, len(seeded))
	for _, k := range seeded {
		signer, err := keys.NewServerSigner(keys.Algorithm(k.Algorithm), k.KeyNumber, k.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k.Username, err)
		}
		out = append(out, account{username: k.Username, signer: signer})
	}
	return out, nil
}

func worker(ctx context.Context, accounts []account) {
	client := &http.Client{Timeout: 5 * time.Second}
	var body []byte
	var principal string

	for ctx.Err() == nil {
		if body == nil || rand.Float64() >= opts.ReplayRate {
			payer, payee := pick(accounts)
			b, err := buildRequest(payer, payee)
			if err != nil {
				atomic.AddUint64(&failOther, 1)
				continue
			}
			body, principal = b, payer.username
		}

		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, opts.TargetURL+"/api/v1/transactions", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(api.PrincipalHeader, principal)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		case http.StatusTooManyRequests:
			atomic.AddUint64(&fail429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func buildRequest(payer, payee account) ([]byte, error) {
	req := &payment.Request{
		PayerUsername: payer.username,
		PayeeUsername: payee.username,
		Currency:      payment.CurrencyBTC,
		Amount:        1_000,
		Timestamp:     time.Now().UnixMilli(),
	}
	if err := req.Sign(payment.PartyPayer, payer.signer); err != nil {
		return nil, err
	}
	raw, err := payment.NewServerRequest(req, nil).Encode()
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.TransactionRequest{ServerRequest: base64.StdEncoding.EncodeToString(raw)})
}

func pick(accounts []account) (account, account) {
	if opts.Workload == "hotspot" && rand.Float32() < 0.90 {
		// Hotspot: 90% of traffic moves between the first two accounts.
		if rand.Float32() < 0.5 {
			return accounts[0], accounts[1]
		}
		return accounts[1], accounts[0]
	}

	a := rand.Intn(len(accounts))
	b := rand.Intn(len(accounts))
	for a == b {
		b = rand.Intn(len(accounts))
	}
	return accounts[a], accounts[b]
}

func printResults(logger zerolog.Logger, d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f422 := atomic.LoadUint64(&fail422)
	f429 := atomic.LoadUint64(&fail429)
	fErr := atomic.LoadUint64(&failOther)

	var rejectRate float64
	if total > 0 {
		rejectRate = float64(f422) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":        opts.Workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  float64(total) / d.Seconds(),
		"success_settled": s201,
		"success_replay":  s200,
		"rejected":        f422,
		"reject_rate_pct": rejectRate,
		"throttled":       f429,
		"errors":          fErr,
	}

	// JSON for the plotting scripts.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", opts.Workload)
	file, err := os.Create(filename)
	if err != nil {
		logger.Error().Err(err).Str("file", filename).Msg("cannot save results")
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/paysettle/internal/api"
	"github.com/punchamoorthee/paysettle/internal/config"
	"github.com/punchamoorthee/paysettle/internal/keys"
	"github.com/punchamoorthee/paysettle/internal/logging"
	"github.com/punchamoorthee/paysettle/internal/migrations"
	"github.com/punchamoorthee/paysettle/internal/payout"
	"github.com/punchamoorthee/paysettle/internal/service"
	"github.com/punchamoorthee/paysettle/internal/store"
)

const limiterIdle = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverBadger:
		b, err := store.OpenBadger(cfg.Store.BadgerDir, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		db := stdlib.OpenDBFromPool(pg.Pool())
		defer db.Close()
		if err := migrations.Apply(ctx, db); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
}

func newInitiator(cfg *config.Config, accounts store.Accounts, params *chaincfg.Params, logger zerolog.Logger) (payout.Initiator, error) {
	if cfg.Payout.RPCHost == "" {
		logger.Warn().Msg("BTCD_RPC_HOST not set, payouts disabled")
		return payout.Disabled{}, nil
	}
	client, err := payout.NewNodeClient(cfg.Payout.RPCHost, cfg.Payout.RPCUser, cfg.Payout.RPCPass)
	if err != nil {
		return nil, err
	}
	return payout.NewNodeInitiator(accounts, client, params, logger), nil
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	signer, err := keys.NewServerSigner(keys.Algorithm(cfg.Settlement.ServerAlgorithm), cfg.Settlement.ServerKeyNumber, cfg.Settlement.ServerPrivateKey)
	if err != nil {
		return err
	}
	logger.Info().
		Str("algorithm", signer.Algorithm().String()).
		Uint32("key_number", signer.KeyNumber()).
		Str("public_key", keys.EncodePublicKey(signer.PublicKey())).
		Msg("server signing key loaded")

	params, err := payout.NetworkParams(cfg.Payout.Network)
	if err != nil {
		return err
	}
	fee, err := cfg.PayoutFee()
	if err != nil {
		return err
	}
	initiator, err := newInitiator(cfg, st, params, logger)
	if err != nil {
		return err
	}
	trigger := payout.NewTrigger(st, st, initiator, fee, params, logger)
	scheduler, err := payout.NewScheduler(trigger, cfg.Payout.Schedule, time.Hour, logger)
	if err != nil {
		return err
	}

	svc := service.NewSettlementService(st, st, signer, trigger, logger,
		service.WithPageSize(cfg.Settlement.HistoryPageSize))
	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger)
	handler := api.NewHandler(svc, st, trigger, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, limiter),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		ticker := time.NewTicker(limiterIdle)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Prune(limiterIdle)
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), scheduler.Stop(shutdownCtx))
	})
	return g.Wait()
}

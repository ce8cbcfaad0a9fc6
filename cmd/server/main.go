package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"bridgerelay/EVMRPC"
	"bridgerelay/config"
	"bridgerelay/postgres"
	"bridgerelay/queue"
	"bridgerelay/redis"
	"bridgerelay/relay"
	"bridgerelay/types"
	"bridgerelay/workers"
	"bridgerelay/workers/handlers"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogger(dir, level string) (io.Closer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("log_%s.txt", time.Now().Format("2006-01-02"))), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file for writing: %w", err)
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})).
		With().Timestamp().Logger()
	return f, nil
}

func main() {
	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading configuration")
	}

	logFile, err := setupLogger(cfg.Server.LogDir, cfg.Server.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Error setting up logging")
	}
	defer logFile.Close()

	log.Info().Strs("networks", cfg.NetworkNames()).Str("storage", cfg.Storage.Driver).Msg("Starting burn/mint bridge relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// connect to Redis, without persistence do not continue
	pool := redis.NewPool(cfg.RedisAddr())
	defer pool.Close()
	if err := redis.Ping(ctx, pool); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr()).Msg("Cannot connect to Redis")
	}

	var (
		store types.Store
		ping  func(ctx context.Context) error
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot connect to Postgres")
		}
		defer pg.Close()
		store, ping = pg, pg.Ping
	default:
		store = redis.NewStore(pool)
		ping = func(ctx context.Context) error { return redis.Ping(ctx, pool) }
	}

	signer, err := EVMRPC.NewSigner(cfg.Signer.PrivateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading signer key")
	}
	log.Info().Str("address", signer.Address().Hex()).Msg("Bridge operator")

	networks, err := EVMRPC.FromConfig(cfg, signer)
	if err != nil {
		log.Fatal().Err(err).Msg("Error resolving networks")
	}
	defer networks.Close()

	relayer := relay.NewClient(cfg.Relay.URL, cfg.Relay.APIKey)
	minter := workers.NewMintWorker(networks, relayer, store)

	jobOptions := queue.Options{
		Attempts: cfg.Queue.Attempts,
		Backoff:  types.Backoff{Type: types.BackoffExponential, DelayMs: cfg.Queue.BackoffDelayMs},
	}
	mintQueue := queue.New(pool, cfg.Queue.Name,
		queue.WithDefaults(jobOptions),
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithPollInterval(time.Duration(cfg.Queue.PollMs)*time.Millisecond),
		queue.WithOnFailed(minter.OnFailed),
	)
	if n, err := mintQueue.RecoverActive(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error recovering active jobs")
	} else if n > 0 {
		log.Warn().Int("jobs", n).Msg("Re-queued jobs left active by previous run")
	}

	cursors := workers.NewCursorTracker(redis.NewCursorStore(pool))
	poller := workers.NewPoller(networks, store, mintQueue, cursors, workers.PollerConfig{
		BlockBatch:       uint64(cfg.Scan.BlockBatch),
		ResumeFromCursor: cfg.Scan.ResumeFromCursor,
		Job:              jobOptions,
	})
	reconciler := workers.NewReconciler(store, relayer)

	clock := clockwork.NewRealClock()
	scheduler := workers.NewScheduler(clock)
	scheduler.Every("scanBurns", cfg.ScanInterval(), poller.PollOnce)
	scheduler.Every("reconcileTasks", cfg.ReconcileInterval(), reconciler.ReconcileOnce)
	if cfg.StaleAfter() > 0 {
		sweeper := workers.NewStaleSweeper(store, clock, cfg.StaleAfter(), cfg.Reconcile.FailStale)
		scheduler.Every("sweepStale", cfg.ReconcileInterval(), func(ctx context.Context) { sweeper.SweepOnce(ctx) })
	}

	// the tracker starts at chain head right away, not one interval later
	poller.PollOnce(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		mintQueue.Process(ctx, minter.Handle)
	}()

	router := workers.NewRouter(&handlers.API{
		Store:    store,
		Queue:    mintQueue,
		Networks: networks.Names(),
		Ping:     ping,
	})
	if err := workers.ServeHTTP(ctx, fmt.Sprintf(":%d", cfg.Server.Port), router); err != nil {
		log.Error().Err(err).Msg("HTTP service error")
		stop()
	}

	wg.Wait()
	log.Info().Msg("Bridge relay stopped")
}

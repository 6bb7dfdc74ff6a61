package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openibank/openibank-sub001/pkg/api"
	"github.com/openibank/openibank-sub001/pkg/archive"
	"github.com/openibank/openibank-sub001/pkg/bank"
	"github.com/openibank/openibank-sub001/pkg/config"
	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/observability"
)

const shutdownTimeout = 15 * time.Second

// runServe starts the node and blocks until SIGINT or SIGTERM.
func runServe(_ []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := observability.SetupLogger(cfg.LogLevel, stderr, true)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, stdout); err != nil {
		logger.Error("node stopped", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = cfg.ServiceName
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.Init(ctx, obsCfg, logger)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = obs.Shutdown(sctx)
	}()

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}
	j, err := bank.OpenJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	seed, err := bank.LoadSeed(cfg, logger)
	if err != nil {
		_ = j.Close()
		return err
	}
	pol, closePolicy, err := bank.BuildPolicy(profile.Policy, cfg.RedisAddr)
	if err != nil {
		_ = j.Close()
		return err
	}
	defer func() { _ = closePolicy() }()

	b, err := bank.New(ctx, bank.Options{
		Seed:    seed,
		Journal: j,
		Policy:  pol,
		Reserve: profile.Reserve,
		Logger:  logger,
	})
	if err != nil {
		_ = j.Close()
		return err
	}
	defer func() { _ = b.Close() }()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	sweeping := b.Sweeper(runCtx, profile.SweepInterval)

	tokens, err := tokenManager(cfg, logger, stdout)
	if err != nil {
		return err
	}

	var idem api.IdempotencyStorer
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		idem = api.NewRedisIdempotencyStore(client, 24*time.Hour, logger)
	}

	sink, err := archive.NewSinkFromConfig(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	archiver := archive.NewArchiver(b.Receipts.Store(), b.Receipts, sink, logger)

	var limiter *api.GlobalRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	srv, err := api.NewServer(api.Options{
		Bank:          b,
		Tokens:        tokens,
		Idempotency:   idem,
		RateLimiter:   limiter,
		Observability: obs,
		Archiver:      archiver,
		Logger:        logger,
		Version:       version,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("node listening",
			"addr", httpSrv.Addr,
			"lite_mode", cfg.LiteMode(),
			"node_public_key", b.NodePublicKey(),
			"version", version)
		errCh <- httpSrv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	cancelRun()
	<-sweeping
	return serveErr
}

// tokenManager uses JWT_SECRET. Lite mode without a secret gets an
// ephemeral one and prints an operator token so the node is usable.
func tokenManager(cfg *config.Config, logger *slog.Logger, stdout io.Writer) (*identity.TokenManager, error) {
	if cfg.JWTSecret != "" {
		return identity.NewTokenManager([]byte(cfg.JWTSecret))
	}
	if !cfg.LiteMode() {
		return nil, errors.New("JWT_SECRET is required when DATABASE_URL is set")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	tm, err := identity.NewTokenManager(secret)
	if err != nil {
		return nil, err
	}
	tok, err := tm.Issue("operator", identity.RoleOperator, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	logger.Warn("JWT_SECRET not set; tokens are valid for this process only")
	_, _ = fmt.Fprintf(stdout, "operator token (24h): %s\n", tok)
	return tm, nil
}

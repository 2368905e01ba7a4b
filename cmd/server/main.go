// Package main is the entry point for the player arena backend: the
// points ledger and the custodial signature relay, wired together and
// handed to the transport layer.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"player-arena-backend/internal/chain"
	"player-arena-backend/internal/config"
	"player-arena-backend/internal/pkg/db"
	"player-arena-backend/internal/pkg/lock"
	"player-arena-backend/internal/repository"
	"player-arena-backend/internal/service"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := db.Migrate(ctx, dbPool.Pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// The custodial key is process-wide state: a bad key is fatal here,
	// never per-request.
	signer, err := chain.NewSigner(&cfg.Signer, &cfg.Chain)
	if err != nil {
		log.Fatal().Err(err).Msg("Signing key unavailable")
	}
	log.Info().Str("signer", signer.Address().Hex()).Msg("Custodial signer initialized")

	// The nonce oracle dials lazily; an unreachable chain degrades nonce
	// selection to local state instead of blocking startup.
	oracle, err := chain.NewContractNonceOracle(&cfg.Chain)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize nonce oracle")
	}
	defer oracle.Close()

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(dbPool.Pool)
	ledgerRepo := repository.NewLedgerRepository(dbPool.Pool)
	pendingRepo := repository.NewPendingTxRepository(dbPool.Pool)

	// Per-address lock shared by the ledger and the relay: balance
	// adjustments and nonce selection serialize on the same key.
	addressLock := lock.NewAddressLock()

	pointsService := service.NewPointsService(dbPool, accountRepo, ledgerRepo, addressLock, cfg.Points)
	relayService := service.NewRelayService(
		dbPool,
		accountRepo,
		pendingRepo,
		oracle,
		signer,
		addressLock,
		cfg.Relay.DefaultDeadline,
	)
	// The HTTP transport consuming these services is wired separately.
	_ = pointsService
	_ = relayService

	log.Info().
		Int64("chain_id", cfg.Chain.ChainID).
		Str("contract", cfg.Chain.Contract).
		Msg("Services ready")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	log.Info().Msg("Server stopped gracefully")
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/khma-io/khma-node/aggregator"
	"github.com/khma-io/khma-node/crypto"
	"github.com/khma-io/khma-node/db/metadb"
	"github.com/khma-io/khma-node/enrollment"
	"github.com/khma-io/khma-node/ledger"
	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/secrets"
	"github.com/khma-io/khma-node/service"
	"github.com/khma-io/khma-node/session"
	"github.com/khma-io/khma-node/storage"
)

// Services holds all the running services
type Services struct {
	Storage *storage.Storage
	API     *service.APIService
	Workers *service.WorkerService
}

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting khma-node", "version", Version, "env", cfg.Env)

	if cfg.Database.RedisURL != "" {
		log.Warnw("REDIS_URL is not supported, in-process caches are used instead")
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	strict := cfg.Production()
	provider := secrets.New(cfg.Vault.Addr, cfg.Vault.Token, cfg.Vault.SecretPath)

	jwtSecret, err := secrets.Require(provider, "JWT_SECRET", strict)
	if err != nil {
		return nil, err
	}
	pnSecret, err := secrets.Require(provider, "PN_HASH_SECRET", strict)
	if err != nil {
		return nil, err
	}
	deviceSecret, err := secrets.Require(provider, "DEVICE_HASH_SECRET", strict)
	if err != nil {
		return nil, err
	}
	voterSecret, err := secrets.Require(provider, "VOTER_HASH_SECRET", strict)
	if err != nil {
		return nil, err
	}
	// Operator access is optional: without ADMIN_API_KEY the admin
	// endpoints stay disabled.
	adminKey, _ := provider.Get("ADMIN_API_KEY")
	adminKeySecret, _ := provider.Get("API_KEY_ENCRYPTION_SECRET")
	if adminKey == "" {
		log.Warnw("ADMIN_API_KEY not set, admin API disabled")
	}

	// Storage backend
	database, err := metadb.ForURL(cfg.Database.URL, cfg.Datadir)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	stg := storage.New(database)
	if err := stg.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Derivation stack
	hasher, err := crypto.NewHasher(cfg.Crypto.Hasher)
	if err != nil {
		return nil, err
	}
	deriver := crypto.NewDeriver(hasher, []byte(pnSecret), []byte(deviceSecret), []byte(voterSecret))
	zkVerifier, err := crypto.NewNullifierProofVerifier(cfg.Crypto.NullifierVK, strict)
	if err != nil {
		return nil, err
	}

	// Biometric verifier; nil trusts client scores, refused in production
	var verifier enrollment.Verifier
	if cfg.Biometric.URL != "" {
		verifier = enrollment.NewClient(cfg.Biometric.URL,
			time.Duration(cfg.Biometric.TimeoutMS)*time.Millisecond,
			cfg.Biometric.MaxRetries)
	} else if strict {
		return nil, fmt.Errorf("BIOMETRIC_SERVICE_URL is required in production")
	}

	// Ledger anchoring client
	var chain ledger.Client
	if cfg.Ledger.RPCURL != "" {
		ledgerKey, err := secrets.Require(provider, "LEDGER_PRIVATE_KEY", strict)
		if err != nil {
			return nil, err
		}
		chain, err = ledger.NewEthClient(cfg.Ledger.RPCURL, ledgerKey)
		if err != nil {
			return nil, fmt.Errorf("failed to connect ledger: %w", err)
		}
	}

	if err := service.CheckUpstreams(ctx, provider, verifier, chain); err != nil {
		if strict {
			return nil, fmt.Errorf("upstream health check failed: %w", err)
		}
		log.Warnw("upstream health check failed", "error", err)
	}

	agg := aggregator.New(stg, cfg.Privacy.EnableNoise)

	services := &Services{Storage: stg}
	services.API = service.NewAPI(stg, cfg.API.Host, cfg.API.Port, false)
	services.API.SetComponents(
		session.NewManager([]byte(jwtSecret)),
		enrollment.NewEngine(stg, deriver, verifier),
		deriver,
		zkVerifier,
		agg,
	)
	services.API.SetAdminAccess(adminKey, []byte(adminKeySecret), cfg.Privacy.MinK)
	if err := services.API.Start(ctx); err != nil {
		return nil, err
	}

	// Reward dispatch needs an external provider integration; receipts
	// stay pending until one is configured.
	services.Workers = service.NewWorkers(stg, agg, chain, nil)
	if err := services.Workers.Start(ctx); err != nil {
		return nil, err
	}
	return services, nil
}

// shutdownServices stops everything in reverse start order.
func shutdownServices(services *Services) {
	if services == nil {
		return
	}
	if services.Workers != nil {
		services.Workers.Stop()
	}
	if services.API != nil {
		services.API.Stop()
	}
	if services.Storage != nil {
		services.Storage.Close()
	}
	log.Infow("shutdown complete")
}

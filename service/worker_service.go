package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/khma-io/khma-node/aggregator"
	"github.com/khma-io/khma-node/enrollment"
	"github.com/khma-io/khma-node/ledger"
	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/secrets"
	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/workers"
)

const healthCheckTimeout = 10 * time.Second

// WorkerService runs the node's background maintenance loops.
type WorkerService struct {
	mu      sync.Mutex
	manager *workers.Manager
	running bool
}

// NewWorkers assembles the background worker set. A nil ledger client
// disables anchoring, a nil reward sender disables dispatch; everything
// else always runs.
func NewWorkers(stg *storage.Storage, agg *aggregator.Aggregator,
	chain ledger.Client, rewards workers.RewardSender,
) *WorkerService {
	m := workers.NewManager()
	m.Register(workers.NewPollMonitor(stg))
	m.Register(workers.NewChainVerifier(stg))
	m.Register(workers.NewResultsBuilder(stg, agg))
	m.Register(workers.NewSessionJanitor(stg))
	if chain != nil {
		m.Register(workers.NewAnchorSubmitter(stg, chain))
	} else {
		log.Warnw("ledger client not configured, audit chain anchoring disabled")
	}
	if rewards != nil {
		m.Register(workers.NewRewardDispatcher(stg, rewards))
	}
	return &WorkerService{manager: m}
}

// Start launches the workers.
func (ws *WorkerService) Start(ctx context.Context) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.running {
		return fmt.Errorf("service already running")
	}
	if err := ws.manager.Start(ctx); err != nil {
		return err
	}
	ws.running = true
	return nil
}

// Stop cancels the workers and waits for them to finish.
func (ws *WorkerService) Stop() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.running {
		return
	}
	ws.manager.Stop()
	ws.running = false
}

// CheckUpstreams probes every configured external dependency in parallel.
// It is called once at startup so a dead Vault or verifier surfaces
// immediately instead of on the first request.
func CheckUpstreams(ctx context.Context, provider secrets.Provider,
	verifier enrollment.Verifier, chain ledger.Client,
) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	if provider != nil {
		g.Go(func() error {
			if err := provider.Health(); err != nil {
				return fmt.Errorf("secrets provider (%s): %w", provider.Source(), err)
			}
			log.Infow("secrets provider healthy",
				"source", provider.Source(), "secrets", provider.Count())
			return nil
		})
	}
	if verifier != nil {
		g.Go(func() error {
			if err := verifier.Health(ctx); err != nil {
				return fmt.Errorf("biometric verifier: %w", err)
			}
			return nil
		})
	}
	if chain != nil {
		g.Go(func() error {
			if err := chain.Health(ctx); err != nil {
				return fmt.Errorf("ledger: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

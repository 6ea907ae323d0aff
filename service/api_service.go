// Package service wraps the node's long-running components behind a
// uniform Start/Stop lifecycle: the HTTP API, the background workers and
// the shield reverse proxy.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/khma-io/khma-node/aggregator"
	"github.com/khma-io/khma-node/api"
	"github.com/khma-io/khma-node/crypto"
	"github.com/khma-io/khma-node/enrollment"
	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/session"
	"github.com/khma-io/khma-node/storage"
)

// APIService represents a service that manages the HTTP API server.
type APIService struct {
	storage *storage.Storage
	API     *api.API
	mu      sync.Mutex
	cancel  context.CancelFunc

	host           string
	port           int
	adminKey       string
	adminKeySecret []byte
	defaultMinK    int

	sessions   *session.Manager
	enroll     *enrollment.Engine
	deriver    *crypto.Deriver
	verifier   *crypto.NullifierProofVerifier
	aggregator *aggregator.Aggregator
}

// NewAPI creates a new APIService instance.
func NewAPI(stg *storage.Storage, host string, port int, disableLogging bool) *APIService {
	if disableLogging {
		api.DisabledLogging = disableLogging
		log.Debugw("API logging is disabled")
	}
	return &APIService{
		storage: stg,
		host:    host,
		port:    port,
	}
}

// SetComponents wires the domain components the API serves.
func (as *APIService) SetComponents(
	sessions *session.Manager,
	enroll *enrollment.Engine,
	deriver *crypto.Deriver,
	verifier *crypto.NullifierProofVerifier,
	agg *aggregator.Aggregator,
) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.sessions = sessions
	as.enroll = enroll
	as.deriver = deriver
	as.verifier = verifier
	as.aggregator = agg
}

// SetAdminAccess configures the operator key, its HMAC comparison secret
// and the default anonymity floor for new polls.
func (as *APIService) SetAdminAccess(adminKey string, adminKeySecret []byte, defaultMinK int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.adminKey = adminKey
	as.adminKeySecret = adminKeySecret
	as.defaultMinK = defaultMinK
}

// Start begins the API server. It returns an error if the service is
// already running or if it fails to start.
func (as *APIService) Start(ctx context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel != nil {
		return fmt.Errorf("service already running")
	}
	_, as.cancel = context.WithCancel(ctx)

	var err error
	as.API, err = api.New(&api.APIConfig{
		Host:           as.host,
		Port:           as.port,
		Storage:        as.storage,
		Sessions:       as.sessions,
		Enrollment:     as.enroll,
		Deriver:        as.deriver,
		ProofVerifier:  as.verifier,
		Aggregator:     as.aggregator,
		AdminKey:       as.adminKey,
		AdminKeySecret: as.adminKeySecret,
		DefaultMinK:    as.defaultMinK,
	})
	if err != nil {
		as.cancel = nil
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop halts the API server.
func (as *APIService) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.cancel != nil {
		as.cancel()
		as.cancel = nil
	}
}

// HostPort returns the host and port of the API server.
func (as *APIService) HostPort() (string, int) {
	return as.host, as.port
}

package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/shield"
)

const (
	// clusterInterval is how often blocked sources are scanned for subnet
	// clustering.
	clusterInterval = time.Minute
	// clusterMinSources is how many blocked sources in one /24 trigger a
	// subnet block.
	clusterMinSources = 4

	shieldAdminKeyHeader = "X-Admin-Key"
)

// ShieldService runs the risk-scoring reverse proxy in front of the node,
// together with its operator endpoints.
type ShieldService struct {
	tracker *shield.Tracker
	proxy   *shield.Proxy

	mu       sync.Mutex
	cancel   context.CancelFunc
	server   *http.Server
	host     string
	port     int
	adminKey string
}

// NewShield creates a shield proxying to backendURL. threshold <= 0 uses
// the default block threshold; adminKey guards the operator endpoints and
// empty disables them.
func NewShield(backendURL, host string, port, threshold int, adminKey string) (*ShieldService, error) {
	tracker := shield.NewTracker(threshold)
	tracker.OnAlert = func(a shield.Alert) {
		log.Warnw("shield alert", "kind", a.Kind, "subject", a.Subject, "detail", a.Detail)
	}
	proxy, err := shield.NewProxy(backendURL, tracker)
	if err != nil {
		return nil, err
	}
	return &ShieldService{
		tracker:  tracker,
		proxy:    proxy,
		host:     host,
		port:     port,
		adminKey: adminKey,
	}, nil
}

// Tracker exposes the underlying tracker, mainly for tests.
func (ss *ShieldService) Tracker() *shield.Tracker { return ss.tracker }

// Start launches the proxy server and the subnet clustering loop.
func (ss *ShieldService) Start(ctx context.Context) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.cancel != nil {
		return fmt.Errorf("service already running")
	}
	ctx, ss.cancel = context.WithCancel(ctx)

	ss.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", ss.host, ss.port),
		Handler:           ss.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting shield proxy", "host", ss.host, "port", ss.port)
		if err := ss.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start the shield proxy: %v", err)
		}
	}()
	go ss.clusterLoop(ctx)
	return nil
}

// Stop shuts the proxy down.
func (ss *ShieldService) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.cancel == nil {
		return
	}
	ss.cancel()
	ss.cancel = nil
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ss.server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shield shutdown failed", "error", err)
	}
}

func (ss *ShieldService) clusterLoop(ctx context.Context) {
	ticker := time.NewTicker(clusterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ss.tracker.ClusterSubnets(clusterMinSources)
		}
	}
}

// router serves the operator endpoints itself and forwards everything else
// through the scoring proxy.
func (ss *ShieldService) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/shield", func(r chi.Router) {
		r.Use(ss.adminOnly)
		r.Get("/blocked", ss.listBlocked)
		r.Post("/block", ss.blockSource)
		r.Post("/unblock", ss.unblockSource)
		r.Get("/score", ss.sourceScore)
	})
	r.NotFound(ss.proxy.ServeHTTP)
	return r
}

func (ss *ShieldService) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ss.adminKey == "" {
			http.Error(w, "shield admin disabled", http.StatusUnauthorized)
			return
		}
		key := r.Header.Get(shieldAdminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(ss.adminKey)) != 1 {
			http.Error(w, "bad admin key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type shieldSubjectRequest struct {
	Subject string `json:"subject"` // IP or CIDR subnet
	Reason  string `json:"reason,omitempty"`
}

func (ss *ShieldService) listBlocked(w http.ResponseWriter, _ *http.Request) {
	writeShieldJSON(w, map[string]any{"blocked": ss.tracker.BlockedSources()})
}

func (ss *ShieldService) blockSource(w http.ResponseWriter, r *http.Request) {
	req := &shieldSubjectRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.Subject == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator flag"
	}
	ss.tracker.Block(req.Subject, reason)
	writeShieldJSON(w, map[string]any{"blocked": true, "subject": req.Subject})
}

func (ss *ShieldService) unblockSource(w http.ResponseWriter, r *http.Request) {
	req := &shieldSubjectRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.Subject == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ss.tracker.Unblock(req.Subject)
	writeShieldJSON(w, map[string]any{"blocked": false, "subject": req.Subject})
}

func (ss *ShieldService) sourceScore(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		http.Error(w, "missing ip", http.StatusBadRequest)
		return
	}
	writeShieldJSON(w, map[string]any{
		"ip":      ip,
		"score":   ss.tracker.Score(ip),
		"blocked": ss.tracker.Blocked(ip),
	})
}

func writeShieldJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warnw("failed to write shield response", "error", err)
	}
}

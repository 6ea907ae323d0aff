// Package api serves the node's HTTP surface: device authentication,
// enrollment, poll listing, anonymous ballot issuance and casting, public
// results and the audit verifier endpoints, plus the operator admin API.
package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/khma-io/khma-node/aggregator"
	"github.com/khma-io/khma-node/crypto"
	"github.com/khma-io/khma-node/enrollment"
	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/ratelimit"
	"github.com/khma-io/khma-node/session"
	stg "github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log

	// BallotTTL bounds the gap between ballot issuance and cast. An unused
	// ballot simply expires; the nullifier stays unspent.
	BallotTTL = 5 * time.Minute

	maxIssuedBallots = 100_000
)

// issuedBallot bridges the authenticated issuance request and the anonymous
// cast request. It lives only in memory, keyed by nullifier, and is the sole
// place where a nullifier and a device thumbprint coexist.
type issuedBallot struct {
	PollID           string
	Cell             types.DemographicCell
	Nonce            types.HexBytes
	DeviceThumbprint types.HexBytes
}

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host    string
	Port    int
	Storage *stg.Storage

	Sessions      *session.Manager
	Enrollment    *enrollment.Engine
	Deriver       *crypto.Deriver
	ProofVerifier *crypto.NullifierProofVerifier // optional
	Aggregator    *aggregator.Aggregator

	// AdminKey guards the /admin endpoints; empty disables them. With a
	// non-empty AdminKeySecret the comparison runs over HMAC digests, so
	// the raw key never takes part in a comparison.
	AdminKey       string
	AdminKeySecret []byte

	// DefaultMinK is the anonymity floor applied to polls created without
	// an explicit one; zero keeps the built-in default.
	DefaultMinK int
}

// API type represents the API HTTP server.
type API struct {
	router   *chi.Mux
	storage  *stg.Storage
	sessions *session.Manager
	enroll   *enrollment.Engine
	deriver  *crypto.Deriver
	zk       *crypto.NullifierProofVerifier
	agg      *aggregator.Aggregator
	limiter  *ratelimit.Limiter
	ballots  *expirable.LRU[string, *issuedBallot]

	// adminAuth validates a presented admin key; nil disables the admin
	// endpoints.
	adminAuth   func(presented string) bool
	defaultMinK int
}

// New creates a new API instance with the given configuration and, when a
// port is configured, starts the HTTP server.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Storage == nil {
		return nil, fmt.Errorf("missing storage instance")
	}
	if conf.Sessions == nil || conf.Deriver == nil {
		return nil, fmt.Errorf("missing session manager or deriver")
	}
	a := &API{
		storage:     conf.Storage,
		sessions:    conf.Sessions,
		enroll:      conf.Enrollment,
		deriver:     conf.Deriver,
		zk:          conf.ProofVerifier,
		agg:         conf.Aggregator,
		limiter:     ratelimit.New(),
		ballots:     expirable.NewLRU[string, *issuedBallot](maxIssuedBallots, nil, BallotTTL),
		adminAuth:   adminAuthFunc(conf.AdminKey, conf.AdminKeySecret),
		defaultMinK: conf.DefaultMinK,
	}

	// Initialize router
	a.initRouter()
	if conf.Port > 0 {
		go func() {
			log.Infow("starting API server", "host", conf.Host, "port", conf.Port)
			if err := http.ListenAndServe(fmt.Sprintf("%s:%d", conf.Host, conf.Port), a.router); err != nil {
				log.Fatalf("failed to start the API server: %v", err)
			}
		}()
	}
	return a, nil
}

// adminAuthFunc builds the admin key check. With a comparison secret the
// check runs over HMAC digests of the keys; without one it falls back to a
// constant-time compare of the raw key.
func adminAuthFunc(adminKey string, secret []byte) func(string) bool {
	if adminKey == "" {
		return nil
	}
	if len(secret) > 0 {
		hasher := &crypto.HMACHasher{}
		digest := hasher.Hash(secret, []byte(adminKey))
		return func(presented string) bool {
			return hasher.Verify(secret, digest, []byte(presented))
		}
	}
	return func(presented string) bool {
		return subtle.ConstantTimeCompare([]byte(presented), []byte(adminKey)) == 1
	}
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", AdminKeyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.Timeout(45 * time.Second))

	a.router.Route(BasePath, func(r chi.Router) {
		a.registerHandlers(r)
	})
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers(r chi.Router) {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	r.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})

	// auth endpoints
	r.Group(func(r chi.Router) {
		r.Use(a.rateLimitMiddleware(ratelimit.ClassAuth))
		log.Infow("register handler", "endpoint", AuthChallengeEndpoint, "method", "POST")
		r.Post(AuthChallengeEndpoint, a.authChallenge)
		log.Infow("register handler", "endpoint", AuthTokenEndpoint, "method", "POST")
		r.Post(AuthTokenEndpoint, a.authToken)
	})
	r.Group(func(r chi.Router) {
		r.Use(a.sessionMiddleware)
		log.Infow("register handler", "endpoint", AuthSessionEndpoint, "method", "GET")
		r.Get(AuthSessionEndpoint, a.authSession)
	})

	// enrollment endpoints
	r.Group(func(r chi.Router) {
		r.Use(a.rateLimitMiddleware(ratelimit.ClassEnroll))
		log.Infow("register handler", "endpoint", EnrollmentEndpoint, "method", "POST")
		r.Post(EnrollmentEndpoint, a.enrollmentStart)
		log.Infow("register handler", "endpoint", EnrollmentDocumentEndpoint, "method", "POST")
		r.Post(EnrollmentDocumentEndpoint, a.enrollmentDocument)
		log.Infow("register handler", "endpoint", EnrollmentBiometricEndpoint, "method", "POST")
		r.Post(EnrollmentBiometricEndpoint, a.enrollmentBiometrics)
		log.Infow("register handler", "endpoint", EnrollmentSessionEndpoint, "method", "GET")
		r.Get(EnrollmentSessionEndpoint, a.enrollmentStatus)
	})

	// authenticated poll endpoints
	r.Group(func(r chi.Router) {
		r.Use(a.sessionMiddleware)
		r.Use(a.rateLimitMiddleware(ratelimit.ClassVote))
		log.Infow("register handler", "endpoint", PollsEndpoint, "method", "GET")
		r.Get(PollsEndpoint, a.listPolls)
		log.Infow("register handler", "endpoint", PollBallotEndpoint, "method", "POST")
		r.Post(PollBallotEndpoint, a.requestBallot)
	})

	// anonymous cast endpoint: deliberately outside the session group
	r.Group(func(r chi.Router) {
		r.Use(a.rateLimitMiddleware(ratelimit.ClassVote))
		log.Infow("register handler", "endpoint", PollVoteEndpoint, "method", "POST")
		r.Post(PollVoteEndpoint, a.castVote)
	})

	// public read endpoints
	r.Group(func(r chi.Router) {
		r.Use(a.rateLimitMiddleware(ratelimit.ClassPublic))
		log.Infow("register handler", "endpoint", PollEndpoint, "method", "GET")
		r.Get(PollEndpoint, a.pollDetail)
		log.Infow("register handler", "endpoint", PollResultsEndpoint, "method", "GET")
		r.Get(PollResultsEndpoint, a.pollResults)
		log.Infow("register handler", "endpoint", PublicResultsEndpoint, "method", "GET")
		r.Get(PublicResultsEndpoint, a.pollResults)
		log.Infow("register handler", "endpoint", RegionsEndpoint, "method", "GET")
		r.Get(RegionsEndpoint, a.listRegions)
		log.Infow("register handler", "endpoint", ChainHeadEndpoint, "method", "GET")
		r.Get(ChainHeadEndpoint, a.chainHead)
		log.Infow("register handler", "endpoint", ChainEndpoint, "method", "GET", "parameters", "from,limit")
		r.Get(ChainEndpoint, a.chainEntries)
		log.Infow("register handler", "endpoint", ChainEntryEndpoint, "method", "GET")
		r.Get(ChainEntryEndpoint, a.chainEntry)
		log.Infow("register handler", "endpoint", ChainVerifyEndpoint, "method", "GET")
		r.Get(ChainVerifyEndpoint, a.chainVerify)
	})

	// admin endpoints
	r.Group(func(r chi.Router) {
		r.Use(a.adminMiddleware)
		log.Infow("register handler", "endpoint", AdminPollsEndpoint, "method", "GET")
		r.Get(AdminPollsEndpoint, a.adminListPolls)
		log.Infow("register handler", "endpoint", AdminPollsEndpoint, "method", "POST")
		r.Post(AdminPollsEndpoint, a.adminCreatePoll)
		log.Infow("register handler", "endpoint", AdminPollPublishEndpoint, "method", "POST")
		r.Post(AdminPollPublishEndpoint, a.adminPublishPoll)
		log.Infow("register handler", "endpoint", AdminPollEndpoint, "method", "DELETE")
		r.Delete(AdminPollEndpoint, a.adminDeletePoll)
		log.Infow("register handler", "endpoint", AdminRegionsEndpoint, "method", "POST")
		r.Post(AdminRegionsEndpoint, a.adminSetRegion)
	})
}

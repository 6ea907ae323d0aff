package api

// Route constants for the API endpoints. Everything is served under the
// /api/v1 prefix.

const (
	// BasePath prefixes every route.
	BasePath = "/api/v1"

	// Health endpoints
	PingEndpoint = "/ping" // Health check endpoint

	// Auth endpoints
	AuthChallengeEndpoint = "/auth/challenge" // POST: Request a single-use login nonce
	AuthTokenEndpoint     = "/auth/token"     // POST: Exchange a signed nonce for a session token
	AuthSessionEndpoint   = "/auth/session"   // GET: Inspect the current session

	// Enrollment endpoints
	SessionURLParam             = "sessionId"                                       // URL parameter for enrollment session ID
	EnrollmentEndpoint          = "/enrollment"                                     // POST: Start an enrollment session
	EnrollmentSessionEndpoint   = EnrollmentEndpoint + "/{" + SessionURLParam + "}" // GET: Session status
	EnrollmentDocumentEndpoint  = EnrollmentSessionEndpoint + "/document"           // POST: Submit document data
	EnrollmentBiometricEndpoint = EnrollmentSessionEndpoint + "/biometrics"         // POST: Submit biometric captures

	// Poll endpoints
	PollURLParam        = "pollId"                                  // URL parameter for poll ID
	PollsEndpoint       = "/polls"                                  // GET: List polls eligible for the caller
	PollEndpoint        = PollsEndpoint + "/{" + PollURLParam + "}" // GET: Poll detail with options
	PollBallotEndpoint  = PollEndpoint + "/ballot"                  // POST: Request an anonymous ballot
	PollVoteEndpoint    = PollEndpoint + "/vote"                    // POST: Cast an anonymous ballot
	PollResultsEndpoint = PollEndpoint + "/results"                 // GET: Aggregated results

	// Reference data endpoints
	RegionsEndpoint = "/regions" // GET: List regions

	// Public verifier endpoints
	SeqURLParam           = "seq"                                    // URL parameter for chain sequence number
	ChainEndpoint         = "/public/chain"                          // GET: Chain entries, paged
	ChainHeadEndpoint     = ChainEndpoint + "/head"                  // GET: Chain head
	ChainEntryEndpoint    = ChainEndpoint + "/{" + SeqURLParam + "}" // GET: One chain entry
	ChainVerifyEndpoint   = ChainEndpoint + "/verify"                // GET: Recompute the full chain
	PublicResultsEndpoint = "/public" + PollEndpoint + "/results"    // GET: Aggregated results, verifier alias

	// Admin endpoints, guarded by the X-Admin-Key header
	AdminPollsEndpoint       = "/admin/polls"                                 // GET: All polls, POST: Create draft poll
	AdminPollEndpoint        = AdminPollsEndpoint + "/{" + PollURLParam + "}" // DELETE: Remove a poll
	AdminPollPublishEndpoint = AdminPollEndpoint + "/publish"                 // POST: Publish a draft poll
	AdminRegionsEndpoint     = "/admin/regions"                              // POST: Upsert a region
)

// AdminKeyHeader carries the operator key for admin endpoints.
const AdminKeyHeader = "X-Admin-Key"

// BiometricFailedHeader marks responses of failed biometric attempts. The
// shield strips it before the response leaves the edge and feeds it into
// risk scoring.
const BiometricFailedHeader = "X-Biometric-Failed"

// LogExcludedPrefixes defines URL prefixes to exclude from request logging.
// Enrollment bodies carry raw identity data and must never reach the logs.
var LogExcludedPrefixes = []string{
	BasePath + PingEndpoint,
	BasePath + EnrollmentEndpoint,
	BasePath + AuthChallengeEndpoint,
	BasePath + AuthTokenEndpoint,
}

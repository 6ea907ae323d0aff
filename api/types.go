package api

import (
	"time"

	"github.com/khma-io/khma-node/types"
)

// ChallengeRequest asks for a single-use login nonce for a device key.
// The optional purpose defaults to "login"; vote nonces are issued by the
// ballot endpoint instead, so any other value is rejected.
type ChallengeRequest struct {
	DeviceKey types.HexBytes `json:"deviceKey"` // compressed secp256k1 public key
	Purpose   string         `json:"purpose,omitempty"`
}

// ChallengeResponse carries the issued nonce.
type ChallengeResponse struct {
	Nonce     types.HexBytes `json:"nonce"`
	ExpiresIn int            `json:"expiresIn"` // seconds
}

// TokenRequest exchanges a signed nonce for a session token. The signature
// is the 65-byte [R || S || V] form over the raw nonce bytes.
type TokenRequest struct {
	DeviceKey types.HexBytes `json:"deviceKey"`
	Nonce     types.HexBytes `json:"nonce"`
	Signature types.HexBytes `json:"signature"`
}

// TokenResponse carries the signed session token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionResponse describes the authenticated session.
type SessionResponse struct {
	UserID           string `json:"userId"`
	DeviceThumbprint string `json:"deviceThumbprint"`
	ExpiresAt        int64  `json:"expiresAt"`
}

// EnrollmentStartRequest opens an enrollment session.
type EnrollmentStartRequest struct {
	DeviceID  string         `json:"deviceId"`
	DeviceKey types.HexBytes `json:"deviceKey"`
}

// BiometricRequest carries the biometric captures, or the client-scored
// results when the node runs without an external verifier.
type BiometricRequest struct {
	DocumentImage  types.HexBytes `json:"documentImage,omitempty"`
	SelfieVideo    types.HexBytes `json:"selfieVideo,omitempty"`
	LivenessScore  float64        `json:"livenessScore,omitempty"`
	FaceMatchScore float64        `json:"faceMatchScore,omitempty"`
}

// EnrollmentSessionResponse is the session view returned by the enrollment
// endpoints. Document data never leaves the server.
type EnrollmentSessionResponse struct {
	ID         string                `json:"id"`
	State      types.EnrollmentState `json:"state"`
	Retries    int                   `json:"retries"`
	FailReason string                `json:"failReason,omitempty"`
	ExpiresAt  time.Time             `json:"expiresAt"`
}

// PollSummary is the list view of a poll.
type PollSummary struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	Type      types.PollType      `json:"type"`
	Status    types.PollStatus    `json:"status"`
	StartTime time.Time           `json:"startTime"`
	EndTime   time.Time           `json:"endTime"`
	Reward    *types.RewardConfig `json:"reward,omitempty"`
}

// PollListResponse is the eligible-poll listing.
type PollListResponse struct {
	Polls []PollSummary `json:"polls"`
}

// PollDetailResponse is a poll with its options or questions.
type PollDetailResponse struct {
	Poll      *types.Poll             `json:"poll"`
	Options   []*types.PollOption     `json:"options,omitempty"`
	Questions []*types.SurveyQuestion `json:"questions,omitempty"`
}

// BallotResponse is an issued anonymous ballot. The nullifier and nonce are
// the only handles the client needs to cast; the session token must NOT be
// presented on the cast request.
type BallotResponse struct {
	Nullifier       types.HexBytes        `json:"nullifier"`
	Nonce           types.HexBytes        `json:"nonce"`
	Cell            types.DemographicCell `json:"cell"`
	TimestampBucket int64                 `json:"timestampBucket"`
	ExpiresIn       int                   `json:"expiresIn"` // seconds
}

// CastRequest casts an anonymous ballot.
type CastRequest struct {
	Nullifier       types.HexBytes    `json:"nullifier"`
	OptionID        string            `json:"optionId,omitempty"`
	SurveyResponses map[string]string `json:"surveyResponses,omitempty"`
	TimestampBucket int64             `json:"timestampBucket"`
	Signature       types.HexBytes    `json:"signature"`
	Proof           types.HexBytes    `json:"proof,omitempty"`
}

// CastResponse confirms an accepted ballot with its audit chain position.
type CastResponse struct {
	VoteID    string         `json:"voteId"`
	ChainSeq  uint64         `json:"chainSeq"`
	ChainHash types.HexBytes `json:"chainHash"`
}

// ChainVerifyResponse reports the outcome of a full chain recomputation.
type ChainVerifyResponse struct {
	OK      bool   `json:"ok"`
	Entries uint64 `json:"entries"`
}

// AdminPollRequest creates a draft poll together with its options or
// questions.
type AdminPollRequest struct {
	Title       string                  `json:"title"`
	Description string                  `json:"description,omitempty"`
	Type        types.PollType          `json:"type"`
	StartTime   time.Time               `json:"startTime"`
	EndTime     time.Time               `json:"endTime"`
	Audience    types.AudienceRules     `json:"audience"`
	MinK        int                     `json:"minK,omitempty"`
	Reward      *types.RewardConfig     `json:"reward,omitempty"`
	Options     []string                `json:"options,omitempty"`
	Questions   []*types.SurveyQuestion `json:"questions,omitempty"`
}

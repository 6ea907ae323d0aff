package types

import "time"

// EnrollmentState is the state of an in-progress enrollment session.
type EnrollmentState string

const (
	EnrollmentStarted    EnrollmentState = "started"
	EnrollmentDocumentOK EnrollmentState = "document_ok"
	EnrollmentLivenessOK EnrollmentState = "liveness_ok"
	EnrollmentMatched    EnrollmentState = "matched"
	EnrollmentIssued     EnrollmentState = "issued"
	EnrollmentFailed     EnrollmentState = "failed"
)

// DocumentData is the identity data extracted from the captured document
// payload. It lives only inside the ephemeral enrollment session; once the
// credential is issued the personal number is reduced to its salted hash.
type DocumentData struct {
	PersonalNumber string   `json:"personalNumber"`
	BirthYear      int      `json:"birthYear"`
	Gender         Gender   `json:"gender"`
	Nationality    string   `json:"nationality"`
	RegionCodes    []string `json:"regionCodes"`
}

// EnrollmentSession is the ephemeral record of an in-progress enrollment.
// Sessions expire after a short TTL and there is at most one active session
// per device.
type EnrollmentSession struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"deviceId"`
	DeviceKey      HexBytes        `json:"deviceKey"`
	State          EnrollmentState `json:"state"`
	Document       *DocumentData   `json:"document,omitempty"`
	LivenessScore  float64         `json:"livenessScore,omitempty"`
	FaceMatchScore float64         `json:"faceMatchScore,omitempty"`
	Retries        int             `json:"retries"`
	FailReason     string          `json:"failReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

// Expired reports whether the session TTL has elapsed.
func (s *EnrollmentSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Terminal reports whether the session reached a final state.
func (s *EnrollmentSession) Terminal() bool {
	return s.State == EnrollmentIssued || s.State == EnrollmentFailed
}

package enrollment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/khma-io/khma-node/crypto"
	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

const (
	// SessionTTL bounds an enrollment attempt end to end.
	SessionTTL = 15 * time.Minute
	// LivenessThreshold is the minimum passing liveness score.
	LivenessThreshold = 0.8
	// FaceMatchThreshold is the minimum passing document face match score.
	FaceMatchThreshold = 0.7
	// maxBiometricRetries is how many failed scorings a session survives.
	maxBiometricRetries = 1
)

var (
	ErrSessionExpired = errors.New("enrollment session expired")
	ErrInvalidState   = errors.New("operation not allowed in current state")
	ErrSessionFailed  = errors.New("enrollment session failed")

	personalNumberRe = regexp.MustCompile(`^\d{11}$`)
)

// Engine drives enrollment sessions through their state machine:
// started → document_ok → liveness_ok → matched → issued, with failed
// reachable from any state.
type Engine struct {
	stg      *storage.Storage
	deriver  *crypto.Deriver
	verifier Verifier // nil trusts client-reported scores (development)

	// OnFailure is invoked with the client IP of every failed biometric
	// attempt, so repeated failures can feed the shield's risk scoring.
	OnFailure func(ip string)

	now func() time.Time
}

// NewEngine creates an enrollment engine. A nil verifier switches biometric
// scoring to client-reported values, which is only acceptable outside
// production.
func NewEngine(stg *storage.Storage, deriver *crypto.Deriver, verifier Verifier) *Engine {
	if verifier == nil {
		log.Warnw("biometric verifier not configured, trusting client scores")
	}
	return &Engine{
		stg:      stg,
		deriver:  deriver,
		verifier: verifier,
		now:      time.Now,
	}
}

// Start opens a new enrollment session for a device. Any previous session
// of the same device is displaced.
func (e *Engine) Start(deviceID string, deviceKey types.HexBytes) (*types.EnrollmentSession, error) {
	if deviceID == "" || len(deviceKey) == 0 {
		return nil, fmt.Errorf("device id and key are required")
	}
	now := e.now().UTC()
	session := &types.EnrollmentSession{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		DeviceKey: deviceKey,
		State:     types.EnrollmentStarted,
		CreatedAt: now,
		ExpiresAt: now.Add(SessionTTL),
	}
	if err := e.stg.SetEnrollmentSession(session); err != nil {
		return nil, err
	}
	log.Debugw("enrollment session started", "session", session.ID)
	return session, nil
}

// SubmitDocument attaches validated document data to a started session.
func (e *Engine) SubmitDocument(sessionID string, doc *types.DocumentData) (*types.EnrollmentSession, error) {
	session, err := e.activeSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != types.EnrollmentStarted {
		return nil, fmt.Errorf("%w: document after %s", ErrInvalidState, session.State)
	}
	if err := e.validateDocument(doc); err != nil {
		return e.fail(session, err.Error())
	}
	session.State = types.EnrollmentDocumentOK
	session.Document = doc
	if err := e.stg.SetEnrollmentSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// VerifyBiometrics scores the submitted biometrics and, on success, issues
// the credential. With a configured verifier the request images are scored
// by the external service; otherwise the client-reported scores are used.
// A failed scoring consumes one retry before the session fails for good.
func (e *Engine) VerifyBiometrics(ctx context.Context, sessionID string,
	req *VerifyRequest, clientScores *VerifyResult, clientIP string,
) (*types.EnrollmentSession, error) {
	session, err := e.activeSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != types.EnrollmentDocumentOK {
		return nil, fmt.Errorf("%w: biometrics after %s", ErrInvalidState, session.State)
	}

	scores := clientScores
	if e.verifier != nil {
		scores, err = e.verifier.Verify(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("biometric verification unavailable: %w", err)
		}
	}
	if scores == nil {
		return nil, fmt.Errorf("missing biometric scores")
	}
	session.LivenessScore = scores.LivenessScore
	session.FaceMatchScore = scores.FaceMatchScore

	if scores.LivenessScore < LivenessThreshold || scores.FaceMatchScore < FaceMatchThreshold {
		if e.OnFailure != nil {
			e.OnFailure(clientIP)
		}
		if session.Retries < maxBiometricRetries {
			session.Retries++
			session.FailReason = fmt.Sprintf("scores below threshold (liveness %.2f, match %.2f)",
				scores.LivenessScore, scores.FaceMatchScore)
			if err := e.stg.SetEnrollmentSession(session); err != nil {
				return nil, err
			}
			return session, nil
		}
		return e.fail(session, "biometric verification failed")
	}

	// both gates passed in one round trip, walk the remaining states
	session.State = types.EnrollmentLivenessOK
	if err := e.stg.SetEnrollmentSession(session); err != nil {
		return nil, err
	}
	session.State = types.EnrollmentMatched
	return e.issue(session)
}

// issue derives the credential from the session and persists it. The
// personal number is reduced to its salted hash; the raw document data dies
// with the session.
func (e *Engine) issue(session *types.EnrollmentSession) (*types.EnrollmentSession, error) {
	doc := session.Document
	user := &types.User{
		ID:               uuid.NewString(),
		PersonalHash:     e.deriver.PersonalHash(doc.PersonalNumber),
		Gender:           doc.Gender,
		BirthYear:        doc.BirthYear,
		RegionCodes:      doc.RegionCodes,
		DeviceThumbprint: e.deriver.DeviceThumbprint(session.DeviceKey),
		EnrolledAt:       e.now().UTC(),
	}
	// Re-enrollment of a known person replaces the credential and rebinds
	// the device; SetUser upserts by personal hash.
	if existing, err := e.stg.User(user.PersonalHash); err == nil {
		user.ID = existing.ID
		log.Infow("re-enrollment, rotating device binding", "user", user.ID)
	}
	if err := e.stg.SetUser(user); err != nil {
		return nil, err
	}

	session.State = types.EnrollmentIssued
	session.Document = nil // drop raw identity data
	if err := e.stg.SetEnrollmentSession(session); err != nil {
		return nil, err
	}
	log.Infow("credential issued", "session", session.ID)
	return session, nil
}

// Status returns the current session state.
func (e *Engine) Status(sessionID string) (*types.EnrollmentSession, error) {
	return e.stg.EnrollmentSession(sessionID)
}

func (e *Engine) activeSession(sessionID string) (*types.EnrollmentSession, error) {
	session, err := e.stg.EnrollmentSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Expired(e.now()) {
		return nil, ErrSessionExpired
	}
	if session.State == types.EnrollmentFailed {
		return nil, ErrSessionFailed
	}
	return session, nil
}

func (e *Engine) fail(session *types.EnrollmentSession, reason string) (*types.EnrollmentSession, error) {
	session.State = types.EnrollmentFailed
	session.FailReason = reason
	session.Document = nil
	if err := e.stg.SetEnrollmentSession(session); err != nil {
		return nil, err
	}
	log.Warnw("enrollment session failed", "session", session.ID, "reason", reason)
	return session, nil
}

func (e *Engine) validateDocument(doc *types.DocumentData) error {
	if doc == nil {
		return fmt.Errorf("missing document data")
	}
	if !personalNumberRe.MatchString(doc.PersonalNumber) {
		return fmt.Errorf("malformed personal number")
	}
	year := e.now().Year()
	if doc.BirthYear < 1900 || doc.BirthYear > year {
		return fmt.Errorf("implausible birth year %d", doc.BirthYear)
	}
	switch doc.Gender {
	case types.GenderMale, types.GenderFemale:
	default:
		return fmt.Errorf("invalid gender %q", doc.Gender)
	}
	if len(doc.RegionCodes) == 0 {
		return fmt.Errorf("missing region")
	}
	for _, code := range doc.RegionCodes {
		if !e.stg.HasRegion(code) {
			return fmt.Errorf("unknown region %q", code)
		}
	}
	return nil
}

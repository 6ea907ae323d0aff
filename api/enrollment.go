package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/khma-io/khma-node/breaker"
	"github.com/khma-io/khma-node/enrollment"
	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

// enrollmentStart opens an enrollment session for a device.
// POST /enrollment
func (a *API) enrollmentStart(w http.ResponseWriter, r *http.Request) {
	req := &EnrollmentStartRequest{}
	if !decodeJSON(w, r, req) {
		return
	}
	session, err := a.enroll.Start(req.DeviceID, req.DeviceKey)
	if err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, enrollmentView(session))
}

// enrollmentDocument attaches document data to a session.
// POST /enrollment/{sessionId}/document
func (a *API) enrollmentDocument(w http.ResponseWriter, r *http.Request) {
	doc := &types.DocumentData{}
	if !decodeJSON(w, r, doc) {
		return
	}
	session, err := a.enroll.SubmitDocument(chi.URLParam(r, SessionURLParam), doc)
	if err != nil {
		enrollmentError(err).Write(w)
		return
	}
	httpWriteJSON(w, enrollmentView(session))
}

// enrollmentBiometrics scores the biometric captures and issues the
// credential on success. Responses of failed attempts carry the
// X-Biometric-Failed marker for the shield.
// POST /enrollment/{sessionId}/biometrics
func (a *API) enrollmentBiometrics(w http.ResponseWriter, r *http.Request) {
	req := &BiometricRequest{}
	if !decodeJSON(w, r, req) {
		return
	}
	sessionID := chi.URLParam(r, SessionURLParam)
	session, err := a.enroll.VerifyBiometrics(r.Context(), sessionID,
		&enrollment.VerifyRequest{
			SessionID:     sessionID,
			DocumentImage: req.DocumentImage,
			SelfieVideo:   req.SelfieVideo,
		},
		&enrollment.VerifyResult{
			LivenessScore:  req.LivenessScore,
			FaceMatchScore: req.FaceMatchScore,
		},
		clientIP(r),
	)
	if err != nil {
		enrollmentError(err).Write(w)
		return
	}
	if session.State != types.EnrollmentIssued {
		w.Header().Set(BiometricFailedHeader, "1")
	}
	httpWriteJSON(w, enrollmentView(session))
}

// enrollmentStatus returns the session state.
// GET /enrollment/{sessionId}
func (a *API) enrollmentStatus(w http.ResponseWriter, r *http.Request) {
	session, err := a.enroll.Status(chi.URLParam(r, SessionURLParam))
	if err != nil {
		enrollmentError(err).Write(w)
		return
	}
	httpWriteJSON(w, enrollmentView(session))
}

// enrollmentView strips everything but the public session state. Document
// data and scores stay server side.
func enrollmentView(s *types.EnrollmentSession) *EnrollmentSessionResponse {
	return &EnrollmentSessionResponse{
		ID:         s.ID,
		State:      s.State,
		Retries:    s.Retries,
		FailReason: s.FailReason,
		ExpiresAt:  s.ExpiresAt,
	}
}

// enrollmentError maps engine errors onto the API error taxonomy.
func enrollmentError(err error) Error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, enrollment.ErrSessionExpired):
		return ErrSessionNotFound.With("session expired")
	case errors.Is(err, enrollment.ErrInvalidState),
		errors.Is(err, enrollment.ErrSessionFailed):
		return ErrEnrollmentState.WithErr(err)
	case errors.Is(err, breaker.ErrOpen):
		return ErrBiometricUnavailable.WithErr(err)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrUpstreamTimeout.WithErr(err)
	default:
		return ErrBiometricUnavailable.WithErr(err)
	}
}

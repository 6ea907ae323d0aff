package api

import (
	"net/http"
	"time"

	"github.com/khma-io/khma-node/session"
)

// challengePurposeLogin is the only challenge purpose the auth endpoints
// serve. Vote nonces come from the ballot endpoint and never through here.
const challengePurposeLogin = "login"

// authChallenge issues a single-use login nonce for an enrolled device.
// POST /auth/challenge
func (a *API) authChallenge(w http.ResponseWriter, r *http.Request) {
	req := &ChallengeRequest{}
	if !decodeJSON(w, r, req) {
		return
	}
	if len(req.DeviceKey) == 0 {
		ErrMalformedBody.With("missing device key").Write(w)
		return
	}
	if req.Purpose != "" && req.Purpose != challengePurposeLogin {
		ErrMalformedParam.Withf("unsupported challenge purpose %q", req.Purpose).Write(w)
		return
	}
	thumbprint := a.deriver.DeviceThumbprint(req.DeviceKey)
	if _, err := a.storage.UserByDevice(thumbprint); err != nil {
		ErrUnauthorized.With("device not enrolled").Write(w)
		return
	}
	nonce, err := a.sessions.NewChallenge(thumbprint.Hex())
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, &ChallengeResponse{
		Nonce:     nonce,
		ExpiresIn: int(session.ChallengeTTL.Seconds()),
	})
}

// authToken exchanges a device-signed nonce for a session token.
// POST /auth/token
func (a *API) authToken(w http.ResponseWriter, r *http.Request) {
	req := &TokenRequest{}
	if !decodeJSON(w, r, req) {
		return
	}
	thumbprint := a.deriver.DeviceThumbprint(req.DeviceKey)
	if !a.sessions.ConsumeChallenge(thumbprint.Hex(), req.Nonce) {
		ErrNonceExpired.Write(w)
		return
	}
	if err := session.VerifyDeviceSignature(req.Nonce, req.Signature, req.DeviceKey); err != nil {
		ErrInvalidSignature.WithErr(err).Write(w)
		return
	}
	user, err := a.storage.UserByDevice(thumbprint)
	if err != nil {
		ErrUnauthorized.With("device not enrolled").Write(w)
		return
	}
	now := time.Now()
	token, err := a.sessions.IssueToken(user, now)
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, &TokenResponse{
		Token:     token,
		ExpiresAt: now.Add(session.TokenTTL),
	})
}

// authSession describes the caller's session.
// GET /auth/session
func (a *API) authSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	httpWriteJSON(w, &SessionResponse{
		UserID:           claims.UserID,
		DeviceThumbprint: claims.DeviceThumbprint,
		ExpiresAt:        claims.ExpiresAt.Unix(),
	})
}

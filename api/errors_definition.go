//nolint:lll
package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the client's fault,
// error codes 50001-59999 are the server's fault.
//
// NEVER change any of the current error codes, only append new errors after the
// current last 4XXXX or 5XXXX. If you notice a gap, DON'T fill it in, that code
// was used in the past and must not be reused.
var (
	ErrResourceNotFound   = Error{Code: 40001, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrMalformedBody      = Error{Code: 40004, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrInvalidSignature   = Error{Code: 40005, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid signature")}
	ErrMalformedParam     = Error{Code: 40006, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed parameter")}
	ErrUnauthorized       = Error{Code: 40014, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("unauthorized")}
	ErrInvalidSession     = Error{Code: 40101, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("invalid session token")}
	ErrInvalidAttestation = Error{Code: 40102, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("invalid device attestation")}
	ErrNonceExpired       = Error{Code: 40103, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("challenge expired or already used")}
	ErrNotEligible        = Error{Code: 40301, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("not eligible for this poll")}
	ErrSourceBlocked      = Error{Code: 40302, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("source blocked")}
	ErrPollNotFound       = Error{Code: 40401, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("poll not found")}
	ErrSessionNotFound    = Error{Code: 40402, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("enrollment session not found")}
	ErrPollNotActive      = Error{Code: 40403, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("poll is not accepting votes")}
	ErrAlreadyVoted       = Error{Code: 40901, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("already voted in this poll")}
	ErrEnrollmentState    = Error{Code: 40902, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("operation not allowed in current enrollment state")}
	ErrRateLimited        = Error{Code: 42901, HTTPstatus: http.StatusTooManyRequests, Err: fmt.Errorf("rate limit exceeded")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrBiometricUnavailable       = Error{Code: 50201, HTTPstatus: http.StatusBadGateway, Err: fmt.Errorf("biometric service unavailable")}
	ErrReadOnlyMode               = Error{Code: 50301, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("node is in read-only mode")}
	ErrUpstreamTimeout            = Error{Code: 50401, HTTPstatus: http.StatusGatewayTimeout, Err: fmt.Errorf("upstream timeout")}
)

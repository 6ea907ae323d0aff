package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/khma-io/khma-node/log"
)

// Error is used by handler functions to wrap errors, assigning a unique
// error code and also specifying which HTTP Status should be used.
type Error struct {
	Err        error
	Code       int
	HTTPstatus int
	RetryAfter time.Duration // optional, only set for rate limit errors
}

// MarshalJSON returns the error envelope. Field HTTPstatus is repeated
// inside the envelope so clients behind dumb proxies still see it.
//
// Example output: {"error":{"code":40401,"message":"poll not found","statusCode":404}}
func (e Error) MarshalJSON() ([]byte, error) {
	envelope := struct {
		Code       int    `json:"code"`
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
		RetryAfter int    `json:"retryAfter,omitempty"`
	}{
		Code:       e.Code,
		Message:    e.Err.Error(),
		StatusCode: e.HTTPstatus,
		RetryAfter: int(e.RetryAfter.Round(time.Second).Seconds()),
	}
	return json.Marshal(struct {
		Error any `json:"error"`
	}{Error: envelope})
}

// Error returns the message contained inside the Error.
func (e Error) Error() string {
	return e.Err.Error()
}

// Write serializes the error envelope and sends it with the HTTP status.
func (e Error) Write(w http.ResponseWriter) {
	msg, err := json.Marshal(e)
	if err != nil {
		log.Warnw("failed to marshal error response", "error", err)
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	if log.Level() == log.LogLevelDebug {
		log.Debugw("api error response", "error", e.Error(), "code", e.Code, "httpStatus", e.HTTPstatus)
	}
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Round(time.Second).Seconds())))
	}
	http.Error(w, string(msg), e.HTTPstatus)
}

// Withf returns a copy of Error with the Sprintf formatted string appended
// at the end of e.Err.
func (e Error) Withf(format string, args ...any) Error {
	return Error{
		Err:        fmt.Errorf("%w: %v", e.Err, fmt.Sprintf(format, args...)),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
		RetryAfter: e.RetryAfter,
	}
}

// With returns a copy of Error with the string appended at the end of e.Err.
func (e Error) With(s string) Error {
	return Error{
		Err:        fmt.Errorf("%w: %v", e.Err, s),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
		RetryAfter: e.RetryAfter,
	}
}

// WithErr returns a copy of Error with err.Error() appended at the end of
// e.Err.
func (e Error) WithErr(err error) Error {
	return Error{
		Err:        fmt.Errorf("%w: %v", e.Err, err.Error()),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
		RetryAfter: e.RetryAfter,
	}
}

// WithRetryAfter returns a copy of Error carrying a Retry-After hint.
func (e Error) WithRetryAfter(d time.Duration) Error {
	return Error{
		Err:        e.Err,
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
		RetryAfter: d,
	}
}

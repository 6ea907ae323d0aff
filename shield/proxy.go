package shield

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/khma-io/khma-node/log"
)

// biometricFailHeader is set by the backend on responses whose request
// failed biometric verification, so the shield can penalize the source
// without parsing bodies.
const biometricFailHeader = "X-Biometric-Failed"

// Proxy is the risk-scoring reverse proxy. Requests from blocked sources
// are rejected before reaching the backend; backend responses feed the
// penalty scoring.
type Proxy struct {
	tracker *Tracker
	proxy   *httputil.ReverseProxy
}

// NewProxy creates a shield proxy forwarding to backendURL.
func NewProxy(backendURL string, tracker *Tracker) (*Proxy, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	p := &Proxy{tracker: tracker}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ModifyResponse = p.observeResponse
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warnw("backend unreachable", "error", err)
		http.Error(w, `{"error":{"code":50401,"message":"upstream unavailable","statusCode":502}}`,
			http.StatusBadGateway)
	}
	p.proxy = rp
	return p, nil
}

// ServeHTTP applies the pre-filter and forwards the request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)
	if p.tracker.Blocked(ip) {
		log.Debugw("blocked source rejected", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":40302,"message":"source blocked","statusCode":403}}`)
		return
	}
	p.proxy.ServeHTTP(w, r)
}

// observeResponse is the post-filter: backend outcomes become penalties.
func (p *Proxy) observeResponse(resp *http.Response) error {
	ip := ClientIP(resp.Request)
	switch {
	case resp.Header.Get(biometricFailHeader) != "":
		p.tracker.Penalize(ip, PenaltyBiometricFail, "biometric failure")
		resp.Header.Del(biometricFailHeader)
	case resp.StatusCode == http.StatusUnauthorized:
		p.tracker.Penalize(ip, PenaltyUnauthorized, "unauthorized")
	case resp.StatusCode == http.StatusTooManyRequests:
		p.tracker.Penalize(ip, PenaltyRateLimited, "rate limited")
	}
	return nil
}

// ClientIP extracts the source address of a request, preferring the first
// X-Forwarded-For hop when present.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Package enrollment implements the identity enrollment pipeline: document
// capture, biometric verification through the external verifier service,
// and credential issuance.
package enrollment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/khma-io/khma-node/breaker"
	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/types"
)

const (
	verifyTimeout = 10 * time.Second
	healthTimeout = 3 * time.Second

	breakerFailures  = 5
	breakerCoolDown  = 30 * time.Second
	breakerProbes    = 2
	retryBackoffBase = 100 * time.Millisecond
)

// VerifyRequest is the payload sent to the biometric verifier. Images are
// passed through opaque; the node never inspects or stores them.
type VerifyRequest struct {
	SessionID     string         `json:"sessionId"`
	DocumentImage types.HexBytes `json:"documentImage"`
	SelfieVideo   types.HexBytes `json:"selfieVideo"`
}

// VerifyResult is the verifier's scoring of a submission.
type VerifyResult struct {
	LivenessScore  float64 `json:"livenessScore"`
	FaceMatchScore float64 `json:"faceMatchScore"`
}

// Verifier scores biometric submissions. The zero implementation used in
// development trusts client-reported scores instead.
type Verifier interface {
	Verify(ctx context.Context, req *VerifyRequest) (*VerifyResult, error)
	Health(ctx context.Context) error
}

// Client talks to the external biometric verifier over HTTP. Calls go
// through a circuit breaker and are retried once with jitter.
type Client struct {
	baseURL    string
	http       *http.Client
	breaker    *breaker.Breaker
	maxRetries int
}

var _ Verifier = (*Client)(nil)

// NewClient creates a biometric verifier client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, maxRetries int) *Client {
	if timeout <= 0 {
		timeout = verifyTimeout
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: timeout},
		breaker:    breaker.New("biometric", breakerFailures, breakerCoolDown, breakerProbes),
		maxRetries: maxRetries,
	}
}

// Verify submits a scoring request. Transport failures are retried with
// jittered backoff; scoring outcomes are not retried.
func (c *Client) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResult, error) {
	var result *VerifyResult
	err := c.breaker.Do(func() error {
		var lastErr error
		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			if attempt > 0 {
				backoff := retryBackoffBase + time.Duration(rand.Int63n(int64(retryBackoffBase)))
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				log.Debugw("retrying biometric verify", "attempt", attempt)
			}
			result, lastErr = c.verifyOnce(ctx, req)
			if lastErr == nil {
				return nil
			}
		}
		return lastErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) verifyOnce(ctx context.Context, req *VerifyRequest) (*VerifyResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("biometric service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("biometric service: status %d", resp.StatusCode)
	}
	result := &VerifyResult{}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return nil, fmt.Errorf("biometric service response: %w", err)
	}
	return result, nil
}

// Health probes the verifier's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("biometric service unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("biometric service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

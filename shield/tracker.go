// Package shield implements the risk-scoring reverse proxy that fronts the
// node: suspicious behavior accumulates penalty points per source IP,
// crossing the threshold blocks the source, and blocked sources are
// clustered by subnet to spot coordinated attacks.
package shield

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/khma-io/khma-node/log"
)

// Penalty points per observed signal.
const (
	PenaltyUnauthorized  = 15  // rejected credentials (401)
	PenaltyRateLimited   = 20  // tripped rate limit (429)
	PenaltyBiometricFail = 25  // failed biometric verification
	PenaltyAdminFlag     = 100 // manual operator flag, blocks immediately
)

// DefaultBlockThreshold is the score at which a source gets blocked.
const DefaultBlockThreshold = 100

const (
	scoreTTL   = 30 * time.Minute
	blockTTL   = 2 * time.Hour
	cacheSize  = 500_000
	subnetBits = 24
)

// Alert is raised by the tracker for operator attention.
type Alert struct {
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Detail  string    `json:"detail"`
	Time    time.Time `json:"time"`
}

// Tracker accumulates penalty scores per source IP and maintains the block
// list. Scores and blocks decay with their cache TTLs, so a quiet source is
// eventually forgiven.
type Tracker struct {
	threshold int

	mu      sync.Mutex
	scores  *expirable.LRU[string, int]
	blocked *expirable.LRU[string, time.Time]

	// OnAlert, when set, receives block and clustering alerts.
	OnAlert func(Alert)
}

// NewTracker creates a Tracker with the given block threshold; zero or
// negative uses the default.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultBlockThreshold
	}
	return &Tracker{
		threshold: threshold,
		scores:    expirable.NewLRU[string, int](cacheSize, nil, scoreTTL),
		blocked:   expirable.NewLRU[string, time.Time](cacheSize, nil, blockTTL),
	}
}

// Penalize adds points to a source's score, blocking it when the threshold
// is crossed. Returns the updated score.
func (t *Tracker) Penalize(ip string, points int, reason string) int {
	if ip == "" {
		return 0
	}
	t.mu.Lock()
	score, _ := t.scores.Get(ip)
	score += points
	t.scores.Add(ip, score)
	crossed := score >= t.threshold && !t.isBlockedLocked(ip)
	if crossed {
		t.blocked.Add(ip, time.Now())
	}
	t.mu.Unlock()

	log.Debugw("risk penalty", "ip", ip, "points", points, "score", score, "reason", reason)
	if crossed {
		log.Warnw("source blocked", "ip", ip, "score", score, "reason", reason)
		t.alert(Alert{Kind: "ip-blocked", Subject: ip, Detail: reason, Time: time.Now()})
	}
	return score
}

// Blocked reports whether the source IP (or its blocked subnet) is denied.
func (t *Tracker) Blocked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isBlockedLocked(ip) {
		return true
	}
	if subnet := subnetOf(ip); subnet != "" {
		return t.isBlockedLocked(subnet)
	}
	return false
}

func (t *Tracker) isBlockedLocked(key string) bool {
	_, ok := t.blocked.Get(key)
	return ok
}

// Block immediately denies a source. Used by the operator flag endpoint.
func (t *Tracker) Block(subject, reason string) {
	t.mu.Lock()
	t.blocked.Add(subject, time.Now())
	t.scores.Add(subject, t.threshold)
	t.mu.Unlock()
	log.Warnw("source blocked by operator", "subject", subject, "reason", reason)
	t.alert(Alert{Kind: "operator-block", Subject: subject, Detail: reason, Time: time.Now()})
}

// Unblock removes a source from the block list and clears its score.
func (t *Tracker) Unblock(subject string) {
	t.mu.Lock()
	t.blocked.Remove(subject)
	t.scores.Remove(subject)
	t.mu.Unlock()
}

// Score returns the current score of a source.
func (t *Tracker) Score(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	score, _ := t.scores.Get(ip)
	return score
}

// BlockedSources lists the currently blocked IPs and subnets.
func (t *Tracker) BlockedSources() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked.Keys()
}

// ClusterSubnets groups blocked IPv4 sources by /24 and blocks any subnet
// holding minSources or more, raising a subnet-attack alert. Already
// blocked subnets are skipped.
func (t *Tracker) ClusterSubnets(minSources int) {
	counts := map[string]int{}
	for _, source := range t.BlockedSources() {
		if subnet := subnetOf(source); subnet != "" {
			counts[subnet]++
		}
	}
	for subnet, n := range counts {
		if n < minSources {
			continue
		}
		t.mu.Lock()
		already := t.isBlockedLocked(subnet)
		if !already {
			t.blocked.Add(subnet, time.Now())
		}
		t.mu.Unlock()
		if already {
			continue
		}
		log.Warnw("subnet attack detected", "subnet", subnet, "blockedSources", n)
		t.alert(Alert{
			Kind:    "subnet-attack",
			Subject: subnet,
			Detail:  "coordinated sources blocked in subnet",
			Time:    time.Now(),
		})
	}
}

func (t *Tracker) alert(a Alert) {
	if t.OnAlert != nil {
		t.OnAlert(a)
	}
}

// subnetOf maps an IPv4 address to its /24 in CIDR form. Non-IPv4 sources
// and already-CIDR subjects return "".
func subnetOf(ip string) string {
	if strings.Contains(ip, "/") {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return ""
	}
	masked := parsed.To4().Mask(net.CIDRMask(subnetBits, 32))
	return masked.String() + "/24"
}

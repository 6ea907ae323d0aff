package secrets

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	vaultTimeout  = 5 * time.Second
	vaultCacheTTL = 5 * time.Minute
)

// VaultProvider resolves secrets from a Vault KV v2 secret. The whole
// secret is fetched once and cached; individual names map to keys of the
// secret's data object.
type VaultProvider struct {
	addr   string
	token  string
	path   string
	client *http.Client

	mu        sync.Mutex
	cache     map[string]string
	fetchedAt time.Time
}

var _ Provider = (*VaultProvider)(nil)

func newVaultProvider(addr, token, path string) *VaultProvider {
	return &VaultProvider{
		addr:   strings.TrimRight(addr, "/"),
		token:  token,
		path:   strings.Trim(path, "/"),
		client: &http.Client{Timeout: vaultTimeout},
	}
}

func (p *VaultProvider) Source() string { return "vault" }

// Count reports the number of keys in the KV secret, filling the cache on
// first use. An unreachable Vault counts as zero.
func (p *VaultProvider) Count() int {
	// Get fills or refreshes the cache as a side effect.
	_, _ = p.Get("")
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}

func (p *VaultProvider) Get(name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache == nil || time.Since(p.fetchedAt) > vaultCacheTTL {
		data, err := p.fetch()
		if err != nil {
			// Keep serving a stale cache over failing hard.
			if p.cache == nil {
				return "", err
			}
		} else {
			p.cache = data
			p.fetchedAt = time.Now()
		}
	}
	return p.cache[name], nil
}

func (p *VaultProvider) Health() error {
	req, err := http.NewRequest(http.MethodGet, p.addr+"/v1/sys/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("vault unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	// 200 active, 429 standby: both serve reads.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("vault unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// fetch reads the KV v2 secret. The configured path may or may not already
// contain the /data/ segment that the KV v2 API requires.
func (p *VaultProvider) fetch() (map[string]string, error) {
	path := p.path
	if parts := strings.SplitN(path, "/", 2); len(parts) == 2 && !strings.HasPrefix(parts[1], "data/") {
		path = parts[0] + "/data/" + parts[1]
	}
	req, err := http.NewRequest(http.MethodGet, p.addr+"/v1/"+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", p.token)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("vault read %s: status %d: %s", path, resp.StatusCode, body)
	}
	var payload struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("vault response: %w", err)
	}
	out := make(map[string]string, len(payload.Data.Data))
	for k, v := range payload.Data.Data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}

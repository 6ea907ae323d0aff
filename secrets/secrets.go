// Package secrets resolves server-side secrets either from the environment
// or from a HashiCorp Vault KV v2 mount. Resolution is name-based so the
// rest of the node never cares where a secret came from.
package secrets

import (
	"fmt"
	"os"

	"github.com/khma-io/khma-node/log"
)

// MinSecretLen is the minimum accepted secret length in strict mode. Short
// keys defeat the keyed-hash constructions built on top of them.
const MinSecretLen = 32

// Provider resolves named secrets.
type Provider interface {
	// Get returns the secret value, or an error if it cannot be resolved.
	// A missing secret resolves to an empty string with no error.
	Get(name string) (string, error)
	// Health checks that the backing store is reachable.
	Health() error
	// Source names the backing store, for logs.
	Source() string
	// Count reports how many secrets the store currently holds, for the
	// startup health summary. Values are never exposed, only the count.
	Count() int
}

// knownSecretNames are the secrets the node resolves from the environment.
// The env provider counts these; Vault counts whatever its KV secret holds.
var knownSecretNames = []string{
	"JWT_SECRET",
	"PN_HASH_SECRET",
	"DEVICE_HASH_SECRET",
	"VOTER_HASH_SECRET",
	"ADMIN_API_KEY",
	"API_KEY_ENCRYPTION_SECRET",
	"LEDGER_PRIVATE_KEY",
}

// New picks a provider: Vault when an address and token are configured,
// the process environment otherwise.
func New(vaultAddr, vaultToken, secretPath string) Provider {
	if vaultAddr != "" && vaultToken != "" {
		p := newVaultProvider(vaultAddr, vaultToken, secretPath)
		log.Infow("using vault secrets provider", "addr", vaultAddr, "path", secretPath)
		return p
	}
	return &EnvProvider{}
}

// Require resolves a secret and fails if it is missing. In strict mode the
// value must also meet the minimum length; outside strict mode short values
// are accepted with a warning so local setups stay usable.
func Require(p Provider, name string, strict bool) (string, error) {
	value, err := p.Get(name)
	if err != nil {
		return "", fmt.Errorf("resolve secret %s: %w", name, err)
	}
	if value == "" {
		return "", fmt.Errorf("missing required secret %s", name)
	}
	if len(value) < MinSecretLen {
		if strict {
			return "", fmt.Errorf("secret %s too short: need at least %d characters", name, MinSecretLen)
		}
		log.Warnw("secret below recommended length", "secret", name, "minLen", MinSecretLen)
	}
	return value, nil
}

// EnvProvider resolves secrets from the process environment.
type EnvProvider struct{}

var _ Provider = (*EnvProvider)(nil)

func (p *EnvProvider) Get(name string) (string, error) {
	return os.Getenv(name), nil
}

func (p *EnvProvider) Health() error  { return nil }
func (p *EnvProvider) Source() string { return "env" }

func (p *EnvProvider) Count() int {
	n := 0
	for _, name := range knownSecretNames {
		if os.Getenv(name) != "" {
			n++
		}
	}
	return n
}

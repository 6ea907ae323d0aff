package secrets

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestRequire(t *testing.T) {
	c := qt.New(t)
	t.Setenv("TEST_SECRET_OK", strings.Repeat("a", MinSecretLen))
	t.Setenv("TEST_SECRET_SHORT", "short")

	p := &EnvProvider{}

	v, err := Require(p, "TEST_SECRET_OK", true)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.HasLen, MinSecretLen)

	_, err = Require(p, "TEST_SECRET_SHORT", true)
	c.Assert(err, qt.ErrorMatches, ".*too short.*")

	// Outside strict mode short values pass with a warning.
	v, err = Require(p, "TEST_SECRET_SHORT", false)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.Equals, "short")

	_, err = Require(p, "TEST_SECRET_MISSING", false)
	c.Assert(err, qt.ErrorMatches, "missing required secret.*")
}

func TestEnvProviderCount(t *testing.T) {
	c := qt.New(t)
	for _, name := range knownSecretNames {
		t.Setenv(name, "")
	}
	p := &EnvProvider{}
	c.Assert(p.Count(), qt.Equals, 0)

	t.Setenv("JWT_SECRET", strings.Repeat("a", MinSecretLen))
	t.Setenv("PN_HASH_SECRET", strings.Repeat("b", MinSecretLen))
	c.Assert(p.Count(), qt.Equals, 2)
}

func TestVaultProvider(t *testing.T) {
	c := qt.New(t)

	var gotPath, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sys/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Vault-Token")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data": map[string]any{
					"JWT_SECRET": "vault-jwt-secret-vault-jwt-secret",
					"NUMERIC":    42, // non-string values are skipped
				},
			},
		})
	}))
	defer srv.Close()

	p := newVaultProvider(srv.URL, "test-token", "secret/khma")
	c.Assert(p.Health(), qt.IsNil)

	v, err := p.Get("JWT_SECRET")
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.Equals, "vault-jwt-secret-vault-jwt-secret")
	c.Assert(gotPath, qt.Equals, "/v1/secret/data/khma", qt.Commentf("KV v2 data segment must be inserted"))
	c.Assert(gotToken, qt.Equals, "test-token")

	// unknown names resolve empty, not error
	v, err = p.Get("UNKNOWN")
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.Equals, "")

	// the health summary count reflects the KV secret's string keys
	c.Assert(p.Count(), qt.Equals, 1)
}

func TestNewPicksProvider(t *testing.T) {
	c := qt.New(t)
	c.Assert(New("", "", "").Source(), qt.Equals, "env")
	c.Assert(New("http://127.0.0.1:8200", "tok", "secret/khma").Source(), qt.Equals, "vault")
}

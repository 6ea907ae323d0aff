package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/khma-io/khma-node/crypto"
	"github.com/khma-io/khma-node/internal"
)

const (
	defaultAPIHost    = "0.0.0.0"
	defaultAPIPort    = 3000
	defaultLogLevel   = "info"
	defaultLogOutput  = "stdout"
	defaultDatadir    = ".khma" // Will be prefixed with user's home directory
	defaultMinK       = 30
	defaultBioTimeout = 10 * time.Second
)

// Version is the build version, set at build time with -ldflags
var Version = internal.Version

// Config holds the application configuration
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Database  DatabaseConfig  `mapstructure:"db"`
	Privacy   PrivacyConfig   `mapstructure:"privacy"`
	Biometric BiometricConfig `mapstructure:"biometric"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Log       LogConfig       `mapstructure:"log"`
	Datadir   string          `mapstructure:"datadir"`
	Env       string          `mapstructure:"env"`
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`      // mongodb:// selects mongo, empty selects pebble under datadir
	RedisURL string `mapstructure:"redisurl"` // accepted for compatibility, not supported
}

// PrivacyConfig holds the k-anonymity knobs.
type PrivacyConfig struct {
	MinK        int  `mapstructure:"mink"`
	EnableNoise bool `mapstructure:"noise"`
}

// BiometricConfig points at the external verifier service.
type BiometricConfig struct {
	URL        string `mapstructure:"url"`
	TimeoutMS  int    `mapstructure:"timeoutms"`
	MaxRetries int    `mapstructure:"maxretries"`
}

// VaultConfig enables the Vault secrets provider.
type VaultConfig struct {
	Addr       string `mapstructure:"addr"`
	Token      string `mapstructure:"token"`
	SecretPath string `mapstructure:"secretpath"`
}

// LedgerConfig enables audit chain anchoring.
type LedgerConfig struct {
	RPCURL string `mapstructure:"rpcurl"`
}

// CryptoConfig selects hash constructions and the proof verifying key.
type CryptoConfig struct {
	Hasher      string `mapstructure:"hasher"` // hmac or poseidon
	NullifierVK string `mapstructure:"nullifiervk"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// Production reports whether the node runs with production hardening:
// mandatory secrets of full length and strict proof verification. The
// canonical NODE_ENV value is "prod"; "production" is kept as an alias.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "prod") || strings.EqualFold(c.Env, "production")
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("privacy.mink", defaultMinK)
	v.SetDefault("privacy.noise", true)
	v.SetDefault("biometric.timeoutms", int(defaultBioTimeout.Milliseconds()))
	v.SetDefault("biometric.maxretries", 1)
	v.SetDefault("crypto.hasher", crypto.HasherHMAC)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("env", "development")

	// Configure flags
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.String("db.url", "", "database URL (mongodb://... for MongoDB, empty for embedded Pebble)")
	flag.Int("privacy.mink", defaultMinK, "default k-anonymity floor for new polls")
	flag.Bool("privacy.noise", true, "apply deterministic noise to released demographic cells")
	flag.String("biometric.url", "", "biometric verifier base URL (empty trusts client scores)")
	flag.Int("biometric.timeoutms", int(defaultBioTimeout.Milliseconds()), "biometric verifier timeout in milliseconds")
	flag.Int("biometric.maxretries", 1, "biometric verifier transport retries")
	flag.String("vault.addr", "", "Vault address (empty reads secrets from the environment)")
	flag.String("vault.secretpath", "", "Vault KV v2 secret path")
	flag.String("ledger.rpcurl", "", "ledger RPC endpoint for audit chain anchoring")
	flag.String("crypto.hasher", crypto.HasherHMAC, "keyed hash construction (hmac or poseidon)")
	flag.String("crypto.nullifiervk", "", "nullifier proof verifying key path")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for database and storage files")
	flag.String("env", "development", "runtime environment (development or production)")

	// Configure usage information
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "khma-node v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: khma-node [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_),\n")
		fmt.Fprintf(os.Stderr, "  prefixed with KHMA (e.g. KHMA_API_PORT or KHMA_DB_URL).\n")
		fmt.Fprintf(os.Stderr, "  The bare deployment names PORT, NODE_ENV, DATABASE_URL, REDIS_URL,\n")
		fmt.Fprintf(os.Stderr, "  MIN_K_ANONYMITY, ENABLE_PRIVACY_NOISE, BIOMETRIC_SERVICE_URL,\n")
		fmt.Fprintf(os.Stderr, "  BIOMETRIC_TIMEOUT_MS, BIOMETRIC_MAX_RETRIES, VAULT_ADDR,\n")
		fmt.Fprintf(os.Stderr, "  VAULT_SECRET_PATH, LEDGER_RPC_URL and CRYPTO_HASHER are honored too.\n")
		fmt.Fprintf(os.Stderr, "\nSecrets (JWT_SECRET, PN_HASH_SECRET, DEVICE_HASH_SECRET,\n")
		fmt.Fprintf(os.Stderr, "  VOTER_HASH_SECRET, API_KEY_ENCRYPTION_SECRET, ADMIN_API_KEY,\n")
		fmt.Fprintf(os.Stderr, "  LEDGER_PRIVATE_KEY, VAULT_TOKEN) come from the environment or Vault.\n")
	}

	// Parse flags
	flag.CommandLine.SortFlags = false
	flag.Parse()

	// Configure Viper to use environment variables
	v.SetEnvPrefix("KHMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The deployment environment uses bare names for some settings; bind
	// them as aliases of the structured keys.
	for key, aliases := range map[string][]string{
		"api.port":             {"PORT"},
		"env":                  {"NODE_ENV"},
		"db.url":               {"DATABASE_URL"},
		"db.redisurl":          {"REDIS_URL"},
		"privacy.mink":         {"MIN_K_ANONYMITY"},
		"privacy.noise":        {"ENABLE_PRIVACY_NOISE"},
		"biometric.url":        {"BIOMETRIC_SERVICE_URL"},
		"biometric.timeoutms":  {"BIOMETRIC_TIMEOUT_MS"},
		"biometric.maxretries": {"BIOMETRIC_MAX_RETRIES"},
		"vault.addr":           {"VAULT_ADDR"},
		"vault.token":          {"VAULT_TOKEN"},
		"vault.secretpath":     {"VAULT_SECRET_PATH"},
		"ledger.rpcurl":        {"LEDGER_RPC_URL"},
		"crypto.hasher":        {"CRYPTO_HASHER"},
	} {
		if err := v.BindEnv(append([]string{key}, aliases...)...); err != nil {
			return nil, fmt.Errorf("error binding environment: %w", err)
		}
	}

	// Bind flags to Viper
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

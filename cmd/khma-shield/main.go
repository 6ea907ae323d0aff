// Command khma-shield runs the risk-scoring reverse proxy that fronts a
// khma-node deployment. It keeps no database: scores and blocks live in
// expiring in-process caches, so a restart forgives everything.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/khma-io/khma-node/internal"
	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/secrets"
	"github.com/khma-io/khma-node/service"
	"github.com/khma-io/khma-node/shield"
)

const (
	defaultHost      = "0.0.0.0"
	defaultPort      = 8080
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
)

// Version is the build version, set at build time with -ldflags
var Version = internal.Version

// Config holds the shield configuration
type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	BackendURL string `mapstructure:"backendurl"`
	Threshold  int    `mapstructure:"threshold"`
	Log        struct {
		Level  string `mapstructure:"level"`
		Output string `mapstructure:"output"`
	} `mapstructure:"log"`
}

func loadConfig() (*Config, error) {
	v := viper.New()
	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("threshold", shield.DefaultBlockThreshold)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)

	flag.StringP("host", "a", defaultHost, "listen host")
	flag.IntP("port", "p", defaultPort, "listen port")
	flag.StringP("backendurl", "b", "", "backend node URL to protect (required)")
	flag.IntP("threshold", "t", shield.DefaultBlockThreshold, "penalty score that blocks a source")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "khma-shield v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: khma-shield [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables: KHMA_SHIELD_* (e.g. KHMA_SHIELD_PORT),\n")
		fmt.Fprintf(os.Stderr, "  plus the bare names BACKEND_URL and BLOCK_THRESHOLD.\n")
		fmt.Fprintf(os.Stderr, "  SHIELD_ADMIN_KEY guards the operator endpoints.\n")
	}
	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("KHMA_SHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("backendurl", "KHMA_SHIELD_BACKENDURL", "BACKEND_URL"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("threshold", "KHMA_SHIELD_THRESHOLD", "BLOCK_THRESHOLD"); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting khma-shield", "version", Version,
		"backend", cfg.BackendURL, "threshold", cfg.Threshold)

	if cfg.BackendURL == "" {
		log.Fatalf("backend URL is required (--backendurl or BACKEND_URL)")
	}
	adminKey, _ := (&secrets.EnvProvider{}).Get("SHIELD_ADMIN_KEY")
	if adminKey == "" {
		log.Warnw("SHIELD_ADMIN_KEY not set, operator endpoints disabled")
	}

	ss, err := service.NewShield(cfg.BackendURL, cfg.Host, cfg.Port, cfg.Threshold, adminKey)
	if err != nil {
		log.Fatalf("failed to create shield: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ss.Start(ctx); err != nil {
		log.Fatalf("failed to start shield: %v", err)
	}
	defer ss.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

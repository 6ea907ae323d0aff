package main

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestProductionEnv(t *testing.T) {
	c := qt.New(t)
	for env, want := range map[string]bool{
		"prod":       true,
		"PROD":       true,
		"production": true,
		"Production": true,
		"dev":        false,
		"test":       false,
		"":           false,
	} {
		cfg := &Config{Env: env}
		c.Assert(cfg.Production(), qt.Equals, want, qt.Commentf("env=%q", env))
	}
}

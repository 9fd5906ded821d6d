package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/routing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, routing.DefaultPolicy(), cfg.Policy())
	assert.Equal(t, 10*time.Minute, cfg.Claim.OrphanAfter.D())
	assert.Equal(t, 3, cfg.Claim.Rounds)
	assert.Equal(t, 3, cfg.Dispatch.Max)
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
claim:
  orphan_after: 15m
  rounds: 4
worker:
  budget: 600
routing:
  base_threshold: 60
log:
  level: debug
`), 0o644))

	t.Setenv("CLAIM_ROUNDS", "5")
	t.Setenv("LOG_JSON", "yes")
	t.Setenv("WORKER_BUFFER", "45s")
	t.Setenv("REQUEST_RPS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.Claim.OrphanAfter.D(), "yaml over default")
	assert.Equal(t, 5, cfg.Claim.Rounds, "env over yaml")
	assert.Equal(t, 10*time.Minute, cfg.Worker.Budget.D(), "plain seconds")
	assert.Equal(t, 45*time.Second, cfg.Worker.Buffer.D())
	assert.Equal(t, 60, cfg.Policy().BaseThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 5.0, cfg.Marketplace.RPS, "unparsable env keeps the previous value")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"adapter":       func(c *Config) { c.Marketplace.Adapter = "ftp" },
		"base url":      func(c *Config) { c.Marketplace.Adapter = "http-json" },
		"rounds":        func(c *Config) { c.Claim.Rounds = 0 },
		"limit":         func(c *Config) { c.Claim.Limit = -1 },
		"orphan":        func(c *Config) { c.Claim.OrphanAfter = 0 },
		"buffer":        func(c *Config) { c.Worker.Buffer = c.Worker.Budget },
		"cron":          func(c *Config) { c.Dispatch.Cron = "every five minutes" },
		"dispatch max":  func(c *Config) { c.Dispatch.Max = 0 },
		"fill ordering": func(c *Config) { c.Routing.LowFillPct = 90 },
		"threshold":     func(c *Config) { c.Routing.BaseThreshold = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Dispatch.Cron = "*/5 * * * *"
	assert.NoError(t, cfg.Validate())
}

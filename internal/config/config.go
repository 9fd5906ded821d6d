// Package config resolves settings from defaults, an optional YAML file, the
// environment (and .env), and finally command flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"catalog-ingest/internal/adapters"
	"catalog-ingest/internal/routing"
)

type Config struct {
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Claim       ClaimConfig       `yaml:"claim"`
	Worker      WorkerConfig      `yaml:"worker"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Routing     RoutingConfig     `yaml:"routing"`
	Log         LogConfig         `yaml:"log"`

	MetricsAddr   string `yaml:"metrics_addr"`
	SentryDSN     string `yaml:"sentry_dsn"`
	NotifyChannel string `yaml:"notify_channel"`
}

type PostgresConfig struct {
	DSN        string `yaml:"dsn"`
	Schema     string `yaml:"schema"`
	MaxConns   int    `yaml:"max_conns"`
	ViaBouncer bool   `yaml:"via_bouncer"`
}

// RedisConfig selects the dispatch backend; empty Address runs workers in
// process.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MarketplaceConfig struct {
	Adapter   string   `yaml:"adapter"`
	BaseURL   string   `yaml:"base_url"`
	APIKey    string   `yaml:"api_key"`
	RPS       float64  `yaml:"rps"`
	Timeout   Duration `yaml:"timeout"`
	RetryMax  int      `yaml:"retry_max"`
	Requester string   `yaml:"requester"`
}

type ClaimConfig struct {
	OrphanAfter Duration `yaml:"orphan_after"`
	Rounds      int      `yaml:"rounds"`
	Limit       int      `yaml:"limit"`
}

type WorkerConfig struct {
	ID     string   `yaml:"id"`
	Budget Duration `yaml:"budget"`
	Buffer Duration `yaml:"buffer"`
	Loops  int      `yaml:"loops"`
}

type DispatchConfig struct {
	Max    int    `yaml:"max"`
	Cron   string `yaml:"cron"`
	Prefix string `yaml:"prefix"`
}

type RoutingConfig struct {
	MaxItems       int     `yaml:"max_items"`
	BaseThreshold  int     `yaml:"base_threshold"`
	LowFillPct     float64 `yaml:"low_fill_pct"`
	LowThreshold   int     `yaml:"low_threshold"`
	HighFillPct    float64 `yaml:"high_fill_pct"`
	HighThreshold  int     `yaml:"high_threshold"`
	HeavyUsage     int     `yaml:"heavy_usage"`
	HeavyThreshold int     `yaml:"heavy_threshold"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Duration accepts "90s"-style strings or plain seconds in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := time.ParseDuration(raw); err == nil {
		return v, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration %q", raw)
}

func Default() Config {
	p := routing.DefaultPolicy()
	host, _ := os.Hostname()
	return Config{
		Postgres: PostgresConfig{Schema: "public", MaxConns: 8},
		Marketplace: MarketplaceConfig{
			Adapter:   adapters.KindMock,
			RPS:       5,
			Timeout:   Duration(15 * time.Second),
			RetryMax:  3,
			Requester: "catalog-ingest",
		},
		Claim:    ClaimConfig{OrphanAfter: Duration(10 * time.Minute), Rounds: 3, Limit: 5},
		Worker:   WorkerConfig{ID: host, Budget: Duration(5 * time.Minute), Buffer: Duration(30 * time.Second), Loops: 1},
		Dispatch: DispatchConfig{Max: 3, Prefix: "catalog-ingest"},
		Routing: RoutingConfig{
			MaxItems:       p.MaxItems,
			BaseThreshold:  p.BaseThreshold,
			LowFillPct:     p.LowFillPct,
			LowThreshold:   p.LowThreshold,
			HighFillPct:    p.HighFillPct,
			HighThreshold:  p.HighThreshold,
			HeavyUsage:     p.HeavyUsage,
			HeavyThreshold: p.HeavyThreshold,
		},
		Log:           LogConfig{Level: "info"},
		NotifyChannel: "catalog-ingest:events",
	}
}

// Load builds the effective config. A missing .env is fine; a named YAML
// file that cannot be read is not.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path == "" {
		path = envString("CONFIG_FILE", "")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Postgres.DSN = envString("PG_DSN", c.Postgres.DSN)
	c.Postgres.Schema = envString("PG_SCHEMA", c.Postgres.Schema)
	c.Postgres.MaxConns = envInt("PG_MAX_CONNS", c.Postgres.MaxConns)
	c.Postgres.ViaBouncer = envBool("PG_VIA_BOUNCER", c.Postgres.ViaBouncer)

	c.Redis.Address = envString("REDIS_ADDRESS", c.Redis.Address)
	c.Redis.Password = envString("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envInt("REDIS_DB", c.Redis.DB)

	c.Marketplace.Adapter = envString("MARKETPLACE_ADAPTER", c.Marketplace.Adapter)
	c.Marketplace.BaseURL = envString("MARKETPLACE_BASE_URL", c.Marketplace.BaseURL)
	c.Marketplace.APIKey = envString("MARKETPLACE_API_KEY", c.Marketplace.APIKey)
	c.Marketplace.RPS = envFloat("REQUEST_RPS", c.Marketplace.RPS)
	c.Marketplace.Timeout = envDuration("HTTP_TIMEOUT", c.Marketplace.Timeout)
	c.Marketplace.RetryMax = envInt("RETRY_MAX", c.Marketplace.RetryMax)
	c.Marketplace.Requester = envString("TOKEN_REQUESTER", c.Marketplace.Requester)

	c.Claim.OrphanAfter = envDuration("ORPHAN_AFTER", c.Claim.OrphanAfter)
	c.Claim.Rounds = envInt("CLAIM_ROUNDS", c.Claim.Rounds)
	c.Claim.Limit = envInt("CLAIM_LIMIT", c.Claim.Limit)

	c.Worker.ID = envString("WORKER_ID", c.Worker.ID)
	c.Worker.Budget = envDuration("WORKER_BUDGET", c.Worker.Budget)
	c.Worker.Buffer = envDuration("WORKER_BUFFER", c.Worker.Buffer)
	c.Worker.Loops = envInt("WORKER_LOOPS", c.Worker.Loops)

	c.Dispatch.Max = envInt("DISPATCH_MAX", c.Dispatch.Max)
	c.Dispatch.Cron = envString("DISPATCH_CRON", c.Dispatch.Cron)
	c.Dispatch.Prefix = envString("DISPATCH_PREFIX", c.Dispatch.Prefix)

	c.Routing.MaxItems = envInt("ROUTING_MAX_ITEMS", c.Routing.MaxItems)
	c.Routing.BaseThreshold = envInt("ROUTING_BASE_THRESHOLD", c.Routing.BaseThreshold)
	c.Routing.LowFillPct = envFloat("ROUTING_LOW_FILL_PCT", c.Routing.LowFillPct)
	c.Routing.LowThreshold = envInt("ROUTING_LOW_THRESHOLD", c.Routing.LowThreshold)
	c.Routing.HighFillPct = envFloat("ROUTING_HIGH_FILL_PCT", c.Routing.HighFillPct)
	c.Routing.HighThreshold = envInt("ROUTING_HIGH_THRESHOLD", c.Routing.HighThreshold)
	c.Routing.HeavyUsage = envInt("ROUTING_HEAVY_USAGE", c.Routing.HeavyUsage)
	c.Routing.HeavyThreshold = envInt("ROUTING_HEAVY_THRESHOLD", c.Routing.HeavyThreshold)

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.JSON = envBool("LOG_JSON", c.Log.JSON)
	c.MetricsAddr = envString("METRICS_ADDR", c.MetricsAddr)
	c.SentryDSN = envString("SENTRY_DSN", c.SentryDSN)
	c.NotifyChannel = envString("NOTIFY_CHANNEL", c.NotifyChannel)
}

// Policy returns the routing policy the config describes.
func (c Config) Policy() routing.Policy {
	r := c.Routing
	return routing.Policy{
		MaxItems:       r.MaxItems,
		BaseThreshold:  r.BaseThreshold,
		LowFillPct:     r.LowFillPct,
		LowThreshold:   r.LowThreshold,
		HighFillPct:    r.HighFillPct,
		HighThreshold:  r.HighThreshold,
		HeavyUsage:     r.HeavyUsage,
		HeavyThreshold: r.HeavyThreshold,
	}
}

// Validate reports every nonsensical setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Marketplace.Adapter {
	case adapters.KindMock:
	case adapters.KindHTTPJSON:
		if c.Marketplace.BaseURL == "" {
			bad("marketplace base url is required for the %s adapter", adapters.KindHTTPJSON)
		}
	default:
		bad("unknown marketplace adapter %q", c.Marketplace.Adapter)
	}
	if c.Marketplace.RPS < 0 {
		bad("request rps must not be negative")
	}
	if c.Marketplace.Timeout.D() <= 0 {
		bad("http timeout must be positive")
	}
	if c.Postgres.MaxConns <= 0 {
		bad("postgres max conns must be positive")
	}
	if c.Claim.OrphanAfter.D() <= 0 {
		bad("orphan threshold must be positive")
	}
	if c.Claim.Rounds <= 0 {
		bad("claim rounds must be positive")
	}
	if c.Claim.Limit <= 0 {
		bad("claim limit must be positive")
	}
	if c.Worker.Loops <= 0 {
		bad("worker loops must be positive")
	}
	if c.Worker.Budget.D() <= c.Worker.Buffer.D() {
		bad("worker budget %s must exceed its buffer %s", c.Worker.Budget.D(), c.Worker.Buffer.D())
	}
	if c.Dispatch.Max <= 0 {
		bad("dispatch max must be positive")
	}
	if c.Dispatch.Cron != "" && !gronx.IsValid(c.Dispatch.Cron) {
		bad("invalid dispatch cron %q", c.Dispatch.Cron)
	}
	r := c.Routing
	if r.MaxItems <= 0 || r.BaseThreshold <= 0 || r.LowThreshold <= 0 || r.HighThreshold <= 0 || r.HeavyThreshold <= 0 {
		bad("routing thresholds must be positive")
	}
	if r.LowFillPct >= r.HighFillPct {
		bad("routing low fill %.0f must be below high fill %.0f", r.LowFillPct, r.HighFillPct)
	}
	return errors.Join(errs...)
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDuration(key string, def Duration) Duration {
	d, err := parseDuration(os.Getenv(key))
	if err != nil || d == 0 {
		return def
	}
	return Duration(d)
}

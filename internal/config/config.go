package config

import (
	"os"
)

import (
	"gopkg.in/yaml.v3"
)

// ServerCfg holds the HTTP listen configuration.
type ServerCfg struct {
	HTTPAddr string `yaml:"httpAddr"` // e.g. ":8080"
}

// RedisCfg holds connection and namespace settings for the shared
// counter store.
type RedisCfg struct {
	Addr           string   `yaml:"addr"`           // single address, e.g. "127.0.0.1:6379"
	Addrs          []string `yaml:"addrs"`          // optional cluster/shard addresses
	Password       string   `yaml:"password"`       // redis password
	DB             int      `yaml:"db"`             // db index (ignored in cluster mode)
	Prefix         string   `yaml:"prefix"`         // key prefix
	PoolSize       int      `yaml:"poolSize"`       // connection pool size
	MinIdleConns   int      `yaml:"minIdleConns"`   // minimum idle connections
	MaxRetries     int      `yaml:"maxRetries"`     // command retry count
	ReadTimeoutMs  int      `yaml:"readTimeoutMs"`  // read timeout (ms)
	WriteTimeoutMs int      `yaml:"writeTimeoutMs"` // write timeout (ms)
	DialTimeoutMs  int      `yaml:"dialTimeoutMs"`  // dial timeout (ms)
}

// WebhookCfg holds the inbound authentication settings. Secret is the
// shared HMAC secret, normally provided as "${WEBHOOK_SECRET}" so the
// value never lives in the file.
type WebhookCfg struct {
	SignatureHeader string `yaml:"signatureHeader"` // default X-Webhook-Signature
	Secret          string `yaml:"secret"`
}

// Features are behavior toggles for the guard.
type Features struct {
	Audit         string `yaml:"audit"`         // "redis_stream" | "none"
	LocalFallback bool   `yaml:"localFallback"` // in-process limiter during store outage
	FailPolicy    string `yaml:"failPolicy"`    // fail-open (default) | fail-closed
}

// LockoutCfg escalates identities with sustained rate-limit denials to a
// temporary block.
type LockoutCfg struct {
	Enabled   bool  `yaml:"enabled"`
	Threshold int64 `yaml:"threshold"` // denials within windowMs before blocking
	WindowMs  int64 `yaml:"windowMs"`  // denial counting window (ms)
	BlockMs   int64 `yaml:"blockMs"`   // block duration (ms)
}

// PolicyCfg is one per-endpoint rate limit budget.
type PolicyCfg struct {
	Endpoint string `yaml:"endpoint"`
	Limit    int64  `yaml:"limit"`
	WindowMs int64  `yaml:"windowMs"`
}

// Config is the full service configuration.
type Config struct {
	Server        ServerCfg   `yaml:"server"`
	Redis         RedisCfg    `yaml:"redis"`
	Webhook       WebhookCfg  `yaml:"webhook"`
	Features      Features    `yaml:"features"`
	Lockout       LockoutCfg  `yaml:"lockout"`
	DefaultPolicy PolicyCfg   `yaml:"defaultPolicy"`
	Policies      []PolicyCfg `yaml:"policies"`

	missingEnv []string
}

// MissingEnv lists environment variables the config file referenced that
// were not set at load time. A variable set to an empty string is not
// missing, so "unset" and "present but empty" stay distinguishable.
func (c *Config) MissingEnv() []string {
	return c.missingEnv
}

// Load reads a YAML config file. Environment references in the file are
// expanded before unmarshalling, so secrets can be supplied as
// "${WEBHOOK_SECRET}" and resolved at startup. References to unset
// variables expand to the empty string and are reported via MissingEnv.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var missing []string
	expanded := os.Expand(string(b), func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, err
	}
	c.missingEnv = missing
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "guard"
	}
	if c.Webhook.SignatureHeader == "" {
		c.Webhook.SignatureHeader = "X-Webhook-Signature"
	}
	if c.DefaultPolicy.Limit <= 0 {
		c.DefaultPolicy.Limit = 100
	}
	if c.DefaultPolicy.WindowMs <= 0 {
		c.DefaultPolicy.WindowMs = 60000
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	AdminAddr string `yaml:"admin_addr"`
}

type UpstreamConfig struct {
	Targets      []string `yaml:"targets"`
	TimeoutMs    int      `yaml:"timeout_ms"`
	APIKey       string   `yaml:"api_key"`
	APIKeyHeader string   `yaml:"api_key_header"`
}

type SecurityConfig struct {
	// BuildSalt must match the salt the client bundle was built with, otherwise
	// the derived action ids will not line up.
	BuildSalt      string `yaml:"build_salt"`
	SigningSecret  string `yaml:"signing_secret"`
	HCaptchaSecret string `yaml:"hcaptcha_secret"`
	HCaptchaURL    string `yaml:"hcaptcha_url"`
}

type RateLimitConfig struct {
	IPPerMinute       int     `yaml:"ip_per_minute"`
	FPPerMinute       int     `yaml:"fp_per_minute"`
	SearchPerMinute   int     `yaml:"search_per_minute"`
	BurstPerSecond    int     `yaml:"burst_per_second"`
	WindowMs          int     `yaml:"window_ms"`
	BurstWindowMs     int     `yaml:"burst_window_ms"`
	SlowdownThreshold float64 `yaml:"slowdown_threshold"`
	CaptchaThreshold  float64 `yaml:"captcha_threshold"`
	MaxSlowdownMs     int     `yaml:"max_slowdown_ms"`
}

type PowConfig struct {
	Difficulty int `yaml:"difficulty"`
	TTLMs      int `yaml:"ttl_ms"`
}

// StatsConfig enables the optional Redis decision-stats sink. Disabled unless
// RedisAddr is set. TTL is a duration string ("24h"); yaml.v3 does not decode
// bare strings into time.Duration.
type StatsConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
	TTL           string `yaml:"ttl"`
}

// TTLDuration returns the parsed stats TTL. validate has already rejected
// unparseable values.
func (s StatsConfig) TTLDuration() time.Duration {
	d, _ := time.ParseDuration(s.TTL)
	return d
}

type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
}

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Security      SecurityConfig      `yaml:"security"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Pow           PowConfig           `yaml:"pow"`
	Stats         StatsConfig         `yaml:"stats"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads the yaml config at path (optional, defaults apply when empty),
// then applies environment overrides on top.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.HTTPAddr, "LISTEN_ADDR")
	setString(&c.Server.AdminAddr, "ADMIN_ADDR")
	if v := os.Getenv("UPSTREAM_TARGETS"); v != "" {
		c.Upstream.Targets = nil
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.Upstream.Targets = append(c.Upstream.Targets, t)
			}
		}
	}
	setString(&c.Upstream.APIKey, "API_KEY")
	setString(&c.Security.BuildSalt, "BUILD_SALT")
	setString(&c.Security.SigningSecret, "SIGNING_SECRET")
	setString(&c.Security.HCaptchaSecret, "HCAPTCHA_SECRET")
	setString(&c.Stats.RedisAddr, "STATS_REDIS_ADDR")
	setString(&c.Stats.RedisPassword, "STATS_REDIS_PASSWORD")
	setInt(&c.Stats.RedisDB, "STATS_REDIS_DB")
	setString(&c.Observability.LogLevel, "LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = ":9090"
	}
	if len(c.Upstream.Targets) == 0 {
		c.Upstream.Targets = []string{"https://api.relics.pw-hub.ru"}
	}
	if c.Upstream.TimeoutMs == 0 {
		c.Upstream.TimeoutMs = 15000
	}
	if c.Upstream.APIKeyHeader == "" {
		c.Upstream.APIKeyHeader = "X-Api-Key"
	}
	if c.Security.HCaptchaURL == "" {
		c.Security.HCaptchaURL = "https://api.hcaptcha.com/siteverify"
	}
	rl := &c.RateLimit
	if rl.IPPerMinute == 0 {
		rl.IPPerMinute = 60
	}
	if rl.FPPerMinute == 0 {
		rl.FPPerMinute = 100
	}
	if rl.SearchPerMinute == 0 {
		rl.SearchPerMinute = 20
	}
	if rl.BurstPerSecond == 0 {
		rl.BurstPerSecond = 10
	}
	if rl.WindowMs == 0 {
		rl.WindowMs = 60_000
	}
	if rl.BurstWindowMs == 0 {
		rl.BurstWindowMs = 1_000
	}
	if rl.SlowdownThreshold == 0 {
		rl.SlowdownThreshold = 0.8
	}
	if rl.CaptchaThreshold == 0 {
		rl.CaptchaThreshold = 0.9
	}
	if rl.MaxSlowdownMs == 0 {
		rl.MaxSlowdownMs = 2_000
	}
	if c.Pow.Difficulty == 0 {
		c.Pow.Difficulty = 3
	}
	if c.Pow.TTLMs == 0 {
		c.Pow.TTLMs = 300_000
	}
	if c.Stats.Prefix == "" {
		c.Stats.Prefix = "gateway:stats"
	}
	if c.Stats.TTL == "" {
		c.Stats.TTL = "24h"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.RateLimit.SlowdownThreshold <= 0 || c.RateLimit.SlowdownThreshold >= 1 {
		return errors.New("rate_limit.slowdown_threshold must be in (0,1)")
	}
	if c.RateLimit.CaptchaThreshold <= 0 || c.RateLimit.CaptchaThreshold > 1 {
		return errors.New("rate_limit.captcha_threshold must be in (0,1]")
	}
	if c.Pow.Difficulty < 1 || c.Pow.Difficulty > 8 {
		return errors.New("pow.difficulty must be between 1 and 8")
	}
	for _, t := range c.Upstream.Targets {
		if !strings.HasPrefix(t, "http://") && !strings.HasPrefix(t, "https://") {
			return fmt.Errorf("upstream target %q must be an absolute http(s) URL", t)
		}
	}
	if d, err := time.ParseDuration(c.Stats.TTL); err != nil || d < 0 {
		return fmt.Errorf("stats.ttl %q is not a valid duration", c.Stats.TTL)
	}
	return nil
}

// Redacted returns a copy safe to expose on the admin plane.
func (c *Config) Redacted() Config {
	out := *c
	out.Upstream.APIKey = redact(out.Upstream.APIKey)
	out.Security.SigningSecret = redact(out.Security.SigningSecret)
	out.Security.HCaptchaSecret = redact(out.Security.HCaptchaSecret)
	out.Security.BuildSalt = redact(out.Security.BuildSalt)
	out.Stats.RedisPassword = redact(out.Stats.RedisPassword)
	return out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "<set>"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if i, err := strconv.Atoi(v); err == nil {
		*dst = i
	}
}

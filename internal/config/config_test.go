package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAML(t *testing.T) {
	yaml := `
server:
  http_addr: ":18080"
  admin_addr: ":19090"
upstream:
  targets: ["https://api.example.com"]
  timeout_ms: 5000
  api_key: "k"
security:
  build_salt: "salt1"
  signing_secret: "sig1"
rate_limit:
  ip_per_minute: 30
pow:
  difficulty: 2
stats:
  redis_addr: "127.0.0.1:6379"
  ttl: 12h
`
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(p, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write temp yaml: %v", err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if c.Server.HTTPAddr != ":18080" || c.Server.AdminAddr != ":19090" {
		t.Fatalf("server addrs unexpected: %+v", c.Server)
	}
	if len(c.Upstream.Targets) != 1 || c.Upstream.Targets[0] != "https://api.example.com" {
		t.Fatalf("upstream targets unexpected: %+v", c.Upstream)
	}
	if c.RateLimit.IPPerMinute != 30 {
		t.Fatalf("ip_per_minute not read: %+v", c.RateLimit)
	}
	// untouched fields keep the defaults
	if c.RateLimit.FPPerMinute != 100 || c.RateLimit.BurstPerSecond != 10 {
		t.Fatalf("defaults not applied: %+v", c.RateLimit)
	}
	if c.Pow.Difficulty != 2 || c.Pow.TTLMs != 300_000 {
		t.Fatalf("pow config unexpected: %+v", c.Pow)
	}
	if c.Stats.TTL != "12h" || c.Stats.TTLDuration() != 12*time.Hour {
		t.Fatalf("stats ttl not read: %+v", c.Stats)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	c, err := Load("../../deploy/config.yaml")
	if err != nil {
		t.Fatalf("sample config must load: %v", err)
	}
	if c.Stats.TTLDuration() != 24*time.Hour {
		t.Fatalf("sample stats ttl unexpected: %+v", c.Stats)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if c.Server.HTTPAddr != ":8080" || c.Server.AdminAddr != ":9090" {
		t.Fatalf("server defaults unexpected: %+v", c.Server)
	}
	if c.RateLimit.SlowdownThreshold != 0.8 || c.RateLimit.MaxSlowdownMs != 2000 {
		t.Fatalf("rate limit defaults unexpected: %+v", c.RateLimit)
	}
	if c.Upstream.TimeoutMs != 15000 || c.Upstream.APIKeyHeader != "X-Api-Key" {
		t.Fatalf("upstream defaults unexpected: %+v", c.Upstream)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":28080")
	t.Setenv("UPSTREAM_TARGETS", "https://a.example.com, https://b.example.com")
	t.Setenv("SIGNING_SECRET", "from-env")

	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.HTTPAddr != ":28080" {
		t.Fatalf("LISTEN_ADDR not applied: %q", c.Server.HTTPAddr)
	}
	if len(c.Upstream.Targets) != 2 || c.Upstream.Targets[1] != "https://b.example.com" {
		t.Fatalf("UPSTREAM_TARGETS not applied: %+v", c.Upstream.Targets)
	}
	if c.Security.SigningSecret != "from-env" {
		t.Fatalf("SIGNING_SECRET not applied")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	yaml := `
rate_limit:
  slowdown_threshold: 1.5
`
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(p, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write temp yaml: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for slowdown_threshold out of range")
	}

	yaml = `
stats:
  ttl: "soon"
`
	p = filepath.Join(dir, "cfg2.yaml")
	if err := os.WriteFile(p, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write temp yaml: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for unparseable stats.ttl")
	}
}

func TestRedacted(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Security.SigningSecret = "topsecret"
	c.Upstream.APIKey = "key"
	r := c.Redacted()
	if r.Security.SigningSecret != "<set>" || r.Upstream.APIKey != "<set>" {
		t.Fatalf("secrets not redacted: %+v", r)
	}
	if r.Security.HCaptchaSecret != "" {
		t.Fatalf("empty secret should stay empty")
	}
	if c.Security.SigningSecret != "topsecret" {
		t.Fatalf("original mutated")
	}
}

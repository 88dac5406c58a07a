package bootstrap

import (
	"testing"
	"time"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
app:
  port: 9090
inventory:
  default_ttl: 30m
saga:
  max_attempts: 5
  step_timeout: 2s
  admission_rule: "order.amount < 1000.0"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.App.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.App.Port)
	}
	if cfg.Inventory.DefaultTTL != 30*time.Minute {
		t.Errorf("expected 30m ttl, got %v", cfg.Inventory.DefaultTTL)
	}
	if cfg.Saga.MaxAttempts != 5 || cfg.Saga.StepTimeout != 2*time.Second {
		t.Errorf("unexpected saga config %+v", cfg.Saga)
	}
	// 未出现在 yaml 中的字段保留默认值
	if cfg.Inventory.Backend != "memory" || cfg.Saga.CompensationMaxAttempts != 5 || cfg.Saga.MaxUnresolved != 5 {
		t.Errorf("defaults lost: %+v %+v", cfg.Inventory, cfg.Saga)
	}
}

func TestValidateRejectsMissingDSN(t *testing.T) {
	if _, err := Parse([]byte("inventory:\n  backend: mysql\n")); err == nil {
		t.Fatal("expected validation error for mysql backend without dsn")
	}
}

func TestValidateRejectsZeroUnresolvedLimit(t *testing.T) {
	if _, err := Parse([]byte("saga:\n  max_unresolved: 0\n")); err == nil {
		t.Fatal("expected validation error for max_unresolved 0")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("INVENTORY_BACKEND", "redis")
	t.Setenv("REDIS_ADDRS", "localhost:6379")
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Inventory.Backend != "redis" || cfg.Infra.Redis.Addrs != "localhost:6379" {
		t.Errorf("env override not applied: %+v", cfg.Inventory)
	}
}

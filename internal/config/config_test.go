package config

import (
	"strings"
	"testing"
)

func validBase() Config {
	return Config{
		Env:                 "dev",
		QueueMode:           QueueModeInline,
		QueueName:           "jobs",
		MaxAttempts:         3,
		VersionRaceAttempts: 5,
	}
}

func TestValidateInlineDev(t *testing.T) {
	if err := validBase().Validate(); err != nil {
		t.Fatalf("inline mode should validate in dev: %v", err)
	}
}

func TestValidateInlineRejectedInProduction(t *testing.T) {
	cfg := validBase()
	cfg.Env = "production"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("inline mode must be rejected in production")
	}
	if !strings.Contains(err.Error(), "production") {
		t.Fatalf("error should explain the production restriction, got %v", err)
	}
}

func TestValidateRedisRequiresAddr(t *testing.T) {
	cfg := validBase()
	cfg.QueueMode = QueueModeRedis
	cfg.RedisAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("redis mode without REDIS_ADDR must fail")
	}
	cfg.RedisAddr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("redis mode with addr should validate: %v", err)
	}
}

func TestValidateHTTPRequiresCredentials(t *testing.T) {
	cfg := validBase()
	cfg.QueueMode = QueueModeHTTP
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("http mode without credentials must fail")
	}
	// The error names every missing variable, not just the first.
	for _, name := range []string{"BROKER_ACCOUNT_ID", "BROKER_API_TOKEN"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error should name %s, got %v", name, err)
		}
	}

	cfg.BrokerAccountID = "acct"
	cfg.BrokerAPIToken = "tok"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("http mode with credentials should validate: %v", err)
	}
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validBase()
	cfg.QueueMode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown queue mode must fail validation")
	}
}

func TestProduction(t *testing.T) {
	for env, want := range map[string]bool{"dev": false, "staging": false, "prod": true, "Production": true} {
		cfg := Config{Env: env}
		if cfg.Production() != want {
			t.Fatalf("Production() for %q = %v, want %v", env, cfg.Production(), want)
		}
	}
}

package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.LogLevel)
	}
	if !cfg.EngineEnabled {
		t.Error("expected engine enabled by default")
	}
	if cfg.TickInterval != 2*time.Second {
		t.Errorf("expected default tick interval 2s, got %s", cfg.TickInterval)
	}
	if cfg.NoiseEvery != 3 {
		t.Errorf("expected default noise cadence 3, got %d", cfg.NoiseEvery)
	}
	if cfg.MaxOpenPerShare != 10000 || cfg.MaxOpenTotal != 50000 {
		t.Errorf("unexpected default limits: %d / %d", cfg.MaxOpenPerShare, cfg.MaxOpenTotal)
	}
	if len(cfg.SeedShares) != 0 {
		t.Errorf("expected no seed shares by default, got %v", cfg.SeedShares)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENGINE_ENABLED", "false")
	t.Setenv("TICK_INTERVAL", "500ms")
	t.Setenv("NOISE_EVERY", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.EngineEnabled {
		t.Error("expected engine disabled")
	}
	if cfg.TickInterval != 500*time.Millisecond {
		t.Errorf("expected tick interval 500ms, got %s", cfg.TickInterval)
	}
	if cfg.NoiseEvery != 5 {
		t.Errorf("expected noise cadence 5, got %d", cfg.NoiseEvery)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, val string
	}{
		{"PORT", "not-a-number"},
		{"LOG_LEVEL", "verbose"},
		{"ENGINE_ENABLED", "maybe"},
		{"TICK_INTERVAL", "2 seconds"},
		{"NOISE_EVERY", "0"},
		{"MAX_OPEN_PER_SHARE", "1e9"},
		{"SEED_SHARES", "ACME:100000"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.val)
			}
		})
	}
}

func TestParseSeedShares(t *testing.T) {
	got, err := parseSeedShares("ACME:100000:250,GLOBEX:50000:80.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Name != "ACME" || got[0].SharesOutstanding != 100000 ||
		!got[0].Price.Equal(decimal.RequireFromString("250")) {
		t.Errorf("unexpected first entry: %+v", got[0])
	}
	if got[1].Name != "GLOBEX" || !got[1].Price.Equal(decimal.RequireFromString("80.5")) {
		t.Errorf("unexpected second entry: %+v", got[1])
	}
}

func TestParseSeedShares_Invalid(t *testing.T) {
	for _, s := range []string{
		"ACME:100000",       // missing price
		":100000:250",       // empty name
		"ACME:-5:250",       // negative outstanding
		"ACME:100000:0",     // non-positive price
		"ACME:100000:cheap", // non-numeric price
		"ACME:lots:250",     // non-numeric outstanding
	} {
		if _, err := parseSeedShares(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

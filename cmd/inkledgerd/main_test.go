package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/inkledger/internal/config"
)

func TestLoadConfigReadsEnvironment(test *testing.T) {
	test.Setenv("INKLEDGER_DATABASE_URL", "postgres://ink@localhost/ink")
	test.Setenv("INKLEDGER_JWT_SIGNING_KEY", "secret")
	test.Setenv("INKLEDGER_MOCK_PROVIDER", "true")
	test.Setenv("INKLEDGER_RESERVATION_TTL", "5m")

	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{"--listen-addr", ":9999"}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	cfg := config.Config{}
	if err := loadConfig(cmd, &cfg); err != nil {
		test.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != ":9999" || cfg.DatabaseDriver != config.DriverPostgres || !cfg.MockProvider {
		test.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ReservationTTL != 5*time.Minute {
		test.Fatalf("expected 5m ttl, got %s", cfg.ReservationTTL)
	}
}

func TestResolveSQLitePath(test *testing.T) {
	test.Parallel()
	directory := test.TempDir()
	target := filepath.Join(directory, "nested", "ink.db")

	got, err := resolveSQLitePath("sqlite://" + target)
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if got != target {
		test.Fatalf("expected %s, got %s", target, got)
	}
	memory, err := resolveSQLitePath(":memory:")
	if err != nil || memory != ":memory:" {
		test.Fatalf("expected in-memory path, got %q %v", memory, err)
	}
}

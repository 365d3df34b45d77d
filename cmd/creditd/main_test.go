package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/config"
)

func TestLoadConfigPrecedence(test *testing.T) {
	envFile := filepath.Join(test.TempDir(), "creditd.env")
	contents := "CREDITD_JWT_SIGNING_KEY=from-dotenv\nCREDITD_PROVIDER=paddle\n"
	if err := os.WriteFile(envFile, []byte(contents), 0o600); err != nil {
		test.Fatalf("write env file: %v", err)
	}
	test.Setenv("CREDITD_HTTP_LISTEN_ADDR", ":9999")
	test.Setenv("CREDITD_PROVIDER_TIMEOUT", "3s")
	test.Setenv("DATABASE_URL", "postgres://fallback/db")
	test.Setenv("CREDITD_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	test.Cleanup(func() {
		_ = os.Unsetenv("CREDITD_JWT_SIGNING_KEY")
		_ = os.Unsetenv("CREDITD_PROVIDER")
	})

	root := newRootCommand()
	if err := root.ParseFlags([]string{"--" + flagEnvFile, envFile, "--" + flagHTTPListenAddr, ":7777"}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	cfg := &config.Config{}
	if err := loadConfig(root, cfg); err != nil {
		test.Fatalf("load config: %v", err)
	}

	if cfg.HTTPListenAddr != ":7777" {
		test.Fatalf("expected flag to win, got %q", cfg.HTTPListenAddr)
	}
	if cfg.SessionSigningKey != "from-dotenv" || cfg.Provider != config.ProviderPaddle {
		test.Fatalf("dotenv values not applied: %+v", cfg)
	}
	if cfg.ProviderTimeout != 3*time.Second {
		test.Fatalf("expected 3s provider timeout, got %s", cfg.ProviderTimeout)
	}
	if cfg.DatabaseURL != "postgres://fallback/db" {
		test.Fatalf("expected DATABASE_URL fallback, got %q", cfg.DatabaseURL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		test.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadConfigMissingEnvFile(test *testing.T) {
	root := newRootCommand()
	missing := filepath.Join(test.TempDir(), "absent.env")
	if err := root.ParseFlags([]string{"--" + flagEnvFile, missing}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	if err := loadConfig(root, &config.Config{}); err != nil {
		test.Fatalf("missing dotenv file should be ignored, got %v", err)
	}
}

func TestSubcommandsRegistered(test *testing.T) {
	test.Parallel()
	root := newRootCommand()
	for _, name := range []string{"serve", "migrate", "audit", "reconcile"} {
		command, _, err := root.Find([]string{name})
		if err != nil || command.Name() != name {
			test.Fatalf("expected %s subcommand, got %v (%v)", name, command, err)
		}
	}
}

func TestMigrateAndAuditOnSQLite(test *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "creditd.db")
	test.Setenv("CREDITD_DATABASE_URL", databaseURL)

	for _, args := range [][]string{
		{"migrate", "--" + flagEnvFile, filepath.Join(test.TempDir(), "none.env")},
		{"audit", "--" + flagEnvFile, filepath.Join(test.TempDir(), "none.env")},
	} {
		root := newRootCommand()
		root.SetArgs(args)
		if err := root.Execute(); err != nil {
			test.Fatalf("%s: %v", args[0], err)
		}
	}
}

func TestReconcileRequiresProviderConfig(test *testing.T) {
	test.Setenv("CREDITD_DATABASE_URL", "sqlite://"+filepath.Join(test.TempDir(), "creditd.db"))
	root := newRootCommand()
	root.SetArgs([]string{"reconcile", "--" + flagEnvFile, filepath.Join(test.TempDir(), "none.env"), "--" + flagOperator, "ops"})
	if err := root.Execute(); err == nil {
		test.Fatalf("expected validation error without signing key and provider token")
	}
}

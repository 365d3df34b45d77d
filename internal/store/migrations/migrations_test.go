package migrations

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/gormstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestApplyCreatesSQLiteTables(test *testing.T) {
	test.Parallel()
	database, err := gormstore.OpenDatabase(context.Background(), filepath.Join(test.TempDir(), "schema.db"))
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	defer database.Close()

	core, recorded := observer.New(zap.InfoLevel)
	if err := Apply(context.Background(), database, zap.New(core)); err != nil {
		test.Fatalf("apply: %v", err)
	}
	for _, table := range []string{"accounts", "ledger_entries", "feature_costs", "plans", "subscriptions", "subscription_payments"} {
		if !database.DB.Migrator().HasTable(table) {
			test.Fatalf("expected table %s", table)
		}
	}
	if recorded.FilterMessage("sqlite schema migrated").Len() != 1 {
		test.Fatalf("expected migration log entry")
	}
	if err := Apply(context.Background(), database, nil); err != nil {
		test.Fatalf("second apply: %v", err)
	}
}

func TestApplyRejectsUnknownDriver(test *testing.T) {
	test.Parallel()
	if err := Apply(context.Background(), nil, nil); !errors.Is(err, ErrFailedToApplyMigrations) {
		test.Fatalf("expected ErrFailedToApplyMigrations for nil database, got %v", err)
	}
	database := &gormstore.Database{DB: &gorm.DB{}, Driver: "mysql"}
	if err := Apply(context.Background(), database, nil); !errors.Is(err, ErrFailedToApplyMigrations) {
		test.Fatalf("expected ErrFailedToApplyMigrations, got %v", err)
	}
}

func TestEmbeddedMigrationsAreGooseAnnotated(test *testing.T) {
	test.Parallel()
	entries, err := fs.ReadDir(migrationFiles, migrationsDir)
	if err != nil {
		test.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) < 2 {
		test.Fatalf("expected at least two migrations, got %d", len(entries))
	}
	for _, entry := range entries {
		contents, err := fs.ReadFile(migrationFiles, migrationsDir+"/"+entry.Name())
		if err != nil {
			test.Fatalf("read %s: %v", entry.Name(), err)
		}
		text := string(contents)
		if !strings.Contains(text, "-- +goose Up") || !strings.Contains(text, "-- +goose Down") {
			test.Fatalf("%s is missing goose annotations", entry.Name())
		}
	}
}

// Package migrations prepares the creditmeter schema. Postgres runs the
// embedded goose migrations; sqlite is created from the GORM models.
package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/gormstore"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

const (
	migrationsDir   = "sql"
	migrationsTable = "creditmeter_migrations"
	dialectPostgres = "postgres"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// ErrFailedToApplyMigrations wraps every migration failure.
var ErrFailedToApplyMigrations = errors.New("failed to apply migrations")

// Apply brings the schema of database up to date.
func Apply(ctx context.Context, database *gormstore.Database, logger *zap.Logger) error {
	if database == nil || database.DB == nil {
		return fmt.Errorf("%w: database is nil", ErrFailedToApplyMigrations)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	switch database.Driver {
	case gormstore.DriverSQLite:
		if err := database.DB.WithContext(ctx).AutoMigrate(gormstore.Models()...); err != nil {
			return errors.Join(ErrFailedToApplyMigrations, err)
		}
		logger.Info("sqlite schema migrated")
		return nil
	case gormstore.DriverPostgres:
		return applyGoose(ctx, database, logger)
	default:
		return fmt.Errorf("%w: unsupported driver %q", ErrFailedToApplyMigrations, database.Driver)
	}
}

func applyGoose(ctx context.Context, database *gormstore.Database, logger *zap.Logger) error {
	sqlDB, err := database.DB.DB()
	if err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	goose.SetBaseFS(migrationFiles)
	goose.SetLogger(newZapAdapter(logger))
	goose.SetTableName(migrationsTable)
	if err := goose.SetDialect(dialectPostgres); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	return nil
}

// zapAdapter routes goose's Printf-style output through zap.
type zapAdapter struct {
	logger *zap.SugaredLogger
}

func newZapAdapter(logger *zap.Logger) goose.Logger {
	return &zapAdapter{logger: logger.Sugar()}
}

func (adapter *zapAdapter) Fatalf(format string, v ...any) {
	adapter.logger.Errorf(format, v...)
}

func (adapter *zapAdapter) Printf(format string, v ...any) {
	adapter.logger.Infof(format, v...)
}

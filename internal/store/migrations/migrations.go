// Package migrations applies the Postgres schema for the credit ledger.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

const (
	migrationsDir = "sql"
	dialect       = "postgres"
)

//go:embed sql/*.sql
var files embed.FS

// goose keeps its base FS, dialect and logger in package state.
var gooseMu sync.Mutex

// Versions returns the embedded migration versions in apply order.
func Versions() ([]int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(files)
	collected, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
	if err != nil {
		return nil, ledger.WrapError("migrations", "files", "collect", err)
	}
	versions := make([]int64, 0, len(collected))
	for _, migration := range collected {
		versions = append(versions, migration.Version)
	}
	return versions, nil
}

// Apply migrates db up to the latest embedded version.
func Apply(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	if db == nil {
		return ledger.WrapError("migrations", "database", "nil", fmt.Errorf("database handle is nil"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(files)
	goose.SetLogger(gooseLogger{sugar: logger.Named("migrations").Sugar()})
	if err := goose.SetDialect(dialect); err != nil {
		return ledger.WrapError("migrations", "dialect", "set", err)
	}
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return ledger.WrapError("migrations", "schema", "apply", err)
	}
	return nil
}

type gooseLogger struct {
	sugar *zap.SugaredLogger
}

func (logger gooseLogger) Fatalf(format string, args ...interface{}) {
	logger.sugar.Fatalf(format, args...)
}

func (logger gooseLogger) Printf(format string, args ...interface{}) {
	logger.sugar.Infof(format, args...)
}

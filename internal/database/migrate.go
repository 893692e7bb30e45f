package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mehmetcc/jwtauth/migrations"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Migrate applies every pending migration embedded in the binary.
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS,
		goose.WithLogger(newMigrationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("migration applied",
			zap.Int64("version", r.Source.Version),
			zap.String("file", r.Source.Path),
			zap.Duration("took", r.Duration),
		)
	}
	return nil
}

// migrationLogger routes goose's printf output into zap under a named logger.
type migrationLogger struct {
	l *zap.Logger
}

func newMigrationLogger(logger *zap.Logger) migrationLogger {
	return migrationLogger{l: logger.Named("goose")}
}

func (m migrationLogger) Printf(format string, v ...any) {
	m.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Fatalf must not exit the process; the error is returned to the caller.
func (m migrationLogger) Fatalf(format string, v ...any) {
	m.l.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

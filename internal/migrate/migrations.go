package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/greenclawdbot/mission-control-sub000/internal/db"
	"github.com/greenclawdbot/mission-control-sub000/internal/log"
)

//go:embed sql/*/*.sql
var migrationFiles embed.FS

// Migrator applies the embedded schema for one SQL dialect.
type Migrator struct {
	db      *sql.DB
	dialect string
	logger  log.Logger
}

// NewMigrator creates a new migrator instance. dialect is db.DriverSQLite or db.DriverPostgres.
func NewMigrator(conn *sql.DB, dialect string, logger log.Logger) (*Migrator, error) {
	if conn == nil {
		return nil, fmt.Errorf("db is required")
	}
	if dialect != db.DriverSQLite && dialect != db.DriverPostgres {
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}
	if logger == nil {
		logger = log.Noop
	}
	return &Migrator{
		db:      conn,
		dialect: dialect,
		logger:  logger.WithValues(log.Kv{"svc": "migrate", "dialect": dialect}),
	}, nil
}

// Up runs all available migrations.
func (m *Migrator) Up(ctx context.Context) error {
	inst, close, err := m.instance()
	defer close()
	if err != nil {
		return err
	}
	if err := inst.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	m.logger.Debugf("Migrations applied successfully")
	return nil
}

// Down reverts all migrations.
func (m *Migrator) Down(ctx context.Context) error {
	inst, close, err := m.instance()
	defer close()
	if err != nil {
		return err
	}
	if err := inst.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not revert migrations: %w", err)
	}
	m.logger.Debugf("Migrations reverted successfully")
	return nil
}

// Version returns the applied schema version.
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	inst, close, err := m.instance()
	defer close()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := inst.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (m *Migrator) instance() (instance *migrate.Migrate, close func(), err error) {
	close = func() {}

	var driver database.Driver
	switch m.dialect {
	case db.DriverSQLite:
		driver, err = sqlite.WithInstance(m.db, &sqlite.Config{})
	case db.DriverPostgres:
		driver, err = pgxmigrate.WithInstance(m.db, &pgxmigrate.Config{})
	}
	if err != nil {
		return nil, close, fmt.Errorf("could not create driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, "sql/"+m.dialect)
	if err != nil {
		return nil, close, fmt.Errorf("could not create fs: %w", err)
	}
	close = func() {
		if err := src.Close(); err != nil {
			m.logger.Errorf("could not close fs: %s", err)
		}
	}

	instance, err = migrate.NewWithInstance("iofs", src, m.dialect, driver)
	if err != nil {
		return nil, close, fmt.Errorf("could not create migration instance: %w", err)
	}
	return instance, close, nil
}

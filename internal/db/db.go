package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
	sqlx.BindDriver("pgx", sqlx.DOLLAR)
}

type Config struct {
	Driver string
	DSN    string
}

// sqliteDSN turns a file path into a DSN with foreign keys, WAL and immediate
// write transactions so concurrent claims queue on the busy timeout.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
}

// EnsureDir creates the parent directory of a sqlite database file.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Open opens the database for the configured driver.
func Open(cfg Config) (*sqlx.DB, error) {
	switch cfg.Driver {
	case DriverSQLite:
		if !strings.HasPrefix(cfg.DSN, "file:") {
			if err := EnsureDir(cfg.DSN); err != nil {
				return nil, err
			}
		}
		conn, err := sqlx.Open("sqlite", sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, err
		}
		return conn, nil
	case DriverPostgres:
		conn, err := sqlx.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

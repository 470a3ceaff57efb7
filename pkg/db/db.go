// Package db is the embedded-sqlite substrate shared by the event bus's
// durable store and the audit writer's store: open-with-migrations,
// guarded by a cross-process file lock so two nexus-core processes
// racing to start never both run migrations at once.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/nexus-hub/nexus-core/pkg/log"

	// Registers the sqlite driver under database/sql.
	_ "modernc.org/sqlite"
)

type options struct {
	dbFile         string
	migrationsFS   fs.FS
	migrationsPath string
}

// Option configures Open.
type Option func(o *options) error

// WithDatabaseFile sets the sqlite file path. Required.
func WithDatabaseFile(dbFile string) Option {
	return func(o *options) error {
		o.dbFile = dbFile
		return nil
	}
}

// WithMigrations sets the embedded migration filesystem and the
// subdirectory within it holding the *.sql files. Required: this
// package carries no default migration set of its own, since it backs
// more than one store with different schemas.
func WithMigrations(filesystem fs.FS, path string) Option {
	return func(o *options) error {
		o.migrationsFS = filesystem
		o.migrationsPath = path
		return nil
	}
}

// Open opens (creating if absent) a sqlite database at the configured
// path, applies pending migrations under lock, and returns a ready
// *sqlx.DB. Callers close it with DB.Close.
func Open(opts ...Option) (*sqlx.DB, error) {
	var o options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.dbFile == "" {
		return nil, fmt.Errorf("db: WithDatabaseFile is required")
	}
	if o.migrationsFS == nil {
		return nil, fmt.Errorf("db: WithMigrations is required")
	}

	ensureDirectoryExists(o.dbFile)

	conn, err := sql.Open("sqlite", "file:"+o.dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite tolerates one writer at a time; serialize through a single
	// connection rather than fighting SQLITE_BUSY under load.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := runMigrations(o.dbFile, conn, o.migrationsFS, o.migrationsPath); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return sqlx.NewDb(conn, "sqlite"), nil
}

func ensureDirectoryExists(path string) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		_ = os.MkdirAll(dir, 0o755)
	}
}

// TxClose rolls back tx if *errp is non-nil, logging rollback failures.
// Call via defer immediately after BeginTxx: defer db.TxClose(tx, &err).
func TxClose(tx *sqlx.Tx, errp *error) {
	if errp == nil || *errp == nil {
		return
	}
	if txerr := tx.Rollback(); txerr != nil {
		log.Logf("failed to rollback transaction: %v", txerr)
	}
}

func runMigrations(dbFile string, conn *sql.DB, migrationsFS fs.FS, migrationsPath string) error {
	migDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return err
	}
	defer migDriver.Close()

	driver, err := msqlite.WithInstance(conn, &msqlite.Config{})
	if err != nil {
		return err
	}

	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", driver)
	if err != nil {
		return err
	}

	// File-lock around migration application: two nexus-core processes
	// starting at once must not both try to advance the schema version.
	// The lock file is intentionally left on disk after Unlock.
	lockFile := filepath.Join(filepath.Dir(dbFile), "."+filepath.Base(dbFile)+".migration.lock")
	fileLock := flock.New(lockFile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("timeout waiting for migration lock")
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			log.Logf("failed to unlock migration lock: %v", err)
		}
	}()

	version, dirty, err := mig.Version()
	isFreshDatabase := errors.Is(err, migrate.ErrNilVersion)
	if err != nil && !isFreshDatabase {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		return fmt.Errorf("database is in dirty state at version %d, manual intervention required", version)
	}

	if !isFreshDatabase {
		// A version ahead of what we ship means older code is running
		// against a database a newer build already migrated.
		_, _, err = migDriver.ReadUp(version)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("database version %d (%s) is ahead of the current application version", version, dbFile)
		}
		if err != nil {
			return fmt.Errorf("failed to read migration file for version %d: %w", version, err)
		}
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

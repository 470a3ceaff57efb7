package db

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMigrations materializes the given up-migration bodies as
// NNN_name.up.sql files in a fresh temp directory and returns it as an
// fs.FS, so tests never depend on checked-in fixture files.
func writeMigrations(t *testing.T, upBodies ...string) fs.FS {
	t.Helper()
	dir := t.TempDir()
	for i, body := range upBodies {
		name := filepath.Join(dir, fmt.Sprintf("%03d_step.up.sql", i+1))
		require.NoError(t, os.WriteFile(name, []byte(body), 0o644))
	}
	return os.DirFS(dir)
}

var testMigrations = []string{
	`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`,
	`CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER NOT NULL);`,
}

func TestFreshDatabase(t *testing.T) {
	tempDir := t.TempDir()
	dbFile := filepath.Join(tempDir, "test.db")

	conn, err := Open(
		WithDatabaseFile(dbFile),
		WithMigrations(writeMigrations(t, testMigrations...), "."),
	)
	require.NoError(t, err)
	require.NotNil(t, conn)
	defer conn.Close()

	version := getDatabaseVersion(t, dbFile)
	assert.Equal(t, uint(2), version)

	for _, table := range []string{"users", "posts"} {
		assert.True(t, checkTableExists(t, dbFile, table), "table %s should exist", table)
	}
}

func TestDirtyDatabase(t *testing.T) {
	tempDir := t.TempDir()
	dbFile := filepath.Join(tempDir, "test.db")
	migrationsFS := writeMigrations(t, testMigrations...)

	setupDatabaseAtVersion(t, dbFile, migrationsFS, 1, true)

	_, err := Open(
		WithDatabaseFile(dbFile),
		WithMigrations(migrationsFS, "."),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dirty state")
}

func TestConcurrentMigration(t *testing.T) {
	tempDir := t.TempDir()
	dbFile := filepath.Join(tempDir, "test.db")
	migrationsFS := writeMigrations(t, testMigrations...)

	const numConcurrent = 10
	var wg sync.WaitGroup
	errCh := make(chan error, numConcurrent)

	for range numConcurrent {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := Open(
				WithDatabaseFile(dbFile),
				WithMigrations(migrationsFS, "."),
			)
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.Close()
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	assert.Empty(t, errs, "all concurrent initializations should succeed under the migration lock")

	version := getDatabaseVersion(t, dbFile)
	assert.Equal(t, uint(2), version)
}

func TestDatabaseAheadOfMigrationFiles(t *testing.T) {
	tempDir := t.TempDir()
	dbFile := filepath.Join(tempDir, "test.db")
	fullMigrations := writeMigrations(t, testMigrations...)

	setupDatabaseAtVersion(t, dbFile, fullMigrations, 2, false)

	limitedMigrations := writeMigrations(t, testMigrations[0])

	_, err := Open(
		WithDatabaseFile(dbFile),
		WithMigrations(limitedMigrations, "."),
	)
	require.Error(t, err, "an older binary must refuse to start against a newer schema")
	assert.Contains(t, err.Error(), "ahead of the current application version")
}

// Helper functions

func setupDatabaseAtVersion(t *testing.T, dbFile string, migrationsFS fs.FS, version uint, dirty bool) {
	t.Helper()

	conn, err := sql.Open("sqlite", "file:"+dbFile)
	require.NoError(t, err)
	defer conn.Close()

	migDriver, err := iofs.New(migrationsFS, ".")
	require.NoError(t, err)
	defer migDriver.Close()

	driver, err := msqlite.WithInstance(conn, &msqlite.Config{})
	require.NoError(t, err)

	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", driver)
	require.NoError(t, err)

	require.NoError(t, mig.Migrate(version))

	if dirty {
		_, err = conn.ExecContext(t.Context(), "UPDATE schema_migrations SET dirty = ? WHERE version = ?", true, version)
		require.NoError(t, err)
	}
}

func getDatabaseVersion(t *testing.T, dbFile string) uint {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+dbFile)
	require.NoError(t, err)
	defer conn.Close()

	var version uint
	require.NoError(t, conn.QueryRowContext(t.Context(), "SELECT version FROM schema_migrations").Scan(&version))
	return version
}

func checkTableExists(t *testing.T, dbFile string, tableName string) bool {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+dbFile)
	require.NoError(t, err)
	defer conn.Close()

	var count int
	require.NoError(t, conn.QueryRowContext(
		t.Context(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count))
	return count > 0
}

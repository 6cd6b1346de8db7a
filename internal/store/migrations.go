package store

import (
	"embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
	"github.com/rs/zerolog"
)

// LatestSchemaVersion is the highest migration shipped with this build.
//
// NOTE: This MUST be updated when a new migration is added.
const LatestSchemaVersion uint = 2

// ErrSchemaDowngrade is returned when the database was migrated by a newer
// build than this one.
var ErrSchemaDowngrade = errors.New("database schema is newer than this build")

//go:embed migrations/*.sql
var sqlSchemas embed.FS

// migrationLogger adapts zerolog to the migrate.Logger interface.
type migrationLogger struct {
	log zerolog.Logger
}

func (m *migrationLogger) Printf(format string, v ...any) {
	m.log.Debug().Msg(strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
}

func (m *migrationLogger) Verbose() bool {
	return false
}

// migrateUp applies every pending migration. The migrate instance is not
// closed because that would close the shared database handle.
func (s *SQLiteStore) migrateUp() error {
	src, err := httpfs.New(http.FS(sqlSchemas), "migrations")
	if err != nil {
		return fmt.Errorf("opening migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("migrations", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	m.Log = &migrationLogger{log: s.log}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state at version %d, manual intervention required", version)
	}
	if version > LatestSchemaVersion {
		return fmt.Errorf("%w: db_version=%d latest=%d", ErrSchemaDowngrade, version, LatestSchemaVersion)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	s.log.Debug().Uint("from_version", version).Uint("latest", LatestSchemaVersion).Msg("schema up to date")
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *SQLiteStore) SchemaVersion() (uint, bool, error) {
	var row struct {
		Version int64 `db:"version"`
		Dirty   bool  `db:"dirty"`
	}
	if err := s.db.Get(&row, "SELECT version, dirty FROM "+sqlite.DefaultMigrationsTable+" LIMIT 1"); err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return uint(row.Version), row.Dirty, nil
}

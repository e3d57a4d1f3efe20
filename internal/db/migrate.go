package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/speed-camera/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion is the migration version this build expects.
const SchemaVersion = 2

// ErrDirtySchema means a previous migration stopped part way. The database
// has to be repaired by hand before the camera will use it.
var ErrDirtySchema = errors.New("detections schema is dirty")

// MigrateUp applies pending migrations. A database already at the latest
// version is left alone.
func (db *DB) MigrateUp() error {
	return db.migrate("up", func(m *migrate.Migrate) error {
		if v, dirty, err := m.Version(); err == nil && dirty {
			return fmt.Errorf("%w at version %d", ErrDirtySchema, v)
		}
		return m.Up()
	})
}

// MigrateDown reverts the newest applied migration.
func (db *DB) MigrateDown() error {
	return db.migrate("down", func(m *migrate.Migrate) error {
		return m.Steps(-1)
	})
}

// MigrateVersion reports the applied schema version; 0 when the database
// is empty.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	err = db.migrate("version", func(m *migrate.Migrate) error {
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return err
	})
	return version, dirty, err
}

// migrate runs fn against the embedded migrations. The migrate instance is
// never closed: closing it would close db.DB as well.
func (db *DB) migrate(op string, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = migrationLog{}

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", op, err)
	}
	return nil
}

// migrationLog routes golang-migrate output to the camera log; per-file
// progress only shows with -verbose.
type migrationLog struct{}

func (migrationLog) Printf(format string, v ...any) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrationLog) Verbose() bool {
	return monitoring.Verbose()
}

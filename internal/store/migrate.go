package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/inline/internal/store/migrations"
)

// ErrDirtySchema means an earlier migration stopped halfway. The replica
// has to be removed by hand; the daemon will resync from the server.
var ErrDirtySchema = errors.New("replica schema is dirty")

// SchemaChange reports the replica schema version before and after Migrate.
type SchemaChange struct {
	From uint
	To   uint
}

func (c SchemaChange) Applied() bool { return c.From != c.To }

// Migrate brings the replica schema up to the embedded version.
func (db *DB) Migrate() (SchemaChange, error) {
	var change SchemaChange
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return change, fmt.Errorf("replica migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return change, fmt.Errorf("replica migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return change, fmt.Errorf("replica migrator: %w", err)
	}

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return change, fmt.Errorf("replica schema version: %w", err)
	case dirty:
		return change, fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	}
	change.From = from

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return change, fmt.Errorf("replica migrate up: %w", err)
	}
	to, _, err := m.Version()
	if err != nil {
		return change, fmt.Errorf("replica schema version: %w", err)
	}
	change.To = to
	return change, nil
}

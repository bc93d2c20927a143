package database

import (
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/safar/provenance-ledger/migrations"
)

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Migrate applies the embedded migrations for the connection's driver.
// It returns the resulting schema version.
func Migrate(db *sqlx.DB, direction Direction) (uint, error) {
	driverName := db.DriverName()

	var (
		target database.Driver
		err    error
	)
	switch driverName {
	case DriverPostgres:
		target, err = postgres.WithInstance(db.DB, &postgres.Config{})
	case DriverSQLite:
		target, err = sqlite.WithInstance(db.DB, &sqlite.Config{})
	default:
		return 0, errors.Errorf("no migrations for driver %q", driverName)
	}
	if err != nil {
		return 0, errors.Wrap(err, "migration driver")
	}

	src, err := iofs.New(migrations.FS, driverName)
	if err != nil {
		return 0, errors.Wrap(err, "migration source")
	}

	m, err := migrate.NewWithInstance("iofs", src, driverName, target)
	if err != nil {
		return 0, errors.Wrap(err, "init migrate")
	}

	switch direction {
	case Up:
		err = m.Up()
	case Down:
		err = m.Down()
	default:
		return 0, errors.Errorf("direction must be 'up' or 'down', got %q", direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, errors.Wrapf(err, "migrate %s", direction)
	}

	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, errors.Wrap(err, "read schema version")
	}
	return version, nil
}

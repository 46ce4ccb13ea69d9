package migrate

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
)

//go:embed migrations
var migrationsFS embed.FS

// Runner advances a State Store database through its schema versions.
// Migrations only ever move forward (spec §6: "one-way migration runner");
// there is no Down.
type Runner struct {
	m *migrate.Migrate
}

// New builds a Runner against client's dbName database, sourcing migrations
// from the embedded migrations directory.
func New(client *mongodriver.Client, dbName string) (*Runner, error) {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, NewDriver(client, dbName))
	if err != nil {
		return nil, fmt.Errorf("migrate: build migrate instance: %w", err)
	}
	return &Runner{m: m}, nil
}

// Up applies every pending migration. migrate.ErrNoChange is treated as
// success, matching pkg/database's runMigrations.
func (r *Runner) Up() error {
	if err := r.m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// Version reports the currently applied schema version, or
// migrate.ErrNilVersion if no migration has ever run.
func (r *Runner) Version() (version uint, dirty bool, err error) {
	return r.m.Version()
}

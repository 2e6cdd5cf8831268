package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	commissiondomain "github.com/smallbiznis/revshare/internal/commission/domain"
	orderdomain "github.com/smallbiznis/revshare/internal/order/domain"
	"github.com/smallbiznis/revshare/internal/vendortier"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB
	return nil
}

// Models lists every persisted type, in dependency order.
func Models() []any {
	return []any{
		&commissiondomain.Rule{},
		&commissiondomain.Event{},
		&commissiondomain.Record{},
		&commissiondomain.RecordTransition{},
		&commissiondomain.Evaluation{},
		&vendortier.VendorTier{},
		&orderdomain.ParentOrder{},
		&orderdomain.SubOrder{},
		&orderdomain.LineItem{},
	}
}

// AutoMigrate creates the schema from the models. Used for sqlite and mysql,
// which the embedded migrations do not target.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

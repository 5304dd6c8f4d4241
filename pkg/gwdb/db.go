package gwdb

import (
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SqliteInMemoryDSN opens a private in-memory database. Callers must limit the pool to a
// single connection, otherwise every new connection sees an empty database.
const SqliteInMemoryDSN = "file::memory:"

const maxDBRetries = 5

func dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Type {
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database type '%s'", cfg.Type)
	}
}

// Open connects to the configured database. sqlite databases are restricted to one open
// connection since sqlite serializes writers anyway.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(d, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Type == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// MustConnectToDB will attempt to connect to the database maxDBRetries times. If it isn't successful
// after that number of retries then it will call log.Fatalf(), which will cause the server to exit.
// Between retry attempts it will sleep for 3 seconds.
func MustConnectToDB(cfg config.DatabaseConfig) *gorm.DB {
	retryCount := 1
	for {
		db, err := Open(cfg)
		switch {
		case err == nil:
			return db
		case retryCount >= maxDBRetries:
			log.Fatalf("Failed to open %s db: %s", cfg.Type, err)
		default:
			retryCount++
			time.Sleep(3 * time.Second)
		}
	}
}

// OpenInMemory opens a migrated private sqlite database. Used by tests throughout the
// gateway packages.
func OpenInMemory() (*gorm.DB, error) {
	db, err := Open(config.DatabaseConfig{Type: "sqlite", DSN: SqliteInMemoryDSN})
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(db); err != nil {
		return nil, err
	}

	return db, nil
}

// RunMigrations creates or updates the gateway tables.
func RunMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&gwmodel.Lock{},
		&gwmodel.Session{},
		&gwmodel.Invitation{},
		&gwmodel.MountPoint{},
	)
}

// Package store owns the relational schema and database handle for the
// licensing service. All business mutations run inside transactions
// opened on the handle returned by Open; SQLite is opened with
// immediate transactions so read-check-write sequences serialize at the
// store boundary.
package store

import (
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Options configures the database connection.
type Options struct {
	// Path is the SQLite database file. ":memory:" style DSNs are
	// accepted for tests.
	Path string
	// Verbose enables gorm statement logging.
	Verbose bool
}

// Open opens the SQLite database and migrates the schema.
func Open(opts Options, logger *slog.Logger) (*gorm.DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}

	logLevel := gormlogger.Silent
	if opts.Verbose {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(sqlite.Open(dsn(opts.Path)), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database ready", slog.String("path", opts.Path))
	}
	return db, nil
}

// Migrate creates or updates the three licensing tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&LicenseType{}, &License{}, &DeviceBinding{}); err != nil {
		return fmt.Errorf("store: failed to migrate schema: %w", err)
	}
	return nil
}

// dsn appends the connection parameters the ledger relies on:
// _txlock=immediate takes the write lock at BEGIN so that two
// concurrent capacity-check-then-insert transactions serialize instead
// of deadlocking on lock upgrade, and _busy_timeout makes the second
// writer wait rather than fail.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
}

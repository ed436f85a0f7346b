// Package sqlstore implements provider.DataProvider on top of a SQLite
// database.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
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
	"go.uber.org/zap"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store reads authorization data from SQLite.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type options struct {
	dbFile         string
	migrationsFS   fs.FS
	migrationsPath string
	logger         *zap.Logger
}

// Option configures New.
type Option func(o *options) error

// WithDatabaseFile sets the SQLite file. Its directory is created if needed.
func WithDatabaseFile(dbFile string) Option {
	return func(o *options) error {
		o.dbFile = dbFile
		return nil
	}
}

// WithMigrations replaces the embedded schema migrations.
func WithMigrations(filesystem fs.FS, path string) Option {
	return func(o *options) error {
		o.migrationsFS = filesystem
		o.migrationsPath = path
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// New opens the database and brings its schema up to date.
func New(opts ...Option) (*Store, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.dbFile == "" {
		return nil, errors.New("database file is required")
	}

	ensureDirectoryExists(o.dbFile)

	db, err := sql.Open("sqlite", "file:"+o.dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	migrationsFS := o.migrationsFS
	if migrationsFS == nil {
		migrationsFS = &migrations
	}
	migrationsPath := o.migrationsPath
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}

	if err := runMigrations(o.dbFile, db, migrationsFS, migrationsPath, o.logger); err != nil {
		db.Close()
		return nil, err
	}

	o.logger.Info("opened authorization store", zap.String("database", o.dbFile))

	return &Store{db: sqlx.NewDb(db, "sqlite"), logger: o.logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func ensureDirectoryExists(path string) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		_ = os.MkdirAll(dir, 0o755)
	}
}

func runMigrations(dbFile string, db *sql.DB, migrationsFS fs.FS, migrationsPath string, logger *zap.Logger) error {
	migDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return err
	}
	defer migDriver.Close()

	dbDriver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return err
	}

	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", dbDriver)
	if err != nil {
		return err
	}

	// Serialize migrations across processes sharing the database file.
	lockFile := filepath.Join(filepath.Dir(dbFile), ".authz-migration.lock")
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
			logger.Warn("failed to unlock migration lock", zap.Error(err))
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
		_, _, err = migDriver.ReadUp(version)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("database version %d (%s) is ahead of this release", version, dbFile)
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

func txClose(tx *sqlx.Tx, err *error, logger *zap.Logger) {
	if err == nil || *err == nil {
		return
	}
	if txerr := tx.Rollback(); txerr != nil {
		logger.Error("failed to rollback transaction", zap.Error(txerr))
	}
}

// -----------------------------------------------------------------------------
// Column Types
// -----------------------------------------------------------------------------

// StringList is a string slice stored as a JSON array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("failed to scan string list from %T", value)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to scan string list: %w", err)
	}
	if len(out) == 0 {
		out = nil
	}
	*l = out
	return nil
}

package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// DefaultDataDirectory is the default root directory for all database files
	DefaultDataDirectory = "./data"

	// AuthDBName is the filename for the credentials/state database
	AuthDBName = "auth.db"

	// SamplesDBName is the filename for the time-series samples database
	SamplesDBName = "samples.db"

	// MaxOpenConns is the maximum number of open connections per database.
	// SQLite is single-writer, so high connection counts are counterproductive.
	MaxOpenConns = 10

	// MaxIdleConns is the maximum number of idle connections per database
	MaxIdleConns = 2
)

var (
	// DataDirectory is the actual data directory being used (can be overridden for tests)
	DataDirectory = DefaultDataDirectory
)

var (
	authDB     *sql.DB
	authDBOnce sync.Once
	authDBErr  error

	samplesDB     *sql.DB
	samplesDBOnce sync.Once
	samplesDBErr  error
)

// AuthDB wraps the connection holding credential records and OAuth state.
type AuthDB struct {
	db *sql.DB
}

// SamplesDB wraps the connection holding heart-rate and daily-stress records.
type SamplesDB struct {
	db *sql.DB
}

// NewAuthDBFromSQL wraps an existing sql.DB as AuthDB.
func NewAuthDBFromSQL(sqlDB *sql.DB) *AuthDB {
	return &AuthDB{db: sqlDB}
}

// NewSamplesDBFromSQL wraps an existing sql.DB as SamplesDB.
func NewSamplesDBFromSQL(sqlDB *sql.DB) *SamplesDB {
	return &SamplesDB{db: sqlDB}
}

// DB returns the underlying sql.DB for direct access when needed
func (a *AuthDB) DB() *sql.DB {
	return a.db
}

// DB returns the underlying sql.DB for direct access when needed
func (s *SamplesDB) DB() *sql.DB {
	return s.db
}

// OpenAuthDB opens the credentials/state database. The connection is cached
// as a singleton and reused across calls.
func OpenAuthDB() (*AuthDB, error) {
	authDBOnce.Do(func() {
		authDB, authDBErr = openNamed(AuthDBName, AuthDBSchema)
	})
	if authDBErr != nil {
		return nil, authDBErr
	}
	return NewAuthDBFromSQL(authDB), nil
}

// OpenSamplesDB opens the samples database. The connection is cached as a
// singleton and reused across calls.
func OpenSamplesDB() (*SamplesDB, error) {
	samplesDBOnce.Do(func() {
		samplesDB, samplesDBErr = openNamed(SamplesDBName, SamplesDBSchema)
	})
	if samplesDBErr != nil {
		return nil, samplesDBErr
	}
	return NewSamplesDBFromSQL(samplesDB), nil
}

func openNamed(name, schema string) (*sql.DB, error) {
	if err := os.MkdirAll(DataDirectory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(DataDirectory, name)
	dsn := appendSQLiteParams(dbPath, sqliteCommonParams())

	conn, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	conn.SetMaxOpenConns(MaxOpenConns)
	conn.SetMaxIdleConns(MaxIdleConns)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", name, err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema for %s: %w", name, err)
	}

	return conn, nil
}

// OpenAuthDBInMemory opens a throwaway in-memory auth database for tests.
// The caller owns the connection and must Close it.
func OpenAuthDBInMemory() (*AuthDB, error) {
	conn, err := openInMemory(AuthDBSchema)
	if err != nil {
		return nil, err
	}
	return NewAuthDBFromSQL(conn), nil
}

// OpenSamplesDBInMemory opens a throwaway in-memory samples database for tests.
// The caller owns the connection and must Close it.
func OpenSamplesDBInMemory() (*SamplesDB, error) {
	conn, err := openInMemory(SamplesDBSchema)
	if err != nil {
		return nil, err
	}
	return NewSamplesDBFromSQL(conn), nil
}

func openInMemory(schema string) (*sql.DB, error) {
	conn, err := sql.Open(SQLiteDriverName, ":memory:?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Each sqlite connection gets its own private in-memory database, so the
	// pool must stay at one connection or the schema vanishes mid-test.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize in-memory schema: %w", err)
	}
	return conn, nil
}

// CloseAll closes all open database connections.
// This should be called during graceful shutdown.
func CloseAll() error {
	var firstErr error

	if authDB != nil {
		if err := authDB.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close auth database: %w", err)
		}
		authDB = nil
	}

	if samplesDB != nil {
		if err := samplesDB.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close samples database: %w", err)
		}
		samplesDB = nil
	}

	return firstErr
}

// ResetForTesting resets all internal state for clean test isolation.
// It closes all connections and resets the singleton state.
func ResetForTesting() {
	CloseAll()
	authDBOnce = sync.Once{}
	authDBErr = nil
	samplesDBOnce = sync.Once{}
	samplesDBErr = nil
}

func sqliteCommonParams() string {
	// Production-safe defaults: WAL + NORMAL provides good throughput while preserving safety.
	return "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
}

func appendSQLiteParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// Close closes the AuthDB connection. Only needed for in-memory databases
// that are not cached by the package.
func (a *AuthDB) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Close closes the SamplesDB connection. Only needed for in-memory databases
// that are not cached by the package.
func (s *SamplesDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const defaultBusyTimeout = 5 * time.Second

// Config holds database configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// DSN builds the go-sqlite3 connection string. Writers take the lock when
// the transaction begins so a conditional update waits on the busy timeout
// instead of failing with SQLITE_BUSY halfway through.
func (c Config) DSN() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(busy.Milliseconds()))
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	if c.Path == MemoryPath {
		return "file::memory:?" + q.Encode()
	}
	q.Set("_journal_mode", "WAL")
	return "file:" + c.Path + "?" + q.Encode()
}

// DB is a SQLite handle that carries the active transaction on the context.
type DB struct {
	*sql.DB
	path   string
	logger *zap.Logger
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type txKey struct{}

// Open connects to the database at cfg.Path and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	sqlDB, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// every connection to :memory: is a separate database
	if cfg.MaxOpenConns <= 0 || cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns <= 0 || cfg.MaxIdleConns > cfg.MaxOpenConns {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established",
		zap.String("path", cfg.Path),
		zap.Int("max_open_conns", cfg.MaxOpenConns))
	return &DB{DB: sqlDB, path: cfg.Path, logger: logger}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// Conn returns the transaction on ctx, or the pool when there is none.
func (db *DB) Conn(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db.DB
}

// WithTx runs fn inside a transaction. fn must issue its statements through
// db.Conn(ctx). A call nested inside another WithTx joins the outer
// transaction.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.logger.Error("Failed to begin transaction", zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			db.logger.Error("Transaction panicked, rolled back", zap.Any("panic", p))
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		db.logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.logger.Info("Closing database connection", zap.String("path", db.path))
	return db.DB.Close()
}

// Package db is the audit store for investigations: the synthesis input of
// every run plus each task's hypothesis runs and coverage decisions. It
// speaks Postgres or SQLite through sqlx.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/circuitbreaker"
)

// ErrNotFound is returned when a run has no audit record.
var ErrNotFound = errors.New("db: not found")

// Config holds database configuration
type Config struct {
	// URL is postgres://... or sqlite://<path>. sqlite://:memory: works for tests.
	URL             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Client manages the connection pool. Statements go through a circuit
// breaker so a dead database fails fast instead of stalling runs.
type Client struct {
	db     *sqlx.DB
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
}

// Open connects, pings and migrates.
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	driver, dsn, err := parseURL(config.URL)
	if err != nil {
		return nil, err
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 2
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if driver == "sqlite3" {
		// SQLite serialises writers anyway.
		config.MaxConnections = 1
		config.IdleConnections = 1
	}

	raw, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	raw.SetMaxOpenConns(config.MaxConnections)
	raw.SetMaxIdleConns(config.IdleConnections)
	raw.SetConnMaxLifetime(config.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := raw.PingContext(pingCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := NewClient(raw, logger)
	if err := c.Migrate(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	c.logger.Info("Database client initialized",
		zap.String("driver", driver),
		zap.Int("max_connections", config.MaxConnections))
	return c, nil
}

// NewClient wraps an existing handle. The caller owns migrations.
func NewClient(db *sqlx.DB, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := circuitbreaker.GetDatabaseConfig().ToConfig()
	// a missing row is an answer, not an outage
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, sql.ErrNoRows) }
	return &Client{
		db:     db,
		cb:     circuitbreaker.NewCircuitBreaker("audit-db", cfg, logger),
		logger: logger,
	}
}

func parseURL(url string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url, nil
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(url, "sqlite://"), nil
	case strings.HasPrefix(url, "sqlite3://"):
		return "sqlite3", strings.TrimPrefix(url, "sqlite3://"), nil
	default:
		return "", "", fmt.Errorf("unsupported database url %q: want postgres:// or sqlite://", url)
	}
}

// Ping checks connectivity. Used by the health checker.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the pool.
func (c *Client) Close() error {
	c.logger.Info("Shutting down database client")
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction behind the breaker.
func (c *Client) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return c.cb.Execute(ctx, func() (err error) {
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback()
				panic(p)
			}
		}()
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}
		return nil
	})
}

// Package db opens and pools the runtime's SQL connections. Both backends
// share one Pool shape: PostgreSQL for deployments, SQLite for single-node
// and test runs.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Open connects to the configured database and returns a ready Pool.
// Heartbeat writers, stores, and the sandbox dispatcher all share it.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*Pool, error) {
	switch cfg.Driver {
	case "postgres":
		raw, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		conn := sqlx.NewDb(raw, "pgx")
		log.Info("Connected to postgres", zap.String("host", cfg.Host), zap.String("database", cfg.DBName))
		return NewPool(conn, conn), nil

	case "sqlite":
		writerRaw, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		readerRaw, err := OpenSQLiteReader(cfg.SQLitePath)
		if err != nil {
			_ = writerRaw.Close()
			return nil, err
		}
		log.Info("Opened sqlite database", zap.String("path", cfg.SQLitePath))
		return NewPool(sqlx.NewDb(writerRaw, "sqlite3"), sqlx.NewDb(readerRaw, "sqlite3")), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Driver returns the sqlx driver name shared by both pools.
func (p *Pool) Driver() string { return p.writer.DriverName() }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

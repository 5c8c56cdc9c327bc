package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"calltimer/internal/config"
)

// Connection wraps the MySQL connection pool
type Connection struct {
	DB *sql.DB
}

// NewConnection opens and pings the database
func NewConnection(cfg config.DatabaseConfig) (*Connection, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// Close closes the pool
func (c *Connection) Close() error {
	return c.DB.Close()
}

const historySchema = `
CREATE TABLE IF NOT EXISTS calltimer_call_history (
	id              CHAR(36)     NOT NULL PRIMARY KEY,
	call_id         VARCHAR(128) NOT NULL,
	event           VARCHAR(32)  NOT NULL,
	reason          VARCHAR(32)  NOT NULL DEFAULT '',
	control_url     VARCHAR(512) NOT NULL DEFAULT '',
	started_at      DATETIME(3)  NOT NULL,
	occurred_at     DATETIME(3)  NOT NULL,
	elapsed_seconds DOUBLE       NOT NULL DEFAULT 0,
	error           TEXT         NULL,
	INDEX idx_call_id (call_id),
	INDEX idx_occurred_at (occurred_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// EnsureSchema creates the history table if it does not exist
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		return fmt.Errorf("creating calltimer_call_history: %w", err)
	}
	return nil
}

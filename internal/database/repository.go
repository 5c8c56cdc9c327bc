package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is satisfied by *sql.DB and *sql.Tx
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ListHistory returns the recorded events for callID, newest first. An
// empty callID lists across all calls.
func ListHistory(ctx context.Context, db Querier, callID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, call_id, event, reason, control_url, started_at, occurred_at,
		       elapsed_seconds, COALESCE(error, '')
		FROM calltimer_call_history`
	args := []any{}
	if callID != "" {
		query += ` WHERE call_id = ?`
		args = append(args, callID)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying call history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.CallID, &e.Event, &e.Reason, &e.ControlURL,
			&e.StartedAt, &e.OccurredAt, &e.ElapsedSeconds, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning call history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

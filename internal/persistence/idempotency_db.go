package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpVAMM/internal/event"
)

// opEventTypes maps an engine operation to the event every committed call of
// that operation emits; the lookup keys off that event's idempotency_key.
var opEventTypes = map[string]event.EventType{
	"open":          event.EventTypePositionOpened,
	"close":         event.EventTypePositionClosed,
	"add_margin":    event.EventTypeMarginAdded,
	"remove_margin": event.EventTypeMarginRemoved,
	"liquidate":     event.EventTypeLiquidated,
}

// PostgresIdempotencyChecker implements DB-based deduplication
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks whether a request id was already committed for op
func (pic *PostgresIdempotencyChecker) IsDuplicate(op string, idempotencyKey string) (bool, error) {
	et, ok := opEventTypes[op]
	if !ok {
		return false, fmt.Errorf("unknown operation %q", op)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, et.String(), idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns up to limit "op:key" pairs from the newest committed
// requests, for warming the in-memory tier after a restart.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	ops := make(map[string]string, len(opEventTypes))
	types := make([]interface{}, 0, len(opEventTypes))
	for op, et := range opEventTypes {
		ops[et.String()] = op
		types = append(types, et.String())
	}

	rows, err := pic.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM event_log.events
		WHERE idempotency_key <> '' AND event_type IN ($1, $2, $3, $4, $5)
		ORDER BY sequence DESC
		LIMIT $6
	`, append(types, limit)...)
	if err != nil {
		return nil, fmt.Errorf("load recent keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var et, key string
		if err := rows.Scan(&et, &key); err != nil {
			return nil, err
		}
		keys = append(keys, ops[et]+":"+key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// oldest first so the newest keys end up most recently used
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}

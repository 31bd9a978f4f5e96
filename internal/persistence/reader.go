package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
)

// EventLogReader reads the persisted envelope log back for recovery and
// audit.
type EventLogReader struct {
	db *sql.DB
}

func NewEventLogReader(db *sql.DB) *EventLogReader {
	return &EventLogReader{db: db}
}

// LoadEventsFrom loads up to limit events starting at fromSequence, in order.
func (r *EventLogReader) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sequence, event_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.ID, &e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (r *EventLogReader) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}

// Tip returns the last sequence and its state hash. An empty log returns
// sequence 0 and the genesis hash.
func (r *EventLogReader) Tip(ctx context.Context) (int64, [32]byte, error) {
	var (
		seq  int64
		hash []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, core.NewStateHasher().GetPrevHash(), nil
	}
	if err != nil {
		return 0, [32]byte{}, fmt.Errorf("load tip: %w", err)
	}
	if len(hash) != 32 {
		return 0, [32]byte{}, fmt.Errorf("sequence %d: state hash is %d bytes", seq, len(hash))
	}
	var tip [32]byte
	copy(tip[:], hash)
	return seq, tip, nil
}

// Verify replays the hash chain over the whole log in pages of pageSize and
// returns the first sequence whose link does not verify, or -1.
func (r *EventLogReader) Verify(ctx context.Context, pageSize int) (int64, error) {
	prev := core.NewStateHasher().GetPrevHash()
	next := int64(1)
	for {
		rows, err := r.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return -1, nil
		}

		links := make([]core.ChainLink, 0, len(rows))
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return row.Sequence, nil
			}
			links = append(links, linkFor(env))
		}
		if broken := core.VerifyChain(prev, links); broken >= 0 {
			return broken, nil
		}

		last := links[len(links)-1]
		prev = last.StateHash
		next = last.Sequence + 1
	}
}

func linkFor(env *event.EventEnvelope) core.ChainLink {
	return core.ChainLink{
		Sequence:  env.Sequence,
		Digest:    env.Digest(),
		PrevHash:  env.PrevHash,
		StateHash: env.StateHash,
	}
}

package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"voicecall-backend/internal/database"
	"voicecall-backend/internal/domain"
)

// CallEventSchema creates the append-only event table, clustered by a
// time UUID so a partition reads back in transition order
const CallEventSchema = `
	CREATE TABLE IF NOT EXISTS call_events (
		call_id     text,
		event_id    timeuuid,
		event       text,
		from_status text,
		to_status   text,
		actor_id    text,
		reason      text,
		occurred_at bigint,
		PRIMARY KEY (call_id, event_id)
	) WITH CLUSTERING ORDER BY (event_id ASC)
`

// CallEventRepository writes call lifecycle transitions to Cassandra
type CallEventRepository struct {
	db *database.CassandraDB
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(db *database.CassandraDB) *CallEventRepository {
	return &CallEventRepository{db: db}
}

// EnsureSchema creates the call_events table if missing
func (r *CallEventRepository) EnsureSchema(ctx context.Context) error {
	if err := r.db.ExecWithContext(ctx, CallEventSchema); err != nil {
		return fmt.Errorf("failed to create call_events table: %w", err)
	}
	return nil
}

// Append inserts one event
func (r *CallEventRepository) Append(ctx context.Context, event *domain.CallEvent) error {
	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().UnixMilli()
	}

	query := `
		INSERT INTO call_events (
			call_id, event_id, event, from_status, to_status,
			actor_id, reason, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.db.ExecWithContext(ctx, query,
		event.CallID,
		gocql.UUIDFromTime(time.UnixMilli(event.OccurredAt)),
		event.Event,
		string(event.FromStatus),
		string(event.ToStatus),
		event.ActorID,
		event.Reason,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}

	return nil
}

// ListByCall returns the events of one call in the order they happened
func (r *CallEventRepository) ListByCall(ctx context.Context, callID string) ([]*domain.CallEvent, error) {
	query := `
		SELECT call_id, event, from_status, to_status, actor_id, reason, occurred_at
		FROM call_events
		WHERE call_id = ?
	`

	iter := r.db.QueryWithContext(ctx, query, callID).Iter()

	var events []*domain.CallEvent
	for {
		var (
			ev         domain.CallEvent
			fromStatus string
			toStatus   string
		)
		if !iter.Scan(
			&ev.CallID,
			&ev.Event,
			&fromStatus,
			&toStatus,
			&ev.ActorID,
			&ev.Reason,
			&ev.OccurredAt,
		) {
			break
		}
		ev.FromStatus = domain.CallStatus(fromStatus)
		ev.ToStatus = domain.CallStatus(toStatus)
		events = append(events, &ev)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list call events: %w", err)
	}

	return events, nil
}

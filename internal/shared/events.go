package shared

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DomainEvent is an outbox row describing one committed mutation.
type DomainEvent struct {
	ID               uuid.UUID
	EventName        string
	AggregateType    string
	AggregateID      uuid.UUID
	Payload          map[string]any
	ActorID          uuid.UUID
	TransactionGroup uuid.UUID
	CorrelationID    uuid.UUID
	OccurredAt       time.Time
	DispatchedAt     *time.Time
}

// EventSink appends domain events to the outbox after each successful
// mutation. It is best-effort: failures are logged and swallowed so they can
// never roll back the ledger transaction that already committed.
type EventSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewEventSink returns a new EventSink.
func NewEventSink(pool *pgxpool.Pool, logger *slog.Logger) *EventSink {
	return &EventSink{pool: pool, logger: logger}
}

// Append records one event. Fire-and-forget.
func (s *EventSink) Append(ctx context.Context, event DomainEvent) {
	if s == nil || s.pool == nil {
		return
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		s.logger.Warn("event payload marshal failed", slog.String("event", event.EventName), slog.Any("error", err))
		return
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO domain_events
		   (domain_event_id, event_name, aggregate_type, aggregate_id, payload, actor_user_id,
		    transaction_group, correlation_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.EventName, event.AggregateType, event.AggregateID, payloadJSON,
		event.ActorID, event.TransactionGroup, event.CorrelationID, event.OccurredAt)
	if err != nil {
		s.logger.Warn("event append failed", slog.String("event", event.EventName), slog.Any("error", err))
	}
}

// ListUndispatched returns events not yet handed to the dispatcher.
func (s *EventSink) ListUndispatched(ctx context.Context, limit int) ([]DomainEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT domain_event_id, event_name, aggregate_type, aggregate_id, payload, actor_user_id,
		        transaction_group, correlation_id, occurred_at, dispatched_at
		 FROM domain_events WHERE dispatched_at IS NULL ORDER BY occurred_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DomainEvent
	for rows.Next() {
		var e DomainEvent
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.EventName, &e.AggregateType, &e.AggregateID, &payloadJSON,
			&e.ActorID, &e.TransactionGroup, &e.CorrelationID, &e.OccurredAt, &e.DispatchedAt); err != nil {
			return nil, err
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkDispatched stamps one event as handed off.
func (s *EventSink) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE domain_events SET dispatched_at = $2 WHERE domain_event_id = $1 AND dispatched_at IS NULL`,
		id, time.Now().UTC())
	return err
}

package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
)

// MemoryEventLog is an in-memory event log for demo/development mode.
type MemoryEventLog struct {
	seen map[string]struct{}
	mu   sync.Mutex
}

// NewMemoryEventLog creates an in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{seen: make(map[string]struct{})}
}

func (m *MemoryEventLog) Record(ctx context.Context, eventID, eventType string, receivedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[eventID]; ok {
		return ErrEventSeen
	}
	m.seen[eventID] = struct{}{}
	return nil
}

// PostgresEventLog records processed event IDs in PostgreSQL. The primary
// key on event_id makes Record atomic across instances.
type PostgresEventLog struct {
	db *sql.DB
}

// NewPostgresEventLog creates a PostgreSQL-backed event log.
func NewPostgresEventLog(db *sql.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

func (p *PostgresEventLog) Record(ctx context.Context, eventID, eventType string, receivedAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gateway_events (event_id, event_type, received_at)
		VALUES ($1, $2, $3)`,
		eventID, eventType, receivedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrEventSeen
		}
		return err
	}
	return nil
}

var (
	_ EventLog = (*MemoryEventLog)(nil)
	_ EventLog = (*PostgresEventLog)(nil)
)

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
)

// TicketFilter narrows ListTickets. Zero values are ignored.
type TicketFilter struct {
	TenantID     string
	QueueID      string
	PatientID    string
	Statuses     []string
	EntryFrom    time.Time
	EntryTo      time.Time
	ExitFrom     time.Time
	ExitTo       time.Time
	CalledBefore time.Time
	Limit        int
	// AllTenants drops the tenant predicate. Only background sweeps set it.
	AllTenants bool
}

// Change describes why a ticket row was rewritten. It becomes one entry in
// the ticket's event chain and one outbox event.
type Change struct {
	Type   string
	Actor  string
	Reason string
}

type QueueStore interface {
	CreateQueue(ctx context.Context, queue models.Queue) (models.Queue, error)
	GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error)
	ListQueues(ctx context.Context, tenantID, clinicID string) ([]models.Queue, error)
	// UpdateQueue rejects a kind change with ErrInvalidConfiguration once
	// any ticket references the queue.
	UpdateQueue(ctx context.Context, queue models.Queue) (models.Queue, error)
	// SetQueueActive flips the active flag. With requireNoOpen set it fails
	// with ErrQueueHasOpenTickets while waiting, called or in-service
	// tickets exist.
	SetQueueActive(ctx context.Context, tenantID, queueID string, active, requireNoOpen bool) (models.Queue, error)
}

type TicketStore interface {
	NextTicketNumber(ctx context.Context, tenantID, queueID, serviceDay string) (int, error)
	// InsertTicket returns the existing ticket and false when RequestID was
	// already used, and ErrConflict when the number is already taken.
	InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error)
	FindTicketByNumber(ctx context.Context, tenantID, queueID, serviceDay string, number int) (models.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	// UpdateTicket writes ticket when the stored version still equals
	// expectedVersion and returns it with the version bumped. A stale
	// version yields ErrConflict.
	UpdateTicket(ctx context.Context, ticket models.Ticket, expectedVersion int, changes ...Change) (models.Ticket, error)
	ListTicketEvents(ctx context.Context, tenantID, ticketID string) ([]TicketEvent, error)
	ListOutboxEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]OutboxEvent, error)
}

type Store interface {
	QueueStore
	TicketStore
	Ping(ctx context.Context) error
	Close()
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Package sqlite is the embedded single-node store. All access goes through
// one connection, so transactions are serialized.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const queueColumns = `queue_id, tenant_id, clinic_id, name, code, kind, active, target_service_minutes,
	supports_priority, supports_scheduled, retry_limit, created_at, updated_at`

const ticketColumns = `ticket_id, tenant_id, queue_id, patient_id, patient_name, patient_document, patient_phone,
	service_day, number, display_number, priority, priority_reason, status, call_attempts,
	station_id, provider_id, room_id, appointment_id, entry_at, called_at, service_start_at, exit_at,
	wait_minutes, service_minutes, notes, request_id, version, created_at, updated_at`

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: wal: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) CreateQueue(ctx context.Context, queue models.Queue) (models.Queue, error) {
	if queue.QueueID == "" {
		queue.QueueID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queues (`+queueColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, queue.QueueID, queue.TenantID, queue.ClinicID, queue.Name, queue.Code, queue.Kind, queue.Active,
		queue.TargetServiceMinutes, queue.SupportsPriority, queue.SupportsScheduled, queue.RetryLimit,
		formatTime(queue.CreatedAt), formatTime(queue.UpdatedAt))
	if err != nil {
		return models.Queue{}, fmt.Errorf("insert queue: %w", err)
	}
	return queue, nil
}

func (s *Store) GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE queue_id = ? AND tenant_id = ?
	`, queueID, tenantID)
	queue, err := scanQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Queue{}, store.ErrNotFound
	}
	return queue, err
}

func (s *Store) ListQueues(ctx context.Context, tenantID, clinicID string) ([]models.Queue, error) {
	query := `SELECT ` + queueColumns + ` FROM queues WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if clinicID != "" {
		query += ` AND clinic_id = ?`
		args = append(args, clinicID)
	}
	query += ` ORDER BY name, queue_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	return queues, rows.Err()
}

func (s *Store) UpdateQueue(ctx context.Context, queue models.Queue) (models.Queue, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queues
		SET name = ?, code = ?, kind = ?, target_service_minutes = ?, supports_priority = ?,
			supports_scheduled = ?, retry_limit = ?, updated_at = ?
		WHERE queue_id = ? AND tenant_id = ?
			AND (kind = ? OR NOT EXISTS (SELECT 1 FROM tickets WHERE tickets.queue_id = queues.queue_id))
	`, queue.Name, queue.Code, queue.Kind, queue.TargetServiceMinutes, queue.SupportsPriority,
		queue.SupportsScheduled, queue.RetryLimit, formatTime(queue.UpdatedAt),
		queue.QueueID, queue.TenantID, queue.Kind)
	if err != nil {
		return models.Queue{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Queue{}, err
	}
	if affected == 0 {
		if _, err := s.GetQueue(ctx, queue.TenantID, queue.QueueID); err != nil {
			return models.Queue{}, err
		}
		return models.Queue{}, fmt.Errorf("queue kind is fixed once tickets exist: %w", store.ErrInvalidConfiguration)
	}
	return s.GetQueue(ctx, queue.TenantID, queue.QueueID)
}

func (s *Store) SetQueueActive(ctx context.Context, tenantID, queueID string, active, requireNoOpen bool) (models.Queue, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queues
		SET active = ?, updated_at = ?
		WHERE queue_id = ? AND tenant_id = ?
			AND (? = 0 OR NOT EXISTS (
				SELECT 1 FROM tickets
				WHERE tickets.queue_id = queues.queue_id AND status IN (?, ?, ?)
			))
	`, active, formatTime(time.Now()), queueID, tenantID, requireNoOpen,
		models.StatusWaiting, models.StatusCalled, models.StatusInService)
	if err != nil {
		return models.Queue{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Queue{}, err
	}
	if affected == 0 {
		if _, err := s.GetQueue(ctx, tenantID, queueID); err != nil {
			return models.Queue{}, err
		}
		return models.Queue{}, store.ErrQueueHasOpenTickets
	}
	return s.GetQueue(ctx, tenantID, queueID)
}

func (s *Store) NextTicketNumber(ctx context.Context, tenantID, queueID, serviceDay string) (int, error) {
	var next int
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO ticket_sequences (tenant_id, queue_id, service_day, next_number)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (queue_id, service_day)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, tenantID, queueID, serviceDay)
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("next ticket number: %w", err)
	}
	return next, nil
}

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket) (result models.Ticket, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if ticket.RequestID != "" {
		existing, found, err := findTicketByRequestID(ctx, tx, ticket.TenantID, ticket.RequestID)
		if err != nil {
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
	}

	var active bool
	row := tx.QueryRowContext(ctx, `SELECT active FROM queues WHERE queue_id = ? AND tenant_id = ?`, ticket.QueueID, ticket.TenantID)
	if err = row.Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = store.ErrNotFound
		}
		return models.Ticket{}, false, err
	}
	if !active {
		err = store.ErrQueueInactive
		return models.Ticket{}, false, err
	}

	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	if ticket.Version == 0 {
		ticket.Version = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, ticketArgs(ticket)...)
	if err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("ticket number %d on %s: %w", ticket.Number, ticket.ServiceDay, store.ErrConflict)
		}
		return models.Ticket{}, false, err
	}

	if err = recordChange(ctx, tx, ticket, store.Change{Type: store.EventTicketIssued}); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = ? AND tenant_id = ?
	`, ticketID, tenantID)
	ticket, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ticket{}, store.ErrNotFound
	}
	return ticket, err
}

func (s *Store) FindTicketByNumber(ctx context.Context, tenantID, queueID, serviceDay string, number int) (models.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE tenant_id = ? AND queue_id = ? AND service_day = ? AND number = ?
	`, tenantID, queueID, serviceDay, number)
	ticket, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ticket{}, store.ErrNotFound
	}
	return ticket, err
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	var where []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		where = append(where, clause)
		args = append(args, value)
	}
	if !filter.AllTenants {
		add("tenant_id = ?", filter.TenantID)
	}
	if filter.QueueID != "" {
		add("queue_id = ?", filter.QueueID)
	}
	if filter.PatientID != "" {
		add("patient_id = ?", filter.PatientID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			marks[i] = "?"
			args = append(args, status)
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if !filter.EntryFrom.IsZero() {
		add("entry_at >= ?", formatTime(filter.EntryFrom))
	}
	if !filter.EntryTo.IsZero() {
		add("entry_at < ?", formatTime(filter.EntryTo))
	}
	if !filter.ExitFrom.IsZero() {
		add("exit_at >= ?", formatTime(filter.ExitFrom))
	}
	if !filter.ExitTo.IsZero() {
		add("exit_at < ?", formatTime(filter.ExitTo))
	}
	if !filter.CalledBefore.IsZero() {
		add("called_at <= ?", formatTime(filter.CalledBefore))
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY entry_at, number`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *Store) UpdateTicket(ctx context.Context, ticket models.Ticket, expectedVersion int, changes ...store.Change) (result models.Ticket, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ticket.Version = expectedVersion + 1
	res, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?, call_attempts = ?, station_id = ?, provider_id = ?, room_id = ?,
			called_at = ?, service_start_at = ?, exit_at = ?, wait_minutes = ?, service_minutes = ?,
			notes = ?, version = ?, updated_at = ?
		WHERE ticket_id = ? AND tenant_id = ? AND version = ?
	`, ticket.Status, ticket.CallAttempts, ticket.StationID, ticket.ProviderID, ticket.RoomID,
		nullTime(ticket.CalledAt), nullTime(ticket.ServiceStartAt), nullTime(ticket.ExitAt),
		ticket.WaitMinutes, nullInt(ticket.ServiceMinutes), ticket.Notes, ticket.Version,
		formatTime(ticket.UpdatedAt), ticket.TicketID, ticket.TenantID, expectedVersion)
	if err != nil {
		return models.Ticket{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Ticket{}, err
	}
	if affected == 0 {
		var exists int
		row := tx.QueryRowContext(ctx, `SELECT 1 FROM tickets WHERE ticket_id = ? AND tenant_id = ?`, ticket.TicketID, ticket.TenantID)
		if scanErr := row.Scan(&exists); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				err = store.ErrNotFound
				return models.Ticket{}, err
			}
			err = scanErr
			return models.Ticket{}, err
		}
		err = store.ErrConflict
		return models.Ticket{}, err
	}

	for _, change := range changes {
		if err = recordChange(ctx, tx, ticket, change); err != nil {
			return models.Ticket{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, tenantID, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.ticket_id, e.ticket_seq, e.type, e.payload, e.created_at, e.prev_hash, e.hash
		FROM ticket_events e
		JOIN tickets t ON t.ticket_id = e.ticket_id
		WHERE e.ticket_id = ? AND t.tenant_id = ?
		ORDER BY e.ticket_seq ASC
	`, ticketID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload, createdAt string
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &createdAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		if event.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListOutboxEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, tenant_id, type, payload_json, created_at
		FROM outbox_events
		WHERE tenant_id = ? AND created_at > ?
		ORDER BY created_at ASC
		LIMIT ?
	`, tenantID, formatTime(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload, createdAt string
		if err := rows.Scan(&event.EventID, &event.TenantID, &event.Type, &payload, &createdAt); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		if event.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func recordChange(ctx context.Context, tx *sql.Tx, ticket models.Ticket, change store.Change) error {
	payload, err := store.EventPayload(ticket, change)
	if err != nil {
		return err
	}
	createdAt := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), ticket.TenantID, change.Type, string(payload), formatTime(createdAt)); err != nil {
		return err
	}

	var lastSeq int
	var prev string
	row := tx.QueryRowContext(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = ?
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	if err := row.Scan(&lastSeq, &prev); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	// Round-trip through the stored layout so the hash verifies after reload.
	createdAt, _ = parseTime(formatTime(createdAt))
	hash := store.ComputeTicketEventHash(prev, ticket.TicketID, change.Type, payload, createdAt, nextSeq)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ticket.TicketID, nextSeq, change.Type, string(payload), formatTime(createdAt), prev, hash)
	return err
}

func findTicketByRequestID(ctx context.Context, tx *sql.Tx, tenantID, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE tenant_id = ? AND request_id = ?
	`, tenantID, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueue(row rowScanner) (models.Queue, error) {
	var queue models.Queue
	var createdAt, updatedAt string
	if err := row.Scan(&queue.QueueID, &queue.TenantID, &queue.ClinicID, &queue.Name, &queue.Code, &queue.Kind,
		&queue.Active, &queue.TargetServiceMinutes, &queue.SupportsPriority, &queue.SupportsScheduled,
		&queue.RetryLimit, &createdAt, &updatedAt); err != nil {
		return models.Queue{}, err
	}
	var err error
	if queue.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Queue{}, err
	}
	if queue.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Queue{}, err
	}
	return queue, nil
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var priority int
	var entryAt, createdAt, updatedAt string
	var calledAt, serviceStartAt, exitAt, requestID sql.NullString
	var serviceMinutes sql.NullInt64
	if err := row.Scan(&ticket.TicketID, &ticket.TenantID, &ticket.QueueID, &ticket.PatientID, &ticket.PatientName,
		&ticket.PatientDocument, &ticket.PatientPhone, &ticket.ServiceDay, &ticket.Number, &ticket.DisplayNumber,
		&priority, &ticket.PriorityReason, &ticket.Status, &ticket.CallAttempts, &ticket.StationID,
		&ticket.ProviderID, &ticket.RoomID, &ticket.AppointmentID, &entryAt, &calledAt, &serviceStartAt, &exitAt,
		&ticket.WaitMinutes, &serviceMinutes, &ticket.Notes, &requestID, &ticket.Version, &createdAt, &updatedAt); err != nil {
		return models.Ticket{}, err
	}
	ticket.Priority = models.Priority(priority)
	ticket.RequestID = requestID.String
	if serviceMinutes.Valid {
		minutes := int(serviceMinutes.Int64)
		ticket.ServiceMinutes = &minutes
	}

	var err error
	if ticket.EntryAt, err = parseTime(entryAt); err != nil {
		return models.Ticket{}, err
	}
	if ticket.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Ticket{}, err
	}
	if ticket.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Ticket{}, err
	}
	for _, field := range []struct {
		raw sql.NullString
		dst **time.Time
	}{
		{calledAt, &ticket.CalledAt},
		{serviceStartAt, &ticket.ServiceStartAt},
		{exitAt, &ticket.ExitAt},
	} {
		if !field.raw.Valid {
			continue
		}
		parsed, err := parseTime(field.raw.String)
		if err != nil {
			return models.Ticket{}, err
		}
		*field.dst = &parsed
	}
	return ticket, nil
}

func ticketArgs(t models.Ticket) []interface{} {
	return []interface{}{
		t.TicketID, t.TenantID, t.QueueID, t.PatientID, t.PatientName, t.PatientDocument, t.PatientPhone,
		t.ServiceDay, t.Number, t.DisplayNumber, int(t.Priority), t.PriorityReason, t.Status, t.CallAttempts,
		t.StationID, t.ProviderID, t.RoomID, t.AppointmentID, formatTime(t.EntryAt),
		nullTime(t.CalledAt), nullTime(t.ServiceStartAt), nullTime(t.ExitAt),
		t.WaitMinutes, nullInt(t.ServiceMinutes), t.Notes, nullIfEmpty(t.RequestID), t.Version,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return t, nil
}

func nullTime(value *time.Time) interface{} {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func nullInt(value *int) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package postgres

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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queueColumns = `queue_id, tenant_id, clinic_id, name, code, kind, active, target_service_minutes,
	supports_priority, supports_scheduled, retry_limit, created_at, updated_at`

const ticketColumns = `ticket_id, tenant_id, queue_id, patient_id, patient_name, patient_document, patient_phone,
	service_day, number, display_number, priority, priority_reason, status, call_attempts,
	station_id, provider_id, room_id, appointment_id, entry_at, called_at, service_start_at, exit_at,
	wait_minutes, service_minutes, notes, request_id, version, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewPool opens a pool and checks the connection.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateQueue(ctx context.Context, queue models.Queue) (models.Queue, error) {
	if queue.QueueID == "" {
		queue.QueueID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (`+queueColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, queue.QueueID, queue.TenantID, queue.ClinicID, queue.Name, queue.Code, queue.Kind, queue.Active,
		queue.TargetServiceMinutes, queue.SupportsPriority, queue.SupportsScheduled, queue.RetryLimit,
		queue.CreatedAt, queue.UpdatedAt)
	if err != nil {
		return models.Queue{}, fmt.Errorf("insert queue: %w", err)
	}
	return queue, nil
}

func (s *Store) GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error) {
	if !isUUID(queueID) {
		return models.Queue{}, store.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE queue_id = $1 AND tenant_id = $2
	`, queueID, tenantID)
	queue, err := scanQueue(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Queue{}, store.ErrNotFound
	}
	return queue, err
}

func (s *Store) ListQueues(ctx context.Context, tenantID, clinicID string) ([]models.Queue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE tenant_id = $1 AND ($2 = '' OR clinic_id = $2)
		ORDER BY name, queue_id
	`, tenantID, clinicID)
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

func (s *Store) UpdateQueue(ctx context.Context, queue models.Queue) (result models.Queue, err error) {
	if !isUUID(queue.QueueID) {
		return models.Queue{}, store.ErrNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Queue{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := lockQueue(ctx, tx, queue.TenantID, queue.QueueID)
	if err != nil {
		return models.Queue{}, err
	}
	if current.Kind != queue.Kind {
		var hasTickets bool
		if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE queue_id = $1)`, queue.QueueID).Scan(&hasTickets); err != nil {
			return models.Queue{}, err
		}
		if hasTickets {
			err = fmt.Errorf("queue kind is fixed once tickets exist: %w", store.ErrInvalidConfiguration)
			return models.Queue{}, err
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE queues
		SET name = $1, code = $2, kind = $3, target_service_minutes = $4, supports_priority = $5,
			supports_scheduled = $6, retry_limit = $7, updated_at = $8
		WHERE queue_id = $9
		RETURNING `+queueColumns,
		queue.Name, queue.Code, queue.Kind, queue.TargetServiceMinutes, queue.SupportsPriority,
		queue.SupportsScheduled, queue.RetryLimit, queue.UpdatedAt, queue.QueueID)
	if result, err = scanQueue(row); err != nil {
		return models.Queue{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Queue{}, err
	}
	return result, nil
}

func (s *Store) SetQueueActive(ctx context.Context, tenantID, queueID string, active, requireNoOpen bool) (result models.Queue, err error) {
	if !isUUID(queueID) {
		return models.Queue{}, store.ErrNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Queue{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = lockQueue(ctx, tx, tenantID, queueID); err != nil {
		return models.Queue{}, err
	}
	if requireNoOpen {
		var open bool
		if err = tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM tickets WHERE queue_id = $1 AND status = ANY($2))
		`, queueID, models.OpenStatuses).Scan(&open); err != nil {
			return models.Queue{}, err
		}
		if open {
			err = store.ErrQueueHasOpenTickets
			return models.Queue{}, err
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE queues SET active = $1, updated_at = $2
		WHERE queue_id = $3
		RETURNING `+queueColumns, active, time.Now().UTC(), queueID)
	if result, err = scanQueue(row); err != nil {
		return models.Queue{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Queue{}, err
	}
	return result, nil
}

func (s *Store) NextTicketNumber(ctx context.Context, tenantID, queueID, serviceDay string) (int, error) {
	var next int
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (tenant_id, queue_id, service_day, next_number)
		VALUES ($1, $2, $3, 1)
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
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if ticket.RequestID != "" {
		existing, found, err := findTicketByRequestID(ctx, tx, ticket.TenantID, ticket.RequestID)
		if err != nil {
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
	}

	// FOR SHARE blocks a concurrent deactivation until this ticket commits.
	var active bool
	if err = tx.QueryRow(ctx, `
		SELECT active FROM queues WHERE queue_id = $1 AND tenant_id = $2 FOR SHARE
	`, ticket.QueueID, ticket.TenantID).Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)
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
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
	if !isUUID(ticketID) {
		return models.Ticket{}, store.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1 AND tenant_id = $2
	`, ticketID, tenantID)
	ticket, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, store.ErrNotFound
	}
	return ticket, err
}

func (s *Store) FindTicketByNumber(ctx context.Context, tenantID, queueID, serviceDay string, number int) (models.Ticket, error) {
	if !isUUID(queueID) {
		return models.Ticket{}, store.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE tenant_id = $1 AND queue_id = $2 AND service_day = $3 AND number = $4
	`, tenantID, queueID, serviceDay, number)
	ticket, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, store.ErrNotFound
	}
	return ticket, err
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	var where []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !filter.AllTenants {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.QueueID != "" {
		if !isUUID(filter.QueueID) {
			return nil, nil
		}
		add("queue_id = $%d", filter.QueueID)
	}
	if filter.PatientID != "" {
		add("patient_id = $%d", filter.PatientID)
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", filter.Statuses)
	}
	if !filter.EntryFrom.IsZero() {
		add("entry_at >= $%d", filter.EntryFrom)
	}
	if !filter.EntryTo.IsZero() {
		add("entry_at < $%d", filter.EntryTo)
	}
	if !filter.ExitFrom.IsZero() {
		add("exit_at >= $%d", filter.ExitFrom)
	}
	if !filter.ExitTo.IsZero() {
		add("exit_at < $%d", filter.ExitTo)
	}
	if !filter.CalledBefore.IsZero() {
		add("called_at <= $%d", filter.CalledBefore)
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY entry_at, number`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
	if !isUUID(ticket.TicketID) {
		return models.Ticket{}, store.ErrNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket.Version = expectedVersion + 1
	tag, err := tx.Exec(ctx, `
		UPDATE tickets
		SET status = $1, call_attempts = $2, station_id = $3, provider_id = $4, room_id = $5,
			called_at = $6, service_start_at = $7, exit_at = $8, wait_minutes = $9, service_minutes = $10,
			notes = $11, version = $12, updated_at = $13
		WHERE ticket_id = $14 AND tenant_id = $15 AND version = $16
	`, ticket.Status, ticket.CallAttempts, ticket.StationID, ticket.ProviderID, ticket.RoomID,
		ticket.CalledAt, ticket.ServiceStartAt, ticket.ExitAt, ticket.WaitMinutes, ticket.ServiceMinutes,
		ticket.Notes, ticket.Version, ticket.UpdatedAt, ticket.TicketID, ticket.TenantID, expectedVersion)
	if err != nil {
		return models.Ticket{}, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err = tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1 AND tenant_id = $2)
		`, ticket.TicketID, ticket.TenantID).Scan(&exists); err != nil {
			return models.Ticket{}, err
		}
		if !exists {
			err = store.ErrNotFound
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
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, tenantID, ticketID string) ([]store.TicketEvent, error) {
	if !isUUID(ticketID) {
		return nil, store.ErrNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT e.ticket_id, e.ticket_seq, e.type, e.payload, e.created_at, e.prev_hash, e.hash
		FROM ticket_events e
		JOIN tickets t ON t.ticket_id = e.ticket_id
		WHERE e.ticket_id = $1 AND t.tenant_id = $2
		ORDER BY e.ticket_seq ASC
	`, ticketID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListOutboxEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, tenant_id, type, payload_json, created_at
		FROM outbox_events
		WHERE tenant_id = $1 AND created_at > $2
		ORDER BY created_at ASC
		LIMIT $3
	`, tenantID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.TenantID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func lockQueue(ctx context.Context, tx pgx.Tx, tenantID, queueID string) (models.Queue, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE queue_id = $1 AND tenant_id = $2
		FOR UPDATE
	`, queueID, tenantID)
	queue, err := scanQueue(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Queue{}, store.ErrNotFound
	}
	return queue, err
}

func recordChange(ctx context.Context, tx pgx.Tx, ticket models.Ticket, change store.Change) error {
	payload, err := store.EventPayload(ticket, change)
	if err != nil {
		return err
	}
	// timestamptz keeps microseconds; hash what will be read back.
	createdAt := time.Now().UTC().Truncate(time.Microsecond)

	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), ticket.TenantID, change.Type, payload, createdAt); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticket.TicketID); err != nil {
		return err
	}
	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := prevHash.String
	hash := store.ComputeTicketEventHash(prev, ticket.TicketID, change.Type, payload, createdAt, nextSeq)

	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ticket.TicketID, nextSeq, change.Type, string(payload), createdAt, prev, hash)
	return err
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, tenantID, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE tenant_id = $1 AND request_id = $2
	`, tenantID, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func scanQueue(row pgx.Row) (models.Queue, error) {
	var queue models.Queue
	if err := row.Scan(&queue.QueueID, &queue.TenantID, &queue.ClinicID, &queue.Name, &queue.Code, &queue.Kind,
		&queue.Active, &queue.TargetServiceMinutes, &queue.SupportsPriority, &queue.SupportsScheduled,
		&queue.RetryLimit, &queue.CreatedAt, &queue.UpdatedAt); err != nil {
		return models.Queue{}, err
	}
	queue.CreatedAt = queue.CreatedAt.UTC()
	queue.UpdatedAt = queue.UpdatedAt.UTC()
	return queue, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var priority int16
	var calledAt, serviceStartAt, exitAt sql.NullTime
	var serviceMinutes sql.NullInt32
	var requestID sql.NullString
	if err := row.Scan(&ticket.TicketID, &ticket.TenantID, &ticket.QueueID, &ticket.PatientID, &ticket.PatientName,
		&ticket.PatientDocument, &ticket.PatientPhone, &ticket.ServiceDay, &ticket.Number, &ticket.DisplayNumber,
		&priority, &ticket.PriorityReason, &ticket.Status, &ticket.CallAttempts, &ticket.StationID,
		&ticket.ProviderID, &ticket.RoomID, &ticket.AppointmentID, &ticket.EntryAt, &calledAt, &serviceStartAt, &exitAt,
		&ticket.WaitMinutes, &serviceMinutes, &ticket.Notes, &requestID, &ticket.Version, &ticket.CreatedAt, &ticket.UpdatedAt); err != nil {
		return models.Ticket{}, err
	}
	ticket.Priority = models.Priority(priority)
	ticket.RequestID = requestID.String
	ticket.EntryAt = ticket.EntryAt.UTC()
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.UpdatedAt = ticket.UpdatedAt.UTC()
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.ServiceStartAt = nullTimePtr(serviceStartAt)
	ticket.ExitAt = nullTimePtr(exitAt)
	if serviceMinutes.Valid {
		minutes := int(serviceMinutes.Int32)
		ticket.ServiceMinutes = &minutes
	}
	return ticket, nil
}

func ticketArgs(t models.Ticket) []interface{} {
	return []interface{}{
		t.TicketID, t.TenantID, t.QueueID, t.PatientID, t.PatientName, t.PatientDocument, t.PatientPhone,
		t.ServiceDay, t.Number, t.DisplayNumber, int16(t.Priority), t.PriorityReason, t.Status, t.CallAttempts,
		t.StationID, t.ProviderID, t.RoomID, t.AppointmentID, t.EntryAt,
		t.CalledAt, t.ServiceStartAt, t.ExitAt,
		t.WaitMinutes, t.ServiceMinutes, t.Notes, nullIfEmpty(t.RequestID), t.Version,
		t.CreatedAt, t.UpdatedAt,
	}
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func isUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

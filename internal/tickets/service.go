// Package tickets issues tickets and answers queries about them.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/collab"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/lifecycle"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/sequence"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"

	"github.com/rs/zerolog"
)

const serviceDayLayout = "2006-01-02"

type QueueGetter interface {
	GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error)
}

type CheckInNotifier interface {
	CheckedIn(tenantID, appointmentID string)
}

type Options struct {
	Location        *time.Location
	LookupTimeout   time.Duration
	ConflictRetries int
	Now             func() time.Time
}

type Service struct {
	store     store.TicketStore
	queues    QueueGetter
	numbers   sequence.Allocator
	patients  collab.PatientDirectory
	notifier  CheckInNotifier
	logger    zerolog.Logger
	location  *time.Location
	timeout   time.Duration
	conflicts int
	now       func() time.Time
}

func NewService(st store.TicketStore, queues QueueGetter, numbers sequence.Allocator, patients collab.PatientDirectory, notifier CheckInNotifier, logger zerolog.Logger, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = DefaultConflictRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if patients == nil {
		patients = collab.NopDirectory{}
	}
	return &Service{
		store:     st,
		queues:    queues,
		numbers:   numbers,
		patients:  patients,
		notifier:  notifier,
		logger:    logger.With().Str("component", "tickets").Logger(),
		location:  opts.Location,
		timeout:   opts.LookupTimeout,
		conflicts: opts.ConflictRetries,
		now:       opts.Now,
	}
}

type IssueInput struct {
	TenantID       string
	QueueID        string
	RequestID      string
	Priority       models.Priority
	PriorityReason string
	PatientID      string
	Patient        models.PatientSnapshot
	AppointmentID  string
}

// ServiceDay is the clinic calendar day for t.
func (s *Service) ServiceDay(t time.Time) string {
	return t.In(s.location).Format(serviceDayLayout)
}

// Issue creates a waiting ticket with the next number of the queue for
// today. A repeated RequestID returns the first ticket and false.
func (s *Service) Issue(ctx context.Context, in IssueInput) (models.Ticket, bool, error) {
	in.RequestID = strings.TrimSpace(in.RequestID)
	in.AppointmentID = strings.TrimSpace(in.AppointmentID)
	in.PatientID = strings.TrimSpace(in.PatientID)
	if in.TenantID == "" || in.QueueID == "" {
		return models.Ticket{}, false, fmt.Errorf("tenant and queue are required: %w", store.ErrInvalidInput)
	}
	if !in.Priority.Valid() {
		return models.Ticket{}, false, fmt.Errorf("unknown priority %d: %w", int(in.Priority), store.ErrInvalidInput)
	}

	queue, err := s.queues.GetQueue(ctx, in.TenantID, in.QueueID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if !queue.Active {
		return models.Ticket{}, false, store.ErrQueueInactive
	}
	if in.AppointmentID != "" && !queue.SupportsScheduled {
		return models.Ticket{}, false, fmt.Errorf("queue does not accept scheduled check-ins: %w", store.ErrInvalidInput)
	}

	snapshot := s.resolvePatient(ctx, in.TenantID, in.PatientID, in.Patient)

	for attempt := 0; attempt < s.conflicts; attempt++ {
		now := s.now().UTC()
		day := s.ServiceDay(now)
		number, err := s.numbers.Next(ctx, in.TenantID, queue.QueueID, day)
		if err != nil {
			return models.Ticket{}, false, err
		}

		ticket := models.Ticket{
			TenantID:        in.TenantID,
			QueueID:         queue.QueueID,
			PatientID:       in.PatientID,
			PatientName:     snapshot.Name,
			PatientDocument: snapshot.Document,
			PatientPhone:    snapshot.Phone,
			ServiceDay:      day,
			Number:          number,
			DisplayNumber:   models.FormatDisplayNumber(queue.Code, number),
			Priority:        in.Priority,
			PriorityReason:  strings.TrimSpace(in.PriorityReason),
			Status:          models.StatusWaiting,
			AppointmentID:   in.AppointmentID,
			EntryAt:         now,
			RequestID:       in.RequestID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		created, isNew, err := s.store.InsertTicket(ctx, ticket)
		if errors.Is(err, store.ErrConflict) {
			s.logger.Warn().Str("queue_id", queue.QueueID).Int("number", number).Msg("ticket number taken, reallocating")
			continue
		}
		if err != nil {
			return models.Ticket{}, false, err
		}

		if isNew {
			s.logger.Info().
				Str("tenant_id", in.TenantID).
				Str("queue_id", queue.QueueID).
				Str("ticket_id", created.TicketID).
				Str("number", created.DisplayNumber).
				Str("priority", created.Priority.String()).
				Msg("ticket issued")
			if created.AppointmentID != "" && s.notifier != nil {
				s.notifier.CheckedIn(in.TenantID, created.AppointmentID)
			}
		}
		return lifecycle.Decorate(created, s.now()), isNew, nil
	}
	return models.Ticket{}, false, fmt.Errorf("allocate ticket number: %w", store.ErrDispatchBusy)
}

func (s *Service) resolvePatient(ctx context.Context, tenantID, patientID string, supplied models.PatientSnapshot) models.PatientSnapshot {
	supplied.Name = strings.TrimSpace(supplied.Name)
	supplied.Document = strings.TrimSpace(supplied.Document)
	supplied.Phone = strings.TrimSpace(supplied.Phone)
	if patientID == "" {
		return supplied
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resolved, err := s.patients.ResolvePatientSnapshot(lookupCtx, tenantID, patientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("patient_id", patientID).Msg("patient lookup failed, using supplied details")
		return supplied
	}
	if resolved.Name == "" {
		resolved.Name = supplied.Name
	}
	if resolved.Document == "" {
		resolved.Document = supplied.Document
	}
	if resolved.Phone == "" {
		resolved.Phone = supplied.Phone
	}
	return resolved
}

// Cancel withdraws a waiting or called ticket.
func (s *Service) Cancel(ctx context.Context, tenantID, ticketID, reason string) (models.Ticket, error) {
	return s.cancel(ctx, tenantID, ticketID, "", strings.TrimSpace(reason))
}

// ForceCancel is the administrative cancel. The actor is kept in the audit trail.
func (s *Service) ForceCancel(ctx context.Context, tenantID, ticketID, actor, reason string) (models.Ticket, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return models.Ticket{}, fmt.Errorf("actor is required: %w", store.ErrInvalidInput)
	}
	ticket, err := s.cancel(ctx, tenantID, ticketID, actor, strings.TrimSpace(reason))
	if err != nil {
		return models.Ticket{}, err
	}
	s.logger.Warn().Str("tenant_id", tenantID).Str("ticket_id", ticketID).Str("actor", actor).Str("reason", reason).Msg("ticket force-cancelled")
	return ticket, nil
}

func (s *Service) cancel(ctx context.Context, tenantID, ticketID, actor, reason string) (models.Ticket, error) {
	ticket, err := Apply(ctx, s.store, tenantID, ticketID, s.conflicts, func(current models.Ticket) (models.Ticket, []store.Change, error) {
		next, event, err := lifecycle.Cancel(current, s.now(), reason)
		if err != nil {
			return current, nil, err
		}
		return next, []store.Change{{Type: event, Actor: actor, Reason: reason}}, nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Service) Get(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
	ticket, err := s.store.GetTicket(ctx, tenantID, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	return lifecycle.Decorate(ticket, s.now()), nil
}

// LookupByNumber finds a ticket by its number on a service day. An empty
// day means today.
func (s *Service) LookupByNumber(ctx context.Context, tenantID, queueID, day string, number int) (models.Ticket, error) {
	if day == "" {
		day = s.ServiceDay(s.now())
	}
	if _, err := time.Parse(serviceDayLayout, day); err != nil {
		return models.Ticket{}, fmt.Errorf("day must be YYYY-MM-DD: %w", store.ErrInvalidInput)
	}
	if number <= 0 {
		return models.Ticket{}, fmt.Errorf("number must be positive: %w", store.ErrInvalidInput)
	}
	ticket, err := s.store.FindTicketByNumber(ctx, tenantID, queueID, day, number)
	if err != nil {
		return models.Ticket{}, err
	}
	return lifecycle.Decorate(ticket, s.now()), nil
}

func (s *Service) PatientHistory(ctx context.Context, tenantID, patientID string, limit int) ([]models.Ticket, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("patient is required: %w", store.ErrInvalidInput)
	}
	tickets, err := s.store.ListTickets(ctx, store.TicketFilter{TenantID: tenantID, PatientID: patientID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return s.decorateAll(tickets), nil
}

// Board is what a waiting-room screen shows for one queue.
type Board struct {
	Queue      models.Queue    `json:"queue"`
	Waiting    []models.Ticket `json:"waiting"`
	InProgress []models.Ticket `json:"in_progress"`
}

// Board lists waiting tickets in dispatch order and the tickets currently
// called or in service.
func (s *Service) Board(ctx context.Context, tenantID, queueID string) (Board, error) {
	queue, err := s.queues.GetQueue(ctx, tenantID, queueID)
	if err != nil {
		return Board{}, err
	}
	open, err := s.store.ListTickets(ctx, store.TicketFilter{TenantID: tenantID, QueueID: queueID, Statuses: models.OpenStatuses})
	if err != nil {
		return Board{}, err
	}

	board := Board{Queue: queue, Waiting: []models.Ticket{}, InProgress: []models.Ticket{}}
	for _, ticket := range s.decorateAll(open) {
		if ticket.Status == models.StatusWaiting {
			board.Waiting = append(board.Waiting, ticket)
		} else {
			board.InProgress = append(board.InProgress, ticket)
		}
	}
	lifecycle.SortForDispatch(board.Waiting, queue.SupportsPriority)
	return board, nil
}

// Events returns the ticket's audit trail. A broken hash chain, or a
// history whose replayed status disagrees with the stored ticket, is
// logged as an integrity error; the events are still returned.
func (s *Service) Events(ctx context.Context, tenantID, ticketID string) ([]store.TicketEvent, error) {
	ticket, err := s.store.GetTicket(ctx, tenantID, ticketID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListTicketEvents(ctx, tenantID, ticketID)
	if err != nil {
		return nil, err
	}
	s.checkHistory(ticket, events)
	return events, nil
}

func (s *Service) checkHistory(ticket models.Ticket, events []store.TicketEvent) {
	if len(events) == 0 {
		return
	}
	log := s.logger.With().Str("tenant_id", ticket.TenantID).Str("ticket_id", ticket.TicketID).Logger()
	if err := store.VerifyTicketEvents(events); err != nil {
		log.Error().Err(err).Msg("ticket event chain broken")
		return
	}
	replayed, err := store.RehydrateTicket(events)
	if err != nil {
		log.Error().Err(err).Msg("ticket event payload unreadable")
		return
	}
	if replayed.Status != ticket.Status {
		log.Error().Str("stored_status", ticket.Status).Str("replayed_status", replayed.Status).Msg("ticket event history disagrees with stored status")
	}
}

func (s *Service) Outbox(ctx context.Context, tenantID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	return s.store.ListOutboxEvents(ctx, tenantID, after, limit)
}

func (s *Service) decorateAll(tickets []models.Ticket) []models.Ticket {
	now := s.now()
	out := make([]models.Ticket, 0, len(tickets))
	for _, ticket := range tickets {
		out = append(out, lifecycle.Decorate(ticket, now))
	}
	return out
}

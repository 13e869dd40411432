// Package recorder records what happens after a ticket is called: arrival,
// unanswered calls, completion and the administrative overrides.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/lifecycle"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/tickets"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type QueueGetter interface {
	GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error)
}

type CompletionNotifier interface {
	Completed(tenantID, appointmentID string)
}

// errCallRefreshed marks a swept ticket that changed after it was listed.
var errCallRefreshed = errors.New("call changed since it was listed")

type Options struct {
	ConflictRetries int
	Now             func() time.Time
}

type Recorder struct {
	store    store.TicketStore
	queues   QueueGetter
	notifier CompletionNotifier
	logger   zerolog.Logger
	tracer   trace.Tracer
	retries  int
	now      func() time.Time
}

func New(st store.TicketStore, queues QueueGetter, notifier CompletionNotifier, logger zerolog.Logger, opts Options) *Recorder {
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = tickets.DefaultConflictRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		store:    st,
		queues:   queues,
		notifier: notifier,
		logger:   logger.With().Str("component", "recorder").Logger(),
		tracer:   otel.Tracer("queue-service/recorder"),
		retries:  opts.ConflictRetries,
		now:      opts.Now,
	}
}

// ConfirmArrival starts service for a called ticket.
func (r *Recorder) ConfirmArrival(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
	return r.apply(ctx, "recorder.ConfirmArrival", tenantID, ticketID, func(current models.Ticket) (models.Ticket, []store.Change, error) {
		next, event, err := lifecycle.ConfirmArrival(current, r.now())
		if err != nil {
			return current, nil, err
		}
		return next, []store.Change{{Type: event}}, nil
	})
}

// ReportNoAnswer puts the ticket back in line, or marks it no-show once the
// queue's retry limit is used up.
func (r *Recorder) ReportNoAnswer(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
	return r.reportNoAnswer(ctx, tenantID, ticketID, "", nil)
}

// reportNoAnswer applies the retry policy. A non-nil stale check runs on
// every reload and aborts with errCallRefreshed when it returns false.
func (r *Recorder) reportNoAnswer(ctx context.Context, tenantID, ticketID, actor string, stale func(models.Ticket) bool) (models.Ticket, error) {
	limits := make(map[string]int)
	ticket, err := r.apply(ctx, "recorder.ReportNoAnswer", tenantID, ticketID, func(current models.Ticket) (models.Ticket, []store.Change, error) {
		if stale != nil && !stale(current) {
			return current, nil, errCallRefreshed
		}
		limit, ok := limits[current.QueueID]
		if !ok {
			queue, err := r.queues.GetQueue(ctx, tenantID, current.QueueID)
			if err != nil {
				return current, nil, err
			}
			limit = queue.RetryLimit
			limits[current.QueueID] = limit
		}
		next, event, err := lifecycle.NoAnswer(current, r.now(), limit)
		if err != nil {
			return current, nil, err
		}
		return next, []store.Change{{Type: event, Actor: actor}}, nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.Status == models.StatusNoShow {
		r.logger.Info().Str("tenant_id", tenantID).Str("ticket_id", ticketID).Int("call_attempts", ticket.CallAttempts).Msg("ticket marked no-show")
	}
	return ticket, nil
}

// Complete closes an in-service ticket. Appointment-linked tickets notify
// the appointment service in the background.
func (r *Recorder) Complete(ctx context.Context, tenantID, ticketID, notes string) (models.Ticket, error) {
	notes = strings.TrimSpace(notes)
	ticket, err := r.apply(ctx, "recorder.Complete", tenantID, ticketID, func(current models.Ticket) (models.Ticket, []store.Change, error) {
		next, event, err := lifecycle.Complete(current, r.now(), notes)
		if err != nil {
			return current, nil, err
		}
		return next, []store.Change{{Type: event}}, nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	r.completed(ticket)
	return ticket, nil
}

// ForceComplete completes a ticket that was called or is in service. A
// called ticket is recorded as having started service first.
func (r *Recorder) ForceComplete(ctx context.Context, tenantID, ticketID, actor, reason string) (models.Ticket, error) {
	actor = strings.TrimSpace(actor)
	reason = strings.TrimSpace(reason)
	if actor == "" {
		return models.Ticket{}, fmt.Errorf("actor is required: %w", store.ErrInvalidInput)
	}
	ticket, err := r.apply(ctx, "recorder.ForceComplete", tenantID, ticketID, func(current models.Ticket) (models.Ticket, []store.Change, error) {
		next, events, err := lifecycle.ForceComplete(current, r.now(), reason)
		if err != nil {
			return current, nil, err
		}
		changes := make([]store.Change, 0, len(events))
		for _, event := range events {
			changes = append(changes, store.Change{Type: event, Actor: actor, Reason: reason})
		}
		return next, changes, nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	r.logger.Warn().Str("tenant_id", tenantID).Str("ticket_id", ticketID).Str("actor", actor).Str("reason", reason).Msg("ticket force-completed")
	r.completed(ticket)
	return ticket, nil
}

func (r *Recorder) completed(ticket models.Ticket) {
	r.logger.Info().
		Str("tenant_id", ticket.TenantID).
		Str("ticket_id", ticket.TicketID).
		Int("wait_minutes", ticket.WaitMinutes).
		Msg("ticket completed")
	if ticket.AppointmentID != "" && r.notifier != nil {
		r.notifier.Completed(ticket.TenantID, ticket.AppointmentID)
	}
}

// SweepUnanswered reports every call older than grace as unanswered, at
// most batch tickets per run. It returns how many tickets were processed.
func (r *Recorder) SweepUnanswered(ctx context.Context, grace time.Duration, batch int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	if batch <= 0 {
		batch = 100
	}
	cutoff := r.now().Add(-grace)
	stale, err := r.store.ListTickets(ctx, store.TicketFilter{
		AllTenants:   true,
		Statuses:     []string{models.StatusCalled},
		CalledBefore: cutoff,
		Limit:        batch,
	})
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, ticket := range stale {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		listed := ticket
		sameCall := func(current models.Ticket) bool {
			return current.Version == listed.Version &&
				current.Status == models.StatusCalled &&
				current.CalledAt != nil &&
				!current.CalledAt.After(cutoff)
		}
		_, err := r.reportNoAnswer(ctx, ticket.TenantID, ticket.TicketID, "system:no-answer-sweep", sameCall)
		if errors.Is(err, errCallRefreshed) {
			r.logger.Debug().Str("tenant_id", ticket.TenantID).Str("ticket_id", ticket.TicketID).Msg("call changed before sweep, skipped")
			continue
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("tenant_id", ticket.TenantID).Str("ticket_id", ticket.TicketID).Msg("unanswered call not processed")
			continue
		}
		processed++
	}
	return processed, nil
}

func (r *Recorder) apply(ctx context.Context, name, tenantID, ticketID string, fn tickets.TransitionFunc) (models.Ticket, error) {
	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("ticket.id", ticketID),
	))
	defer span.End()

	ticket, err := tickets.Apply(ctx, r.store, tenantID, ticketID, r.retries, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.String("ticket.status", ticket.Status))
	return ticket, nil
}

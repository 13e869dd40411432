// Package dispatch picks the next waiting ticket for a station and claims it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/lifecycle"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultClaimAttempts = 5

type QueueGetter interface {
	GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error)
}

type Options struct {
	ClaimAttempts int
	Now           func() time.Time
}

type Engine struct {
	store         store.TicketStore
	queues        QueueGetter
	logger        zerolog.Logger
	tracer        trace.Tracer
	claimAttempts int
	now           func() time.Time
}

func NewEngine(st store.TicketStore, queues QueueGetter, logger zerolog.Logger, opts Options) *Engine {
	if opts.ClaimAttempts <= 0 {
		opts.ClaimAttempts = DefaultClaimAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:         st,
		queues:        queues,
		logger:        logger.With().Str("component", "dispatch").Logger(),
		tracer:        otel.Tracer("queue-service/dispatch"),
		claimAttempts: opts.ClaimAttempts,
		now:           opts.Now,
	}
}

// CallNext claims the first waiting ticket in dispatch order for the
// station. Concurrent callers never receive the same ticket. An empty
// queue yields ErrNoTicketsAvailable. Deactivated queues still drain.
func (e *Engine) CallNext(ctx context.Context, tenantID, queueID string, assignment lifecycle.Assignment) (ticket models.Ticket, err error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.CallNext", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("queue.id", queueID),
		attribute.String("station.id", assignment.StationID),
	))
	defer func() {
		if err != nil && !errors.Is(err, store.ErrNoTicketsAvailable) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if assignment.StationID == "" {
		return models.Ticket{}, fmt.Errorf("station is required: %w", store.ErrInvalidInput)
	}
	queue, err := e.queues.GetQueue(ctx, tenantID, queueID)
	if err != nil {
		return models.Ticket{}, err
	}

	for round := 0; round < e.claimAttempts; round++ {
		waiting, err := e.store.ListTickets(ctx, store.TicketFilter{
			TenantID: tenantID,
			QueueID:  queueID,
			Statuses: []string{models.StatusWaiting},
		})
		if err != nil {
			return models.Ticket{}, err
		}
		if len(waiting) == 0 {
			return models.Ticket{}, store.ErrNoTicketsAvailable
		}
		lifecycle.SortForDispatch(waiting, queue.SupportsPriority)

		for _, candidate := range waiting {
			claimed, err := e.claim(ctx, candidate, assignment)
			if err == nil {
				span.SetAttributes(attribute.String("ticket.id", claimed.TicketID), attribute.Int("claim.round", round))
				e.logger.Info().
					Str("tenant_id", tenantID).
					Str("queue_id", queueID).
					Str("ticket_id", claimed.TicketID).
					Str("number", claimed.DisplayNumber).
					Str("station_id", assignment.StationID).
					Int("call_attempts", claimed.CallAttempts).
					Msg("ticket called")
				return claimed, nil
			}
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidTransition) {
				continue
			}
			return models.Ticket{}, err
		}
		e.logger.Debug().Str("queue_id", queueID).Int("round", round).Msg("every candidate was claimed elsewhere, reloading")
	}
	return models.Ticket{}, fmt.Errorf("queue %s: %w", queueID, store.ErrDispatchBusy)
}

func (e *Engine) claim(ctx context.Context, candidate models.Ticket, assignment lifecycle.Assignment) (models.Ticket, error) {
	next, event, err := lifecycle.Call(candidate, e.now(), assignment)
	if err != nil {
		return models.Ticket{}, err
	}
	return e.store.UpdateTicket(ctx, next, candidate.Version, store.Change{Type: event, Actor: assignment.StationID})
}

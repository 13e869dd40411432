package tickets

import (
	"context"
	"errors"
	"fmt"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"
)

// DefaultConflictRetries bounds how often a transition is re-read and
// re-applied after losing a version race.
const DefaultConflictRetries = 5

// TransitionFunc computes the next state of a freshly loaded ticket.
type TransitionFunc func(current models.Ticket) (models.Ticket, []store.Change, error)

// Apply loads the ticket, runs fn and writes the result with a version
// check. A lost race reloads and retries; after attempts losses the caller
// gets ErrDispatchBusy.
func Apply(ctx context.Context, st store.TicketStore, tenantID, ticketID string, attempts int, fn TransitionFunc) (models.Ticket, error) {
	if attempts <= 0 {
		attempts = DefaultConflictRetries
	}
	for i := 0; i < attempts; i++ {
		current, err := st.GetTicket(ctx, tenantID, ticketID)
		if err != nil {
			return models.Ticket{}, err
		}
		next, changes, err := fn(current)
		if err != nil {
			return models.Ticket{}, err
		}
		updated, err := st.UpdateTicket(ctx, next, current.Version, changes...)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.Ticket{}, err
		}
		if ctx.Err() != nil {
			return models.Ticket{}, ctx.Err()
		}
	}
	return models.Ticket{}, fmt.Errorf("ticket %s: %w", ticketID, store.ErrDispatchBusy)
}

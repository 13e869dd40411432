// Package lifecycle holds the ticket state machine, dispatch ordering and
// derived durations. Everything here is pure; callers persist the result.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"
)

const (
	ActionCall           = "call"
	ActionConfirmArrival = "confirm_arrival"
	ActionNoAnswer       = "no_answer"
	ActionComplete       = "complete"
	ActionCancel         = "cancel"
)

var transitionMap = map[string][]string{
	ActionCall:           {models.StatusWaiting},
	ActionConfirmArrival: {models.StatusCalled},
	ActionNoAnswer:       {models.StatusCalled},
	ActionComplete:       {models.StatusInService},
	ActionCancel:         {models.StatusWaiting, models.StatusCalled},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// Assignment is who called the ticket and where the patient should go.
type Assignment struct {
	StationID  string
	ProviderID string
	RoomID     string
}

func checkTransition(action string, ticket models.Ticket) error {
	if !ValidTransition(action, ticket.Status) {
		return fmt.Errorf("%s from %s: %w", action, ticket.Status, store.ErrInvalidTransition)
	}
	return nil
}

// Call moves a waiting ticket to called and counts the attempt.
func Call(ticket models.Ticket, at time.Time, assignment Assignment) (models.Ticket, string, error) {
	if err := checkTransition(ActionCall, ticket); err != nil {
		return ticket, "", err
	}
	at = at.UTC()
	ticket.Status = models.StatusCalled
	ticket.CalledAt = &at
	ticket.CallAttempts++
	ticket.StationID = assignment.StationID
	if assignment.ProviderID != "" {
		ticket.ProviderID = assignment.ProviderID
	}
	if assignment.RoomID != "" {
		ticket.RoomID = assignment.RoomID
	}
	return stamp(ticket, at), store.EventTicketCalled, nil
}

// ConfirmArrival starts service for a called ticket.
func ConfirmArrival(ticket models.Ticket, at time.Time) (models.Ticket, string, error) {
	if err := checkTransition(ActionConfirmArrival, ticket); err != nil {
		return ticket, "", err
	}
	at = at.UTC()
	ticket.Status = models.StatusInService
	ticket.ServiceStartAt = &at
	return stamp(ticket, at), store.EventTicketServiceStarted, nil
}

// NoAnswer returns the ticket to the waiting pool while attempts remain and
// marks it no-show once retryLimit calls went unanswered. The entry time is
// kept so the ticket holds its place in line.
func NoAnswer(ticket models.Ticket, at time.Time, retryLimit int) (models.Ticket, string, error) {
	if err := checkTransition(ActionNoAnswer, ticket); err != nil {
		return ticket, "", err
	}
	if retryLimit < 1 {
		retryLimit = 1
	}
	at = at.UTC()
	if ticket.CallAttempts < retryLimit {
		ticket.Status = models.StatusWaiting
		ticket.CalledAt = nil
		ticket.StationID = ""
		return stamp(ticket, at), store.EventTicketRequeued, nil
	}
	ticket.Status = models.StatusNoShow
	ticket.ExitAt = &at
	return stamp(ticket, at), store.EventTicketNoShow, nil
}

// Complete closes an in-service ticket and freezes its durations.
func Complete(ticket models.Ticket, at time.Time, notes string) (models.Ticket, string, error) {
	if err := checkTransition(ActionComplete, ticket); err != nil {
		return ticket, "", err
	}
	at = at.UTC()
	ticket.Status = models.StatusCompleted
	ticket.ExitAt = &at
	if notes != "" {
		ticket.Notes = notes
	}
	return stamp(ticket, at), store.EventTicketCompleted, nil
}

// Cancel withdraws a waiting or called ticket.
func Cancel(ticket models.Ticket, at time.Time, reason string) (models.Ticket, string, error) {
	if err := checkTransition(ActionCancel, ticket); err != nil {
		return ticket, "", err
	}
	at = at.UTC()
	ticket.Status = models.StatusCancelled
	ticket.ExitAt = &at
	if reason != "" {
		ticket.Notes = reason
	}
	return stamp(ticket, at), store.EventTicketCancelled, nil
}

// ForceComplete completes a ticket that is in service, or one that was
// called but never confirmed. The second case passes through in_service so
// both transitions are recorded.
func ForceComplete(ticket models.Ticket, at time.Time, notes string) (models.Ticket, []string, error) {
	var events []string
	if ticket.Status == models.StatusCalled {
		next, event, err := ConfirmArrival(ticket, at)
		if err != nil {
			return ticket, nil, err
		}
		ticket = next
		events = append(events, event)
	}
	next, event, err := Complete(ticket, at, notes)
	if err != nil {
		return ticket, nil, err
	}
	return next, append(events, event), nil
}

func stamp(ticket models.Ticket, at time.Time) models.Ticket {
	ticket.UpdatedAt = at
	return Decorate(ticket, at)
}

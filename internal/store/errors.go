package store

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidConfiguration    = errors.New("invalid configuration")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrInvalidInput            = errors.New("invalid input")
	ErrConflict                = errors.New("concurrent modification")
	ErrDispatchBusy            = errors.New("dispatch busy")
	ErrNoTicketsAvailable      = errors.New("no tickets available")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrQueueHasOpenTickets     = errors.New("queue has open tickets")
	ErrQueueInactive           = errors.New("queue inactive")
)

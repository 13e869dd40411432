package lifecycle

import (
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
)

// WaitMinutes measures entry to the latest call, or to exit when the ticket
// left without being called, or to now while it is still waiting.
func WaitMinutes(ticket models.Ticket, now time.Time) int {
	end := now
	switch {
	case ticket.CalledAt != nil:
		end = *ticket.CalledAt
	case ticket.ExitAt != nil:
		end = *ticket.ExitAt
	}
	return wholeMinutes(end.Sub(ticket.EntryAt))
}

// ServiceMinutes is nil until service has started. It runs against now
// until the ticket exits.
func ServiceMinutes(ticket models.Ticket, now time.Time) *int {
	if ticket.ServiceStartAt == nil {
		return nil
	}
	end := now
	if ticket.ExitAt != nil {
		end = *ticket.ExitAt
	}
	minutes := wholeMinutes(end.Sub(*ticket.ServiceStartAt))
	return &minutes
}

// Decorate fills the derived duration fields as of now.
func Decorate(ticket models.Ticket, now time.Time) models.Ticket {
	ticket.WaitMinutes = WaitMinutes(ticket, now)
	ticket.ServiceMinutes = ServiceMinutes(ticket, now)
	return ticket
}

func wholeMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

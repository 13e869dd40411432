package lifecycle

import (
	"sort"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
)

// Compare orders tickets for dispatch: higher priority first when the queue
// honours priority, then earlier entry, then lower number. The same order
// is used for selection and for display.
func Compare(a, b models.Ticket, supportsPriority bool) int {
	if supportsPriority && a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	if !a.EntryAt.Equal(b.EntryAt) {
		if a.EntryAt.Before(b.EntryAt) {
			return -1
		}
		return 1
	}
	switch {
	case a.Number < b.Number:
		return -1
	case a.Number > b.Number:
		return 1
	}
	return 0
}

// SortForDispatch sorts tickets in place in dispatch order.
func SortForDispatch(tickets []models.Ticket, supportsPriority bool) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return Compare(tickets[i], tickets[j], supportsPriority) < 0
	})
}

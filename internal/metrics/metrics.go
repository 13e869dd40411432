// Package metrics summarises queue performance over a time window.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/lifecycle"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"
)

type QueueMetrics struct {
	QueueID               string         `json:"queue_id"`
	From                  time.Time      `json:"from"`
	To                    time.Time      `json:"to"`
	AvgWaitMinutes        float64        `json:"avg_wait_minutes"`
	AvgServiceMinutes     float64        `json:"avg_service_minutes"`
	ThroughputPerHour     float64        `json:"throughput_per_hour"`
	Completed             int            `json:"completed"`
	NoShow                int            `json:"no_show"`
	Cancelled             int            `json:"cancelled"`
	Backlog               int            `json:"backlog"`
	BacklogByPriority     map[string]int `json:"backlog_by_priority"`
	InProgress            int            `json:"in_progress"`
	TargetServiceMinutes  int            `json:"target_service_minutes"`
	OverTargetCompletions int            `json:"over_target_completions"`
}

type QueueGetter interface {
	GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error)
}

type Aggregator struct {
	tickets store.TicketStore
	queues  QueueGetter
	now     func() time.Time
}

func NewAggregator(tickets store.TicketStore, queues QueueGetter, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{tickets: tickets, queues: queues, now: now}
}

// QueueMetrics reports on tickets that left the queue within [from, to)
// together with the queue's current backlog.
func (a *Aggregator) QueueMetrics(ctx context.Context, tenantID, queueID string, from, to time.Time) (QueueMetrics, error) {
	if !to.After(from) {
		return QueueMetrics{}, fmt.Errorf("window end must be after its start: %w", store.ErrInvalidInput)
	}
	queue, err := a.queues.GetQueue(ctx, tenantID, queueID)
	if err != nil {
		return QueueMetrics{}, err
	}

	closed, err := a.tickets.ListTickets(ctx, store.TicketFilter{
		TenantID: tenantID,
		QueueID:  queueID,
		Statuses: []string{models.StatusCompleted, models.StatusNoShow, models.StatusCancelled},
		ExitFrom: from,
		ExitTo:   to,
	})
	if err != nil {
		return QueueMetrics{}, err
	}
	open, err := a.tickets.ListTickets(ctx, store.TicketFilter{
		TenantID: tenantID,
		QueueID:  queueID,
		Statuses: models.OpenStatuses,
	})
	if err != nil {
		return QueueMetrics{}, err
	}

	now := a.now()
	all := make([]models.Ticket, 0, len(closed)+len(open))
	for _, ticket := range closed {
		all = append(all, lifecycle.Decorate(ticket, now))
	}
	for _, ticket := range open {
		all = append(all, lifecycle.Decorate(ticket, now))
	}

	result := Compute(all, from, to)
	result.QueueID = queue.QueueID
	result.TargetServiceMinutes = queue.TargetServiceMinutes
	for _, ticket := range all {
		if ticket.Status == models.StatusCompleted && ticket.ServiceMinutes != nil && *ticket.ServiceMinutes > queue.TargetServiceMinutes {
			result.OverTargetCompletions++
		}
	}
	return result, nil
}

// Compute aggregates already decorated tickets. Averages only consider
// completed tickets; open tickets only count towards backlog and in-progress.
func Compute(tickets []models.Ticket, from, to time.Time) QueueMetrics {
	result := QueueMetrics{
		From:              from,
		To:                to,
		BacklogByPriority: make(map[string]int),
	}
	var waitTotal, serviceTotal, serviceCount int
	for _, ticket := range tickets {
		switch ticket.Status {
		case models.StatusWaiting:
			result.Backlog++
			result.BacklogByPriority[ticket.Priority.String()]++
		case models.StatusCalled, models.StatusInService:
			result.InProgress++
		case models.StatusCompleted:
			result.Completed++
			waitTotal += ticket.WaitMinutes
			if ticket.ServiceMinutes != nil {
				serviceTotal += *ticket.ServiceMinutes
				serviceCount++
			}
		case models.StatusNoShow:
			result.NoShow++
		case models.StatusCancelled:
			result.Cancelled++
		}
	}
	if result.Completed > 0 {
		result.AvgWaitMinutes = float64(waitTotal) / float64(result.Completed)
	}
	if serviceCount > 0 {
		result.AvgServiceMinutes = float64(serviceTotal) / float64(serviceCount)
	}
	if hours := to.Sub(from).Hours(); hours > 0 {
		result.ThroughputPerHour = float64(result.Completed) / hours
	}
	return result
}

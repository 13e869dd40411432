package metrics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"
)

func intPtr(v int) *int { return &v }

func TestComputeAveragesCompletedOnly(t *testing.T) {
	from := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)
	tickets := []models.Ticket{
		{Status: models.StatusCompleted, WaitMinutes: 10, ServiceMinutes: intPtr(20)},
		{Status: models.StatusCompleted, WaitMinutes: 20, ServiceMinutes: intPtr(10)},
		{Status: models.StatusNoShow, WaitMinutes: 90},
		{Status: models.StatusCancelled, WaitMinutes: 45},
		{Status: models.StatusWaiting, WaitMinutes: 120, Priority: models.PriorityEmergency},
		{Status: models.StatusWaiting, WaitMinutes: 30},
		{Status: models.StatusWaiting, WaitMinutes: 5},
		{Status: models.StatusCalled, WaitMinutes: 7},
		{Status: models.StatusInService, WaitMinutes: 3, ServiceMinutes: intPtr(50)},
	}

	got := Compute(tickets, from, to)
	if got.AvgWaitMinutes != 15 || got.AvgServiceMinutes != 15 {
		t.Fatalf("expected averages of 15, got wait=%v service=%v", got.AvgWaitMinutes, got.AvgServiceMinutes)
	}
	if math.Abs(got.ThroughputPerHour-1) > 1e-9 {
		t.Fatalf("expected throughput 1/h, got %v", got.ThroughputPerHour)
	}
	if got.Completed != 2 || got.NoShow != 1 || got.Cancelled != 1 {
		t.Fatalf("unexpected outcome counts %+v", got)
	}
	if got.Backlog != 3 || got.InProgress != 2 {
		t.Fatalf("expected backlog 3 and in progress 2, got %d and %d", got.Backlog, got.InProgress)
	}
	if got.BacklogByPriority["emergency"] != 1 || got.BacklogByPriority["normal"] != 2 {
		t.Fatalf("unexpected priority composition %v", got.BacklogByPriority)
	}
}

func TestComputeEmptyWindow(t *testing.T) {
	from := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	got := Compute(nil, from, from.Add(time.Hour))
	if got.AvgWaitMinutes != 0 || got.ThroughputPerHour != 0 || got.Backlog != 0 {
		t.Fatalf("expected zero metrics, got %+v", got)
	}
}

type fakeTickets struct {
	store.TicketStore
	list func(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
}

func (f fakeTickets) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	return f.list(ctx, filter)
}

type fakeQueues struct {
	get func(ctx context.Context, tenantID, queueID string) (models.Queue, error)
}

func (f fakeQueues) GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error) {
	return f.get(ctx, tenantID, queueID)
}

func TestQueueMetricsUsesExitWindowAndTarget(t *testing.T) {
	from := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	entry := from.Add(-30 * time.Minute)
	called := from.Add(-20 * time.Minute)
	start := called
	exit := from.Add(10 * time.Minute)

	var filters []store.TicketFilter
	tickets := fakeTickets{list: func(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
		filters = append(filters, filter)
		if len(filter.Statuses) == 3 && filter.Statuses[0] == models.StatusCompleted {
			return []models.Ticket{{
				Status:         models.StatusCompleted,
				EntryAt:        entry,
				CalledAt:       &called,
				ServiceStartAt: &start,
				ExitAt:         &exit,
			}}, nil
		}
		return []models.Ticket{{Status: models.StatusWaiting, EntryAt: from}}, nil
	}}
	queues := fakeQueues{get: func(ctx context.Context, tenantID, queueID string) (models.Queue, error) {
		return models.Queue{QueueID: queueID, TenantID: tenantID, TargetServiceMinutes: 15}, nil
	}}

	agg := NewAggregator(tickets, queues, func() time.Time { return to })
	got, err := agg.QueueMetrics(context.Background(), "tenant-a", "q-1", from, to)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if got.AvgWaitMinutes != 10 || got.AvgServiceMinutes != 30 {
		t.Fatalf("unexpected averages wait=%v service=%v", got.AvgWaitMinutes, got.AvgServiceMinutes)
	}
	if got.OverTargetCompletions != 1 || got.TargetServiceMinutes != 15 {
		t.Fatalf("expected one completion over target, got %+v", got)
	}
	if got.Backlog != 1 {
		t.Fatalf("expected backlog 1, got %d", got.Backlog)
	}
	if len(filters) != 2 || !filters[0].ExitFrom.Equal(from) || !filters[0].ExitTo.Equal(to) {
		t.Fatalf("unexpected filters %+v", filters)
	}
}

func TestQueueMetricsRejectsEmptyWindow(t *testing.T) {
	agg := NewAggregator(fakeTickets{}, fakeQueues{}, nil)
	now := time.Now()
	if _, err := agg.QueueMetrics(context.Background(), "tenant-a", "q-1", now, now); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func createQueue(t *testing.T, ctx context.Context, st *Store, tenantID, kind string) models.Queue {
	t.Helper()
	now := time.Now().UTC()
	queue, err := st.CreateQueue(ctx, models.Queue{
		TenantID:             tenantID,
		ClinicID:             "clinic-1",
		Name:                 "Intake",
		Code:                 "G",
		Kind:                 kind,
		Active:               true,
		TargetServiceMinutes: 15,
		SupportsPriority:     kind == models.QueueKindPriority,
		RetryLimit:           3,
		CreatedAt:            now,
		UpdatedAt:            now,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return queue
}

func insertWaiting(t *testing.T, ctx context.Context, st *Store, queue models.Queue, requestID string) models.Ticket {
	t.Helper()
	day := "2024-05-02"
	number, err := st.NextTicketNumber(ctx, queue.TenantID, queue.QueueID, day)
	if err != nil {
		t.Fatalf("next number: %v", err)
	}
	now := time.Now().UTC()
	ticket, _, err := st.InsertTicket(ctx, models.Ticket{
		TenantID:      queue.TenantID,
		QueueID:       queue.QueueID,
		ServiceDay:    day,
		Number:        number,
		DisplayNumber: models.FormatDisplayNumber(queue.Code, number),
		Status:        models.StatusWaiting,
		EntryAt:       now,
		RequestID:     requestID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("insert ticket: %v", err)
	}
	return ticket
}

func TestQueueTenantScoping(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	queue := createQueue(t, ctx, st, "tenant-a", models.QueueKindGeneral)

	got, err := st.GetQueue(ctx, "tenant-a", queue.QueueID)
	if err != nil {
		t.Fatalf("get queue: %v", err)
	}
	if got.Name != "Intake" || !got.Active || got.RetryLimit != 3 {
		t.Fatalf("unexpected queue: %+v", got)
	}
	if _, err := st.GetQueue(ctx, "tenant-b", queue.QueueID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for foreign tenant, got %v", err)
	}

	queues, err := st.ListQueues(ctx, "tenant-b", "")
	if err != nil {
		t.Fatalf("list queues: %v", err)
	}
	if len(queues) != 0 {
		t.Fatalf("expected no queues for foreign tenant, got %d", len(queues))
	}
}

func TestQueueKindFixedOnceTicketsExist(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	queue := createQueue(t, ctx, st, "tenant-a", models.QueueKindGeneral)

	queue.Kind = models.QueueKindPriority
	queue.SupportsPriority = true
	updated, err := st.UpdateQueue(ctx, queue)
	if err != nil {
		t.Fatalf("update without tickets: %v", err)
	}
	if updated.Kind != models.QueueKindPriority {
		t.Fatalf("expected kind change, got %s", updated.Kind)
	}

	insertWaiting(t, ctx, st, updated, "")

	updated.Kind = models.QueueKindGeneral
	if _, err := st.UpdateQueue(ctx, updated); !errors.Is(err, store.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}

	updated.Kind = models.QueueKindPriority
	updated.Name = "Priority intake"
	renamed, err := st.UpdateQueue(ctx, updated)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Name != "Priority intake" {
		t.Fatalf("expected rename, got %s", renamed.Name)
	}
}

func TestSetQueueActiveHardStop(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	queue := createQueue(t, ctx, st, "tenant-a", models.QueueKindGeneral)
	insertWaiting(t, ctx, st, queue, "")

	if _, err := st.SetQueueActive(ctx, "tenant-a", queue.QueueID, false, true); !errors.Is(err, store.ErrQueueHasOpenTickets) {
		t.Fatalf("expected open tickets error, got %v", err)
	}
	got, err := st.SetQueueActive(ctx, "tenant-a", queue.QueueID, false, false)
	if err != nil {
		t.Fatalf("soft deactivate: %v", err)
	}
	if got.Active {
		t.Fatalf("expected inactive queue")
	}

	now := time.Now().UTC()
	_, _, err = st.InsertTicket(ctx, models.Ticket{
		TenantID: "tenant-a", QueueID: queue.QueueID, ServiceDay: "2024-05-02", Number: 99,
		DisplayNumber: "G-099", Status: models.StatusWaiting, EntryAt: now, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, store.ErrQueueInactive) {
		t.Fatalf("expected queue inactive, got %v", err)
	}
}

func TestTicketNumbersPerQueueAndDay(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for i := 1; i <= 3; i++ {
		n, err := st.NextTicketNumber(ctx, "t", "q1", "2024-05-02")
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if n != i {
			t.Fatalf("expected %d, got %d", i, n)
		}
	}
	n, err := st.NextTicketNumber(ctx, "t", "q1", "2024-05-03")
	if err != nil || n != 1 {
		t.Fatalf("new day must restart numbering, got %d err=%v", n, err)
	}
	n, err = st.NextTicketNumber(ctx, "t", "q2", "2024-05-02")
	if err != nil || n != 1 {
		t.Fatalf("other queue must have its own counter, got %d err=%v", n, err)
	}
}

func TestInsertTicketIdempotentAndUnique(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	queue := createQueue(t, ctx, st, "tenant-a", models.QueueKindGeneral)

	requestID := uuid.NewString()
	first := insertWaiting(t, ctx, st, queue, requestID)
	second, created, err := st.InsertTicket(ctx, models.Ticket{
		TenantID: "tenant-a", QueueID: queue.QueueID, RequestID: requestID,
	})
	if err != nil {
		t.Fatalf("repeat insert: %v", err)
	}
	if created || second.TicketID != first.TicketID {
		t.Fatalf("expected the original ticket back, got created=%v id=%s", created, second.TicketID)
	}

	now := time.Now().UTC()
	_, _, err = st.InsertTicket(ctx, models.Ticket{
		TenantID: "tenant-a", QueueID: queue.QueueID, ServiceDay: first.ServiceDay, Number: first.Number,
		DisplayNumber: first.DisplayNumber, Status: models.StatusWaiting, EntryAt: now, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on duplicate number, got %v", err)
	}

	found, err := st.FindTicketByNumber(ctx, "tenant-a", queue.QueueID, first.ServiceDay, first.Number)
	if err != nil {
		t.Fatalf("find by number: %v", err)
	}
	if found.TicketID != first.TicketID {
		t.Fatalf("expected %s, got %s", first.TicketID, found.TicketID)
	}
}

func TestUpdateTicketVersionCheck(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	queue := createQueue(t, ctx, st, "tenant-a", models.QueueKindGeneral)
	ticket := insertWaiting(t, ctx, st, queue, "")

	calledAt := time.Now().UTC()
	next := ticket
	next.Status = models.StatusCalled
	next.CalledAt = &calledAt
	next.CallAttempts = 1
	next.StationID = "desk-1"

	updated, err := st.UpdateTicket(ctx, next, ticket.Version, store.Change{Type: store.EventTicketCalled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != ticket.Version+1 {
		t.Fatalf("expected version bump, got %d", updated.Version)
	}

	if _, err := st.UpdateTicket(ctx, next, ticket.Version, store.Change{Type: store.EventTicketCalled}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}

	foreign := next
	foreign.TenantID = "tenant-b"
	if _, err := st.UpdateTicket(ctx, foreign, updated.Version); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for foreign tenant, got %v", err)
	}

	reloaded, err := st.GetTicket(ctx, "tenant-a", ticket.TicketID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != models.StatusCalled || reloaded.CalledAt == nil || reloaded.StationID != "desk-1" {
		t.Fatalf("unexpected reloaded ticket: %+v", reloaded)
	}

	events, err := st.ListTicketEvents(ctx, "tenant-a", ticket.TicketID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[0].Type != store.EventTicketIssued || events[1].Type != store.EventTicketCalled {
		t.Fatalf("unexpected events: %+v", events)
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}

	outbox, err := st.ListOutboxEvents(ctx, "tenant-a", time.Time{}, 10)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(outbox) != 2 {
		t.Fatalf("expected 2 outbox events, got %d", len(outbox))
	}
}

func TestListTicketsFilters(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	queue := createQueue(t, ctx, st, "tenant-a", models.QueueKindGeneral)
	first := insertWaiting(t, ctx, st, queue, "")
	insertWaiting(t, ctx, st, queue, "")

	calledAt := time.Now().UTC().Add(-10 * time.Minute)
	next := first
	next.Status = models.StatusCalled
	next.CalledAt = &calledAt
	if _, err := st.UpdateTicket(ctx, next, first.Version); err != nil {
		t.Fatalf("update: %v", err)
	}

	waiting, err := st.ListTickets(ctx, store.TicketFilter{TenantID: "tenant-a", QueueID: queue.QueueID, Statuses: []string{models.StatusWaiting}})
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 1 {
		t.Fatalf("expected 1 waiting, got %d", len(waiting))
	}

	stale, err := st.ListTickets(ctx, store.TicketFilter{
		TenantID:     "tenant-a",
		Statuses:     []string{models.StatusCalled},
		CalledBefore: time.Now().UTC().Add(-5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].TicketID != first.TicketID {
		t.Fatalf("expected the stale call, got %+v", stale)
	}

	foreign, err := st.ListTickets(ctx, store.TicketFilter{TenantID: "tenant-b", QueueID: queue.QueueID})
	if err != nil {
		t.Fatalf("list foreign: %v", err)
	}
	if len(foreign) != 0 {
		t.Fatalf("expected no tickets for foreign tenant")
	}
}

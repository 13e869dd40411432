package tickets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/registry"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/sequence"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store/sqlite"

	"github.com/rs/zerolog"
)

type fakeDirectory struct {
	resolve func(ctx context.Context, tenantID, patientID string) (models.PatientSnapshot, error)
}

func (f fakeDirectory) ResolvePatientSnapshot(ctx context.Context, tenantID, patientID string) (models.PatientSnapshot, error) {
	return f.resolve(ctx, tenantID, patientID)
}

type recordingNotifier struct {
	mu        sync.Mutex
	checkedIn []string
}

func (r *recordingNotifier) CheckedIn(tenantID, appointmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkedIn = append(r.checkedIn, appointmentID)
}

type fixture struct {
	store    *sqlite.Store
	registry *registry.Registry
	service  *Service
	notifier *recordingNotifier
	clock    *time.Time
}

func newFixture(t *testing.T, dir fakeDirectory) *fixture {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)

	clock := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	f := &fixture{store: st, notifier: &recordingNotifier{}, clock: &clock}
	now := func() time.Time { return *f.clock }
	f.registry = registry.New(st, zerolog.Nop(), registry.Options{Now: now})
	if dir.resolve == nil {
		dir.resolve = func(ctx context.Context, tenantID, patientID string) (models.PatientSnapshot, error) {
			return models.PatientSnapshot{}, nil
		}
	}
	f.service = NewService(st, f.registry, sequence.NewStoreAllocator(st), dir, f.notifier, zerolog.Nop(), Options{Now: now})
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) queue(t *testing.T, cfg registry.QueueConfig) models.Queue {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "Intake"
	}
	if cfg.TargetServiceMinutes == 0 {
		cfg.TargetServiceMinutes = 10
	}
	queue, err := f.registry.CreateQueue(context.Background(), "tenant-a", cfg)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return queue
}

func TestIssueNumbersSequentially(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{Code: "G"})
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		ticket, created, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if !created {
			t.Fatalf("expected a new ticket")
		}
		if ticket.Number != want || ticket.DisplayNumber != fmt.Sprintf("G-%03d", want) {
			t.Fatalf("expected number %d, got %d (%s)", want, ticket.Number, ticket.DisplayNumber)
		}
		if ticket.Status != models.StatusWaiting || ticket.ServiceDay != "2024-05-02" {
			t.Fatalf("unexpected ticket %+v", ticket)
		}
	}
}

func TestIssueRestartsNumberingEachServiceDay(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{})
	ctx := context.Background()

	if _, _, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.advance(24 * time.Hour)
	ticket, _, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ticket.Number != 1 || ticket.ServiceDay != "2024-05-03" {
		t.Fatalf("expected number 1 on the next day, got %d on %s", ticket.Number, ticket.ServiceDay)
	}
}

func TestIssueConcurrentNumbersAreUnique(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{})
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	numbers := make(chan int, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, _, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID})
			if err != nil {
				errs <- err
				return
			}
			numbers <- ticket.Number
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)
	for err := range errs {
		t.Fatalf("issue: %v", err)
	}
	seen := make(map[int]bool)
	for n := range numbers {
		if seen[n] {
			t.Fatalf("number %d issued twice", n)
		}
		seen[n] = true
	}
	for n := 1; n <= workers; n++ {
		if !seen[n] {
			t.Fatalf("number %d missing, got %v", n, seen)
		}
	}
}

func TestIssueIsIdempotentOnRequestID(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{})
	ctx := context.Background()

	first, created, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID, RequestID: "kiosk-1"})
	if err != nil || !created {
		t.Fatalf("first issue: created=%v err=%v", created, err)
	}
	again, created, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID, RequestID: "kiosk-1"})
	if err != nil {
		t.Fatalf("repeat issue: %v", err)
	}
	if created || again.TicketID != first.TicketID {
		t.Fatalf("expected the original ticket back, got %+v", again)
	}
}

func TestIssueRejectsInactiveQueue(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{})
	ctx := context.Background()
	if _, err := f.registry.DeactivateQueue(ctx, "tenant-a", queue.QueueID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, _, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID})
	if !errors.Is(err, store.ErrQueueInactive) {
		t.Fatalf("expected queue inactive, got %v", err)
	}
}

func TestIssueRejectsForeignTenant(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{})
	_, _, err := f.service.Issue(context.Background(), IssueInput{TenantID: "tenant-b", QueueID: queue.QueueID})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIssueAppointmentCheckIn(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	general := f.queue(t, registry.QueueConfig{Name: "Walk-in"})
	scheduled := f.queue(t, registry.QueueConfig{Name: "Scheduled", Kind: models.QueueKindAppointment})
	ctx := context.Background()

	_, _, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: general.QueueID, AppointmentID: "apt-1"})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input on a walk-in queue, got %v", err)
	}

	ticket, _, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: scheduled.QueueID, AppointmentID: "apt-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ticket.AppointmentID != "apt-1" {
		t.Fatalf("appointment not kept: %+v", ticket)
	}
	if len(f.notifier.checkedIn) != 1 || f.notifier.checkedIn[0] != "apt-1" {
		t.Fatalf("expected one check-in notification, got %v", f.notifier.checkedIn)
	}
}

func TestIssueFallsBackWhenDirectoryFails(t *testing.T) {
	f := newFixture(t, fakeDirectory{resolve: func(ctx context.Context, tenantID, patientID string) (models.PatientSnapshot, error) {
		return models.PatientSnapshot{}, store.ErrCollaboratorUnavailable
	}})
	queue := f.queue(t, registry.QueueConfig{})

	ticket, _, err := f.service.Issue(context.Background(), IssueInput{
		TenantID:  "tenant-a",
		QueueID:   queue.QueueID,
		PatientID: "p-1",
		Patient:   models.PatientSnapshot{Name: " Maria "},
	})
	if err != nil {
		t.Fatalf("issue should survive a directory outage: %v", err)
	}
	if ticket.PatientName != "Maria" || ticket.PatientID != "p-1" {
		t.Fatalf("expected supplied details, got %+v", ticket)
	}
}

func TestIssueUsesDirectorySnapshot(t *testing.T) {
	f := newFixture(t, fakeDirectory{resolve: func(ctx context.Context, tenantID, patientID string) (models.PatientSnapshot, error) {
		return models.PatientSnapshot{Name: "Maria Souza", Document: "123"}, nil
	}})
	queue := f.queue(t, registry.QueueConfig{})

	ticket, _, err := f.service.Issue(context.Background(), IssueInput{
		TenantID:  "tenant-a",
		QueueID:   queue.QueueID,
		PatientID: "p-1",
		Patient:   models.PatientSnapshot{Name: "M", Phone: "555"},
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ticket.PatientName != "Maria Souza" || ticket.PatientDocument != "123" || ticket.PatientPhone != "555" {
		t.Fatalf("unexpected snapshot %+v", ticket)
	}
}

func TestCancelRecordsEventAndRejectsTerminal(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{})
	ctx := context.Background()

	ticket, _, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.advance(4 * time.Minute)
	cancelled, err := f.service.Cancel(ctx, "tenant-a", ticket.TicketID, "left")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.ExitAt == nil || cancelled.WaitMinutes != 4 {
		t.Fatalf("unexpected cancelled ticket %+v", cancelled)
	}
	if _, err := f.service.Cancel(ctx, "tenant-a", ticket.TicketID, "again"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	events, err := f.service.Events(ctx, "tenant-a", ticket.TicketID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[1].Type != store.EventTicketCancelled {
		t.Fatalf("expected issued and cancelled events, got %+v", events)
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		t.Fatalf("event chain: %v", err)
	}
}

func TestForceCancelRequiresActor(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{})
	ctx := context.Background()
	ticket, _, _ := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID})

	if _, err := f.service.ForceCancel(ctx, "tenant-a", ticket.TicketID, " ", "x"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	got, err := f.service.ForceCancel(ctx, "tenant-a", ticket.TicketID, "supervisor", "duplicate")
	if err != nil {
		t.Fatalf("force cancel: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestBoardOrdersWaitingByDispatchOrder(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{Kind: models.QueueKindPriority})
	ctx := context.Background()

	normal1, _, _ := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID})
	f.advance(time.Minute)
	emergency, _, _ := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID, Priority: models.PriorityEmergency})
	f.advance(time.Minute)
	normal2, _, _ := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID})

	board, err := f.service.Board(ctx, "tenant-a", queue.QueueID)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	want := []string{emergency.TicketID, normal1.TicketID, normal2.TicketID}
	if len(board.Waiting) != len(want) {
		t.Fatalf("expected %d waiting, got %d", len(want), len(board.Waiting))
	}
	for i, id := range want {
		if board.Waiting[i].TicketID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, board.Waiting[i].TicketID)
		}
	}
	if len(board.InProgress) != 0 {
		t.Fatalf("expected nothing in progress, got %d", len(board.InProgress))
	}
	if board.Waiting[1].WaitMinutes != 2 {
		t.Fatalf("expected 2 minutes waited, got %d", board.Waiting[1].WaitMinutes)
	}
}

func TestLookupByNumberAndHistory(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{})
	ctx := context.Background()

	ticket, _, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID, PatientID: "p-9"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := f.service.LookupByNumber(ctx, "tenant-a", queue.QueueID, "", ticket.Number)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.TicketID != ticket.TicketID {
		t.Fatalf("lookup returned %s", got.TicketID)
	}
	if _, err := f.service.LookupByNumber(ctx, "tenant-a", queue.QueueID, "02/05/2024", 1); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for a bad day, got %v", err)
	}
	if _, err := f.service.LookupByNumber(ctx, "tenant-b", queue.QueueID, "", ticket.Number); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for another tenant, got %v", err)
	}

	history, err := f.service.PatientHistory(ctx, "tenant-a", "p-9", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].TicketID != ticket.TicketID {
		t.Fatalf("unexpected history %+v", history)
	}
	if _, err := f.service.PatientHistory(ctx, "tenant-a", "", 10); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

type fakeTicketStore struct {
	store.TicketStore
	get    func(ctx context.Context, tenantID, ticketID string) (models.Ticket, error)
	update func(ctx context.Context, ticket models.Ticket, expectedVersion int, changes ...store.Change) (models.Ticket, error)
}

func (f fakeTicketStore) GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
	return f.get(ctx, tenantID, ticketID)
}

func (f fakeTicketStore) UpdateTicket(ctx context.Context, ticket models.Ticket, expectedVersion int, changes ...store.Change) (models.Ticket, error) {
	return f.update(ctx, ticket, expectedVersion, changes...)
}

func TestApplyGivesUpAfterRepeatedConflicts(t *testing.T) {
	var updates int
	st := fakeTicketStore{
		get: func(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
			return models.Ticket{TicketID: ticketID, Status: models.StatusWaiting, Version: updates + 1}, nil
		},
		update: func(ctx context.Context, ticket models.Ticket, expectedVersion int, changes ...store.Change) (models.Ticket, error) {
			updates++
			return models.Ticket{}, store.ErrConflict
		},
	}
	_, err := Apply(context.Background(), st, "tenant-a", "t-1", 3, func(current models.Ticket) (models.Ticket, []store.Change, error) {
		return current, nil, nil
	})
	if !errors.Is(err, store.ErrDispatchBusy) {
		t.Fatalf("expected dispatch busy, got %v", err)
	}
	if updates != 3 {
		t.Fatalf("expected 3 attempts, got %d", updates)
	}
}

func TestApplyRetriesWithFreshVersion(t *testing.T) {
	var expected []int
	version := 1
	st := fakeTicketStore{
		get: func(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
			return models.Ticket{TicketID: ticketID, Version: version}, nil
		},
		update: func(ctx context.Context, ticket models.Ticket, expectedVersion int, changes ...store.Change) (models.Ticket, error) {
			expected = append(expected, expectedVersion)
			if len(expected) == 1 {
				version = 2
				return models.Ticket{}, store.ErrConflict
			}
			ticket.Version = expectedVersion + 1
			return ticket, nil
		},
	}
	got, err := Apply(context.Background(), st, "tenant-a", "t-1", 5, func(current models.Ticket) (models.Ticket, []store.Change, error) {
		return current, nil, nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Version != 3 || len(expected) != 2 || expected[1] != 2 {
		t.Fatalf("expected retry against version 2, got %v (version %d)", expected, got.Version)
	}
}

type tamperedEventStore struct {
	store.TicketStore
}

func (s tamperedEventStore) ListTicketEvents(ctx context.Context, tenantID, ticketID string) ([]store.TicketEvent, error) {
	events, err := s.TicketStore.ListTicketEvents(ctx, tenantID, ticketID)
	if err == nil && len(events) > 0 {
		events[len(events)-1].Hash = "0000"
	}
	return events, err
}

func TestEventsLogsBrokenChain(t *testing.T) {
	f := newFixture(t, fakeDirectory{})
	queue := f.queue(t, registry.QueueConfig{})
	ctx := context.Background()
	ticket, _, err := f.service.Issue(ctx, IssueInput{TenantID: "tenant-a", QueueID: queue.QueueID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var logs bytes.Buffer
	svc := NewService(tamperedEventStore{TicketStore: f.store}, f.registry, sequence.NewStoreAllocator(f.store), nil, f.notifier, zerolog.New(&logs), Options{})
	events, err := svc.Events(ctx, "tenant-a", ticket.TicketID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the history to be returned, got %d events", len(events))
	}
	if !strings.Contains(logs.String(), "ticket event chain broken") {
		t.Fatalf("expected integrity error in logs, got %q", logs.String())
	}

	logs.Reset()
	if _, err := f.service.Cancel(ctx, "tenant-a", ticket.TicketID, "left"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	healthy := NewService(f.store, f.registry, sequence.NewStoreAllocator(f.store), nil, f.notifier, zerolog.New(&logs), Options{})
	if _, err := healthy.Events(ctx, "tenant-a", ticket.TicketID); err != nil {
		t.Fatalf("events: %v", err)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no integrity errors for an intact history, got %q", logs.String())
	}
}

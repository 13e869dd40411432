package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store/sqlite"

	"github.com/rs/zerolog"
)

func newRegistry(t *testing.T) (*Registry, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	return New(st, zerolog.Nop(), Options{DefaultRetryLimit: 3}), st
}

func TestNormalize(t *testing.T) {
	r := New(nil, zerolog.Nop(), Options{DefaultRetryLimit: 4})
	cases := []struct {
		name    string
		cfg     QueueConfig
		wantErr bool
		check   func(t *testing.T, cfg QueueConfig)
	}{
		{
			name:    "missing name",
			cfg:     QueueConfig{Kind: "general", TargetServiceMinutes: 10},
			wantErr: true,
		},
		{
			name:    "zero target minutes",
			cfg:     QueueConfig{Name: "A", TargetServiceMinutes: 0},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			cfg:     QueueConfig{Name: "A", Kind: "vip", TargetServiceMinutes: 5},
			wantErr: true,
		},
		{
			name:    "negative retry limit",
			cfg:     QueueConfig{Name: "A", TargetServiceMinutes: 5, RetryLimit: -1},
			wantErr: true,
		},
		{
			name:    "bad code",
			cfg:     QueueConfig{Name: "A", TargetServiceMinutes: 5, Code: "P-1"},
			wantErr: true,
		},
		{
			name: "defaults applied",
			cfg:  QueueConfig{Name: " Intake ", TargetServiceMinutes: 5},
			check: func(t *testing.T, cfg QueueConfig) {
				if cfg.Kind != models.QueueKindGeneral || cfg.RetryLimit != 4 || cfg.Code != "G" || cfg.Name != "Intake" {
					t.Fatalf("unexpected defaults: %+v", cfg)
				}
			},
		},
		{
			name: "priority kind implies priority ordering",
			cfg:  QueueConfig{Name: "P", Kind: "priority", TargetServiceMinutes: 5},
			check: func(t *testing.T, cfg QueueConfig) {
				if !cfg.SupportsPriority {
					t.Fatalf("priority queue must support priority")
				}
			},
		},
		{
			name: "appointment kind implies scheduled check-in",
			cfg:  QueueConfig{Name: "S", Kind: "appointment", TargetServiceMinutes: 5, Code: "ap"},
			check: func(t *testing.T, cfg QueueConfig) {
				if !cfg.SupportsScheduled || cfg.Code != "AP" {
					t.Fatalf("unexpected appointment queue: %+v", cfg)
				}
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Normalize(tt.cfg)
			if tt.wantErr {
				if !errors.Is(err, store.ErrInvalidConfiguration) {
					t.Fatalf("expected invalid configuration, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	queue, err := r.CreateQueue(ctx, "tenant-a", QueueConfig{ClinicID: "c1", Name: "Triage", Kind: "priority", TargetServiceMinutes: 12})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !queue.Active || !queue.SupportsPriority || queue.RetryLimit != 3 {
		t.Fatalf("unexpected queue: %+v", queue)
	}

	if _, err := r.GetQueue(ctx, "tenant-b", queue.QueueID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign tenant must not see the queue, got %v", err)
	}

	updated, err := r.UpdateQueue(ctx, "tenant-a", queue.QueueID, QueueConfig{Name: "Triage", Kind: "priority", TargetServiceMinutes: 20, RetryLimit: 2})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TargetServiceMinutes != 20 || updated.RetryLimit != 2 || updated.ClinicID != "c1" {
		t.Fatalf("unexpected update: %+v", updated)
	}

	off, err := r.DeactivateQueue(ctx, "tenant-a", queue.QueueID, true)
	if err != nil {
		t.Fatalf("deactivate empty queue: %v", err)
	}
	if off.Active {
		t.Fatalf("expected inactive")
	}
	on, err := r.ActivateQueue(ctx, "tenant-a", queue.QueueID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !on.Active {
		t.Fatalf("expected active")
	}

	queues, err := r.ListQueues(ctx, "tenant-a", "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queues) != 1 {
		t.Fatalf("expected 1 queue, got %d", len(queues))
	}
}

func TestCreateQueueRequiresTenant(t *testing.T) {
	r, _ := newRegistry(t)
	if _, err := r.CreateQueue(context.Background(), " ", QueueConfig{Name: "A", TargetServiceMinutes: 5}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

// Package notify tells the appointment service about check-ins and
// completions without holding up ticket transitions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/collab"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

type Config struct {
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
}

type Notifier struct {
	appointments collab.AppointmentService
	logger       zerolog.Logger
	timeout      time.Duration
	maxAttempts  uint
	initial      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(appointments collab.AppointmentService, logger zerolog.Logger, cfg Config) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		appointments: appointments,
		logger:       logger.With().Str("component", "notify").Logger(),
		timeout:      cfg.Timeout,
		maxAttempts:  uint(cfg.MaxAttempts),
		initial:      cfg.InitialInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (n *Notifier) CheckedIn(tenantID, appointmentID string) {
	n.dispatch("check_in", tenantID, appointmentID, n.appointments.MarkCheckedIn)
}

func (n *Notifier) Completed(tenantID, appointmentID string) {
	n.dispatch("complete", tenantID, appointmentID, n.appointments.MarkCompleted)
}

func (n *Notifier) dispatch(action, tenantID, appointmentID string, call func(ctx context.Context, tenantID, appointmentID string) error) {
	if appointmentID == "" {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger.Warn().
			Str("action", action).
			Str("tenant_id", tenantID).
			Str("appointment_id", appointmentID).
			Msg("notifier closed, appointment notification dropped")
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		if err := n.deliver(action, tenantID, appointmentID, call); err != nil {
			n.logger.Warn().Err(err).
				Str("action", action).
				Str("tenant_id", tenantID).
				Str("appointment_id", appointmentID).
				Msg("appointment notification dropped")
		}
	}()
}

func (n *Notifier) deliver(action, tenantID, appointmentID string, call func(ctx context.Context, tenantID, appointmentID string) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = n.initial

	attempt := 0
	_, err := backoff.Retry(n.ctx, func() (struct{}, error) {
		attempt++
		ctx, cancel := context.WithTimeout(n.ctx, n.timeout)
		defer cancel()
		err := call(ctx, tenantID, appointmentID)
		if err == nil {
			return struct{}{}, nil
		}
		var permanent *collab.PermanentError
		if errors.As(err, &permanent) {
			return struct{}{}, backoff.Permanent(err)
		}
		n.logger.Debug().Err(err).Str("action", action).Int("attempt", attempt).Msg("appointment notification retry")
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(n.maxAttempts))
	if err != nil && !errors.Is(err, store.ErrCollaboratorUnavailable) {
		return fmt.Errorf("%w: %v", store.ErrCollaboratorUnavailable, err)
	}
	return err
}

// Close stops accepting notifications and waits for in-flight ones until
// ctx ends, then abandons the rest.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}

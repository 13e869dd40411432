// Package registry owns queue definitions for each clinic.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"

	"github.com/rs/zerolog"
)

const maxCodeLength = 8

type QueueConfig struct {
	ClinicID             string `json:"clinic_id" yaml:"clinic_id"`
	Name                 string `json:"name" yaml:"name"`
	Code                 string `json:"code" yaml:"code"`
	Kind                 string `json:"kind" yaml:"kind"`
	TargetServiceMinutes int    `json:"target_service_minutes" yaml:"target_service_minutes"`
	SupportsPriority     bool   `json:"supports_priority" yaml:"supports_priority"`
	SupportsScheduled    bool   `json:"supports_scheduled" yaml:"supports_scheduled"`
	RetryLimit           int    `json:"retry_limit" yaml:"retry_limit"`
}

type Options struct {
	DefaultRetryLimit int
	Now               func() time.Time
}

type Registry struct {
	store             store.QueueStore
	logger            zerolog.Logger
	defaultRetryLimit int
	now               func() time.Time
}

func New(st store.QueueStore, logger zerolog.Logger, opts Options) *Registry {
	if opts.DefaultRetryLimit <= 0 {
		opts.DefaultRetryLimit = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store:             st,
		logger:            logger.With().Str("component", "registry").Logger(),
		defaultRetryLimit: opts.DefaultRetryLimit,
		now:               opts.Now,
	}
}

// Normalize validates cfg and applies defaults. A priority queue always
// honours priority and an appointment queue always accepts scheduled
// check-ins.
func (r *Registry) Normalize(cfg QueueConfig) (QueueConfig, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.ClinicID = strings.TrimSpace(cfg.ClinicID)
	cfg.Kind = strings.ToLower(strings.TrimSpace(cfg.Kind))
	cfg.Code = strings.ToUpper(strings.TrimSpace(cfg.Code))

	if cfg.Name == "" {
		return cfg, fmt.Errorf("name is required: %w", store.ErrInvalidConfiguration)
	}
	if cfg.Kind == "" {
		cfg.Kind = models.QueueKindGeneral
	}
	if !models.ValidQueueKind(cfg.Kind) {
		return cfg, fmt.Errorf("unknown queue kind %q: %w", cfg.Kind, store.ErrInvalidConfiguration)
	}
	if cfg.TargetServiceMinutes <= 0 {
		return cfg, fmt.Errorf("target_service_minutes must be positive: %w", store.ErrInvalidConfiguration)
	}
	if cfg.RetryLimit < 0 {
		return cfg, fmt.Errorf("retry_limit must be at least 1: %w", store.ErrInvalidConfiguration)
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = r.defaultRetryLimit
	}
	if cfg.Code == "" {
		cfg.Code = strings.ToUpper(cfg.Kind[:1])
	}
	if len(cfg.Code) > maxCodeLength || !isAlphanumeric(cfg.Code) {
		return cfg, fmt.Errorf("code must be up to %d letters or digits: %w", maxCodeLength, store.ErrInvalidConfiguration)
	}

	switch cfg.Kind {
	case models.QueueKindPriority:
		cfg.SupportsPriority = true
	case models.QueueKindAppointment:
		cfg.SupportsScheduled = true
	}
	return cfg, nil
}

func (r *Registry) CreateQueue(ctx context.Context, tenantID string, cfg QueueConfig) (models.Queue, error) {
	if strings.TrimSpace(tenantID) == "" {
		return models.Queue{}, fmt.Errorf("tenant is required: %w", store.ErrInvalidInput)
	}
	cfg, err := r.Normalize(cfg)
	if err != nil {
		return models.Queue{}, err
	}
	now := r.now().UTC()
	queue, err := r.store.CreateQueue(ctx, models.Queue{
		TenantID:             tenantID,
		ClinicID:             cfg.ClinicID,
		Name:                 cfg.Name,
		Code:                 cfg.Code,
		Kind:                 cfg.Kind,
		Active:               true,
		TargetServiceMinutes: cfg.TargetServiceMinutes,
		SupportsPriority:     cfg.SupportsPriority,
		SupportsScheduled:    cfg.SupportsScheduled,
		RetryLimit:           cfg.RetryLimit,
		CreatedAt:            now,
		UpdatedAt:            now,
	})
	if err != nil {
		return models.Queue{}, err
	}
	r.logger.Info().Str("tenant_id", tenantID).Str("queue_id", queue.QueueID).Str("kind", queue.Kind).Msg("queue created")
	return queue, nil
}

func (r *Registry) GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error) {
	return r.store.GetQueue(ctx, tenantID, queueID)
}

func (r *Registry) ListQueues(ctx context.Context, tenantID, clinicID string) ([]models.Queue, error) {
	return r.store.ListQueues(ctx, tenantID, clinicID)
}

// UpdateQueue replaces the queue configuration. The active flag is not
// touched here.
func (r *Registry) UpdateQueue(ctx context.Context, tenantID, queueID string, cfg QueueConfig) (models.Queue, error) {
	current, err := r.store.GetQueue(ctx, tenantID, queueID)
	if err != nil {
		return models.Queue{}, err
	}
	if cfg.ClinicID == "" {
		cfg.ClinicID = current.ClinicID
	}
	cfg, err = r.Normalize(cfg)
	if err != nil {
		return models.Queue{}, err
	}
	current.Name = cfg.Name
	current.Code = cfg.Code
	current.Kind = cfg.Kind
	current.TargetServiceMinutes = cfg.TargetServiceMinutes
	current.SupportsPriority = cfg.SupportsPriority
	current.SupportsScheduled = cfg.SupportsScheduled
	current.RetryLimit = cfg.RetryLimit
	current.UpdatedAt = r.now().UTC()
	return r.store.UpdateQueue(ctx, current)
}

// DeactivateQueue stops new issuance. With hardStop it refuses while the
// queue still has open tickets.
func (r *Registry) DeactivateQueue(ctx context.Context, tenantID, queueID string, hardStop bool) (models.Queue, error) {
	queue, err := r.store.SetQueueActive(ctx, tenantID, queueID, false, hardStop)
	if err != nil {
		return models.Queue{}, err
	}
	r.logger.Info().Str("tenant_id", tenantID).Str("queue_id", queueID).Bool("hard_stop", hardStop).Msg("queue deactivated")
	return queue, nil
}

func (r *Registry) ActivateQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error) {
	return r.store.SetQueueActive(ctx, tenantID, queueID, true, false)
}

func isAlphanumeric(value string) bool {
	for _, c := range value {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

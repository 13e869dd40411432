// Package seed loads queue definitions from a YAML file into the registry.
//
// A seed file looks like:
//
//	queues:
//	  - tenant_id: clinic-group-1
//	    clinic_id: downtown
//	    name: Walk-in
//	    code: W
//	    kind: general
//	    target_service_minutes: 15
//	    retry_limit: 2
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/registry"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type File struct {
	Queues []Entry `yaml:"queues"`
}

type Entry struct {
	TenantID             string `yaml:"tenant_id"`
	registry.QueueConfig `yaml:",inline"`
}

type Registry interface {
	Normalize(cfg registry.QueueConfig) (registry.QueueConfig, error)
	CreateQueue(ctx context.Context, tenantID string, cfg registry.QueueConfig) (models.Queue, error)
	ListQueues(ctx context.Context, tenantID, clinicID string) ([]models.Queue, error)
	UpdateQueue(ctx context.Context, tenantID, queueID string, cfg registry.QueueConfig) (models.Queue, error)
}

type Result struct {
	Created int
	Updated int
}

func Parse(data []byte) (File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return File{}, fmt.Errorf("parse seed file: %w", err)
	}
	for i, entry := range file.Queues {
		if strings.TrimSpace(entry.TenantID) == "" {
			return File{}, fmt.Errorf("queue %d (%q): tenant_id is required", i, entry.Name)
		}
	}
	return file, nil
}

func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(data)
}

// Apply creates every queue in the file. A queue whose tenant, clinic and
// code already exist is updated in place, so the same file can be applied
// repeatedly. Entries without a code match on the code their kind defaults to.
func Apply(ctx context.Context, reg Registry, file File, logger zerolog.Logger) (Result, error) {
	var result Result
	for _, entry := range file.Queues {
		cfg, err := reg.Normalize(entry.QueueConfig)
		if err != nil {
			return result, fmt.Errorf("queue %s/%s: %w", entry.TenantID, entry.Name, err)
		}
		entry.QueueConfig = cfg

		existing, err := reg.ListQueues(ctx, entry.TenantID, cfg.ClinicID)
		if err != nil {
			return result, err
		}
		code := cfg.Code
		var match *models.Queue
		for i := range existing {
			if existing[i].Code == code {
				match = &existing[i]
				break
			}
		}

		if match != nil {
			if _, err := reg.UpdateQueue(ctx, entry.TenantID, match.QueueID, entry.QueueConfig); err != nil {
				return result, fmt.Errorf("update queue %s/%s: %w", entry.TenantID, code, err)
			}
			result.Updated++
			logger.Info().Str("tenant_id", entry.TenantID).Str("queue_id", match.QueueID).Str("code", code).Msg("seed queue updated")
			continue
		}

		queue, err := reg.CreateQueue(ctx, entry.TenantID, entry.QueueConfig)
		if err != nil {
			return result, fmt.Errorf("create queue %s/%s: %w", entry.TenantID, entry.Name, err)
		}
		result.Created++
		logger.Info().Str("tenant_id", entry.TenantID).Str("queue_id", queue.QueueID).Str("code", queue.Code).Msg("seed queue created")
	}
	return result, nil
}

package models

import "time"

type Queue struct {
	QueueID              string    `json:"queue_id"`
	TenantID             string    `json:"tenant_id"`
	ClinicID             string    `json:"clinic_id"`
	Name                 string    `json:"name"`
	Code                 string    `json:"code"`
	Kind                 string    `json:"kind"`
	Active               bool      `json:"active"`
	TargetServiceMinutes int       `json:"target_service_minutes"`
	SupportsPriority     bool      `json:"supports_priority"`
	SupportsScheduled    bool      `json:"supports_scheduled"`
	RetryLimit           int       `json:"retry_limit"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

const (
	QueueKindGeneral     = "general"
	QueueKindPriority    = "priority"
	QueueKindAppointment = "appointment"
)

func ValidQueueKind(kind string) bool {
	switch kind {
	case QueueKindGeneral, QueueKindPriority, QueueKindAppointment:
		return true
	}
	return false
}

package models

import (
	"fmt"
	"strings"
	"time"
)

type Ticket struct {
	TicketID        string     `json:"ticket_id"`
	TenantID        string     `json:"tenant_id"`
	QueueID         string     `json:"queue_id"`
	PatientID       string     `json:"patient_id,omitempty"`
	PatientName     string     `json:"patient_name,omitempty"`
	PatientDocument string     `json:"patient_document,omitempty"`
	PatientPhone    string     `json:"patient_phone,omitempty"`
	ServiceDay      string     `json:"service_day"`
	Number          int        `json:"number"`
	DisplayNumber   string     `json:"display_number"`
	Priority        Priority   `json:"priority"`
	PriorityReason  string     `json:"priority_reason,omitempty"`
	Status          string     `json:"status"`
	CallAttempts    int        `json:"call_attempts"`
	StationID       string     `json:"station_id,omitempty"`
	ProviderID      string     `json:"provider_id,omitempty"`
	RoomID          string     `json:"room_id,omitempty"`
	AppointmentID   string     `json:"appointment_id,omitempty"`
	EntryAt         time.Time  `json:"entry_at"`
	CalledAt        *time.Time `json:"called_at,omitempty"`
	ServiceStartAt  *time.Time `json:"service_start_at,omitempty"`
	ExitAt          *time.Time `json:"exit_at,omitempty"`
	WaitMinutes     int        `json:"wait_minutes"`
	ServiceMinutes  *int       `json:"service_minutes,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	RequestID       string     `json:"request_id,omitempty"`
	Version         int        `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusInService = "in_service"
	StatusCompleted = "completed"
	StatusNoShow    = "no_show"
	StatusCancelled = "cancelled"
)

// OpenStatuses are the statuses that keep a queue busy.
var OpenStatuses = []string{StatusWaiting, StatusCalled, StatusInService}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}

// FormatDisplayNumber renders the number shown on screens and printed slips.
func FormatDisplayNumber(code string, number int) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Sprintf("%03d", number)
	}
	return fmt.Sprintf("%s-%03d", code, number)
}

// PatientSnapshot is the display data captured when a ticket is issued.
type PatientSnapshot struct {
	Name     string `json:"name,omitempty"`
	Document string `json:"document,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

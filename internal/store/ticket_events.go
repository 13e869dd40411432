package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
)

const (
	EventTicketIssued         = "ticket.issued"
	EventTicketCalled         = "ticket.called"
	EventTicketServiceStarted = "ticket.service_started"
	EventTicketRequeued       = "ticket.requeued"
	EventTicketNoShow         = "ticket.no_show"
	EventTicketCompleted      = "ticket.completed"
	EventTicketCancelled      = "ticket.cancelled"
)

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID       string     `json:"ticket_id"`
	TenantID       string     `json:"tenant_id"`
	QueueID        string     `json:"queue_id"`
	DisplayNumber  string     `json:"display_number"`
	Number         int        `json:"number"`
	ServiceDay     string     `json:"service_day"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	CallAttempts   int        `json:"call_attempts"`
	StationID      string     `json:"station_id,omitempty"`
	ProviderID     string     `json:"provider_id,omitempty"`
	RoomID         string     `json:"room_id,omitempty"`
	AppointmentID  string     `json:"appointment_id,omitempty"`
	EntryAt        *time.Time `json:"entry_at"`
	CalledAt       *time.Time `json:"called_at"`
	ServiceStartAt *time.Time `json:"service_start_at"`
	ExitAt         *time.Time `json:"exit_at"`
	Actor          string     `json:"actor,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// EventPayload is the JSON body stored for a change in both the ticket
// event chain and the outbox.
func EventPayload(ticket models.Ticket, change Change) ([]byte, error) {
	entry := ticket.EntryAt
	return json.Marshal(eventPayload{
		TicketID:       ticket.TicketID,
		TenantID:       ticket.TenantID,
		QueueID:        ticket.QueueID,
		DisplayNumber:  ticket.DisplayNumber,
		Number:         ticket.Number,
		ServiceDay:     ticket.ServiceDay,
		Priority:       ticket.Priority.String(),
		Status:         ticket.Status,
		CallAttempts:   ticket.CallAttempts,
		StationID:      ticket.StationID,
		ProviderID:     ticket.ProviderID,
		RoomID:         ticket.RoomID,
		AppointmentID:  ticket.AppointmentID,
		EntryAt:        &entry,
		CalledAt:       ticket.CalledAt,
		ServiceStartAt: ticket.ServiceStartAt,
		ExitAt:         ticket.ExitAt,
		Actor:          change.Actor,
		Reason:         change.Reason,
	})
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyTicketEvents checks sequence continuity and the hash chain.
func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("event %d: expected seq %d, got %d", i, i+1, event.TicketSeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("event %d: prev hash mismatch", event.TicketSeq)
		}
		want := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("event %d: hash mismatch", event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateTicket replays the status history carried by an event chain.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.TenantID != "" {
			ticket.TenantID = payload.TenantID
		}
		if payload.QueueID != "" {
			ticket.QueueID = payload.QueueID
		}
		if payload.DisplayNumber != "" {
			ticket.DisplayNumber = payload.DisplayNumber
		}
		if payload.Number != 0 {
			ticket.Number = payload.Number
		}
		if payload.ServiceDay != "" {
			ticket.ServiceDay = payload.ServiceDay
		}
		if p, err := models.ParsePriority(payload.Priority); err == nil {
			ticket.Priority = p
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		ticket.CallAttempts = payload.CallAttempts
		ticket.StationID = payload.StationID
		ticket.ProviderID = payload.ProviderID
		ticket.RoomID = payload.RoomID
		if payload.AppointmentID != "" {
			ticket.AppointmentID = payload.AppointmentID
		}
		if payload.EntryAt != nil {
			ticket.EntryAt = *payload.EntryAt
		}
		ticket.CalledAt = payload.CalledAt
		ticket.ServiceStartAt = payload.ServiceStartAt
		ticket.ExitAt = payload.ExitAt
	}
	return ticket, nil
}

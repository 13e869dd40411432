// Package collab holds clients for the patient directory and appointment
// service. Both are optional; without a base URL the no-op versions apply.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"
)

type PatientDirectory interface {
	ResolvePatientSnapshot(ctx context.Context, tenantID, patientID string) (models.PatientSnapshot, error)
}

type AppointmentService interface {
	MarkCheckedIn(ctx context.Context, tenantID, appointmentID string) error
	MarkCompleted(ctx context.Context, tenantID, appointmentID string) error
}

// PermanentError marks a rejection that retrying will not fix.
type PermanentError struct {
	Status int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("collaborator rejected request with status %d", e.Status)
}

type NopDirectory struct{}

func (NopDirectory) ResolvePatientSnapshot(ctx context.Context, tenantID, patientID string) (models.PatientSnapshot, error) {
	return models.PatientSnapshot{}, nil
}

type NopAppointments struct{}

func (NopAppointments) MarkCheckedIn(ctx context.Context, tenantID, appointmentID string) error {
	return nil
}

func (NopAppointments) MarkCompleted(ctx context.Context, tenantID, appointmentID string) error {
	return nil
}

type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDirectory) ResolvePatientSnapshot(ctx context.Context, tenantID, patientID string) (models.PatientSnapshot, error) {
	endpoint := fmt.Sprintf("%s/patients/%s/snapshot", d.baseURL, url.PathEscape(patientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.PatientSnapshot{}, err
	}
	req.Header.Set("X-Tenant-ID", tenantID)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return models.PatientSnapshot{}, fmt.Errorf("patient directory: %v: %w", err, store.ErrCollaboratorUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return models.PatientSnapshot{}, fmt.Errorf("patient %s: %w", patientID, store.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return models.PatientSnapshot{}, fmt.Errorf("patient directory status %d: %w", resp.StatusCode, store.ErrCollaboratorUnavailable)
	}

	var snapshot models.PatientSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return models.PatientSnapshot{}, fmt.Errorf("decode patient snapshot: %v: %w", err, store.ErrCollaboratorUnavailable)
	}
	return snapshot, nil
}

type HTTPAppointments struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAppointments(baseURL string, timeout time.Duration) *HTTPAppointments {
	return &HTTPAppointments{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAppointments) MarkCheckedIn(ctx context.Context, tenantID, appointmentID string) error {
	return a.post(ctx, tenantID, appointmentID, "check-in")
}

func (a *HTTPAppointments) MarkCompleted(ctx context.Context, tenantID, appointmentID string) error {
	return a.post(ctx, tenantID, appointmentID, "complete")
}

func (a *HTTPAppointments) post(ctx context.Context, tenantID, appointmentID, action string) error {
	body, err := json.Marshal(map[string]string{
		"tenant_id":      tenantID,
		"appointment_id": appointmentID,
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/appointments/%s/%s", a.baseURL, url.PathEscape(appointmentID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("appointment service: %v: %w", err, store.ErrCollaboratorUnavailable)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("appointment service status %d: %w", resp.StatusCode, store.ErrCollaboratorUnavailable)
	case resp.StatusCode >= 300:
		return &PermanentError{Status: resp.StatusCode}
	}
	return nil
}

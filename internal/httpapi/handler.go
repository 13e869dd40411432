package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/lifecycle"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/metrics"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/models"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/registry"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/tickets"

	"github.com/rs/zerolog"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type QueueRegistry interface {
	CreateQueue(ctx context.Context, tenantID string, cfg registry.QueueConfig) (models.Queue, error)
	GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error)
	ListQueues(ctx context.Context, tenantID, clinicID string) ([]models.Queue, error)
	UpdateQueue(ctx context.Context, tenantID, queueID string, cfg registry.QueueConfig) (models.Queue, error)
	DeactivateQueue(ctx context.Context, tenantID, queueID string, hardStop bool) (models.Queue, error)
	ActivateQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error)
}

type TicketService interface {
	Issue(ctx context.Context, in tickets.IssueInput) (models.Ticket, bool, error)
	Cancel(ctx context.Context, tenantID, ticketID, reason string) (models.Ticket, error)
	ForceCancel(ctx context.Context, tenantID, ticketID, actor, reason string) (models.Ticket, error)
	Get(ctx context.Context, tenantID, ticketID string) (models.Ticket, error)
	LookupByNumber(ctx context.Context, tenantID, queueID, day string, number int) (models.Ticket, error)
	PatientHistory(ctx context.Context, tenantID, patientID string, limit int) ([]models.Ticket, error)
	Board(ctx context.Context, tenantID, queueID string) (tickets.Board, error)
	Events(ctx context.Context, tenantID, ticketID string) ([]store.TicketEvent, error)
	Outbox(ctx context.Context, tenantID string, after time.Time, limit int) ([]store.OutboxEvent, error)
}

type Dispatcher interface {
	CallNext(ctx context.Context, tenantID, queueID string, assignment lifecycle.Assignment) (models.Ticket, error)
}

type Recorder interface {
	ConfirmArrival(ctx context.Context, tenantID, ticketID string) (models.Ticket, error)
	ReportNoAnswer(ctx context.Context, tenantID, ticketID string) (models.Ticket, error)
	Complete(ctx context.Context, tenantID, ticketID, notes string) (models.Ticket, error)
	ForceComplete(ctx context.Context, tenantID, ticketID, actor, reason string) (models.Ticket, error)
}

type MetricsSource interface {
	QueueMetrics(ctx context.Context, tenantID, queueID string, from, to time.Time) (metrics.QueueMetrics, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Queues   QueueRegistry
	Tickets  TicketService
	Dispatch Dispatcher
	Recorder Recorder
	Metrics  MetricsSource
	Health   HealthChecker
}

type Handler struct {
	queues   QueueRegistry
	tickets  TicketService
	dispatch Dispatcher
	recorder Recorder
	metrics  MetricsSource
	health   HealthChecker
	logger   zerolog.Logger
	now      func() time.Time
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type issueTicketRequest struct {
	RequestID       string          `json:"request_id"`
	Priority        models.Priority `json:"priority"`
	PriorityReason  string          `json:"priority_reason"`
	PatientID       string          `json:"patient_id"`
	PatientName     string          `json:"patient_name"`
	PatientDocument string          `json:"patient_document"`
	PatientPhone    string          `json:"patient_phone"`
	AppointmentID   string          `json:"appointment_id"`
}

type callNextRequest struct {
	StationID  string `json:"station_id"`
	ProviderID string `json:"provider_id"`
	RoomID     string `json:"room_id"`
}

type ticketActionRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

type adminActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type deactivateRequest struct {
	HardStop bool `json:"hard_stop"`
}

func NewHandler(deps Deps, logger zerolog.Logger) *Handler {
	return &Handler{
		queues:   deps.Queues,
		tickets:  deps.Tickets,
		dispatch: deps.Dispatch,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		health:   deps.Health,
		logger:   logger.With().Str("component", "httpapi").Logger(),
		now:      time.Now,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /debug/vars", expvar.Handler())

	mux.HandleFunc("POST /api/queues", h.handleCreateQueue)
	mux.HandleFunc("GET /api/queues", h.handleListQueues)
	mux.HandleFunc("GET /api/queues/{id}", h.handleGetQueue)
	mux.HandleFunc("PUT /api/queues/{id}", h.handleUpdateQueue)
	mux.HandleFunc("POST /api/queues/{id}/activate", h.handleActivateQueue)
	mux.HandleFunc("POST /api/queues/{id}/deactivate", h.handleDeactivateQueue)

	mux.HandleFunc("POST /api/queues/{id}/tickets", h.handleIssueTicket)
	mux.HandleFunc("POST /api/queues/{id}/call-next", h.handleCallNext)
	mux.HandleFunc("GET /api/queues/{id}/board", h.handleBoard)
	mux.HandleFunc("GET /api/queues/{id}/tickets/lookup", h.handleLookup)
	mux.HandleFunc("GET /api/queues/{id}/metrics", h.handleMetrics)

	mux.HandleFunc("GET /api/tickets/{id}", h.handleGetTicket)
	mux.HandleFunc("GET /api/tickets/{id}/events", h.handleTicketEvents)
	mux.HandleFunc("POST /api/tickets/{id}/actions/{action}", h.handleTicketAction)
	mux.HandleFunc("GET /api/patients/{id}/tickets", h.handlePatientHistory)
	mux.HandleFunc("GET /api/events", h.handleOutbox)

	mux.HandleFunc("POST /api/admin/tickets/{id}/force-complete", h.handleForceComplete)
	mux.HandleFunc("POST /api/admin/tickets/{id}/force-cancel", h.handleForceCancel)
	return RequestMiddleware(mux)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Error().Err(err).Msg("health check failed")
			writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "unavailable", "store unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var cfg registry.QueueConfig
	if !decodeRequest(w, r, &cfg, false) {
		return
	}
	queue, err := h.queues.CreateQueue(r.Context(), tenantID, cfg)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, queue)
}

func (h *Handler) handleListQueues(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	queues, err := h.queues.ListQueues(r.Context(), tenantID, strings.TrimSpace(r.URL.Query().Get("clinic_id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if queues == nil {
		queues = []models.Queue{}
	}
	writeJSON(w, http.StatusOK, queues)
}

func (h *Handler) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	queue, err := h.queues.GetQueue(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var cfg registry.QueueConfig
	if !decodeRequest(w, r, &cfg, false) {
		return
	}
	queue, err := h.queues.UpdateQueue(r.Context(), tenantID, r.PathValue("id"), cfg)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleActivateQueue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	queue, err := h.queues.ActivateQueue(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleDeactivateQueue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req deactivateRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	if raw := r.URL.Query().Get("hard_stop"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "hard_stop must be a boolean")
			return
		}
		req.HardStop = value
	}
	queue, err := h.queues.DeactivateQueue(r.Context(), tenantID, r.PathValue("id"), req.HardStop)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req issueTicketRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	ticket, created, err := h.tickets.Issue(r.Context(), tickets.IssueInput{
		TenantID:       tenantID,
		QueueID:        r.PathValue("id"),
		RequestID:      requestID,
		Priority:       req.Priority,
		PriorityReason: req.PriorityReason,
		PatientID:      req.PatientID,
		Patient: models.PatientSnapshot{
			Name:     req.PatientName,
			Document: req.PatientDocument,
			Phone:    req.PatientPhone,
		},
		AppointmentID: req.AppointmentID,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req callNextRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	req.StationID = strings.TrimSpace(req.StationID)
	if req.StationID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "station_id is required")
		return
	}

	ticket, err := h.dispatch.CallNext(r.Context(), tenantID, r.PathValue("id"), lifecycle.Assignment{
		StationID:  req.StationID,
		ProviderID: strings.TrimSpace(req.ProviderID),
		RoomID:     strings.TrimSpace(req.RoomID),
	})
	if errors.Is(err, store.ErrNoTicketsAvailable) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	board, err := h.tickets.Board(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	number, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("number")))
	if err != nil || number <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "number must be a positive integer")
		return
	}
	ticket, err := h.tickets.LookupByNumber(r.Context(), tenantID, r.PathValue("id"), strings.TrimSpace(r.URL.Query().Get("day")), number)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	to := h.now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "to must be an RFC3339 timestamp")
			return
		}
		from = to.Add(-24 * time.Hour)
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "from must be an RFC3339 timestamp")
			return
		}
	}

	result, err := h.metrics.QueueMetrics(r.Context(), tenantID, r.PathValue("id"), from, to)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	ticket, err := h.tickets.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	events, err := h.tickets.Events(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []store.TicketEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req ticketActionRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	ticketID := r.PathValue("id")

	var (
		ticket models.Ticket
		err    error
	)
	switch r.PathValue("action") {
	case "arrive":
		ticket, err = h.recorder.ConfirmArrival(r.Context(), tenantID, ticketID)
	case "no-answer":
		ticket, err = h.recorder.ReportNoAnswer(r.Context(), tenantID, ticketID)
	case "complete":
		ticket, err = h.recorder.Complete(r.Context(), tenantID, ticketID, req.Notes)
	case "cancel":
		ticket, err = h.tickets.Cancel(r.Context(), tenantID, ticketID, req.Reason)
	default:
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "unknown_action", "unknown ticket action")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handlePatientHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	history, err := h.tickets.PatientHistory(r.Context(), tenantID, r.PathValue("id"), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleOutbox(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var after time.Time
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "after must be an RFC3339 timestamp")
			return
		}
		after = parsed
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	events, err := h.tickets.Outbox(r.Context(), tenantID, after, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	tenantID, actor, req, ok := h.adminRequest(w, r)
	if !ok {
		return
	}
	ticket, err := h.recorder.ForceComplete(r.Context(), tenantID, r.PathValue("id"), actor, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleForceCancel(w http.ResponseWriter, r *http.Request) {
	tenantID, actor, req, ok := h.adminRequest(w, r)
	if !ok {
		return
	}
	ticket, err := h.tickets.ForceCancel(r.Context(), tenantID, r.PathValue("id"), actor, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) adminRequest(w http.ResponseWriter, r *http.Request) (string, string, adminActionRequest, bool) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return "", "", adminActionRequest{}, false
	}
	var req adminActionRequest
	if !decodeRequest(w, r, &req, true) {
		return "", "", adminActionRequest{}, false
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = infoFromRequest(r).Actor
	}
	if actor == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "actor or X-Actor-ID header is required")
		return "", "", adminActionRequest{}, false
	}
	return tenantID, actor, req, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

// decodeRequest reads a JSON body into target. With allowEmpty an absent
// body leaves target at its zero value.
func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}, allowEmpty bool) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestIDFromRequest(r)).Msg("request failed")
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrInvalidConfiguration):
		return http.StatusUnprocessableEntity, "invalid_configuration", err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket state does not allow this action"
	case errors.Is(err, store.ErrQueueHasOpenTickets):
		return http.StatusConflict, "queue_has_open_tickets", "queue still has open tickets"
	case errors.Is(err, store.ErrQueueInactive):
		return http.StatusConflict, "queue_inactive", "queue is not accepting new tickets"
	case errors.Is(err, store.ErrDispatchBusy):
		return http.StatusServiceUnavailable, "dispatch_busy", "queue is busy, retry shortly"
	case errors.Is(err, store.ErrNoTicketsAvailable):
		return http.StatusNoContent, "no_tickets", "no tickets waiting"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

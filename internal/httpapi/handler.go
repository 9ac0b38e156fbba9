package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"mediq/queue-service/internal/queue"
	"mediq/queue-service/internal/stats"
	"mediq/queue-service/internal/store"
)

// StatsReader is the read side of the statistics aggregator.
type StatsReader interface {
	Summary(ctx context.Context, facilityID, day string) (stats.Summary, error)
}

type Handler struct {
	queue queue.Service
	stats StatsReader
}

func NewHandler(svc queue.Service, statsReader StatsReader) *Handler {
	return &Handler{queue: svc, stats: statsReader}
}

type enqueueRequest struct {
	UserID     string `json:"user_id"`
	FacilityID string `json:"facility_id"`
	Priority   string `json:"priority"`
}

type callNextRequest struct {
	FacilityID string `json:"facility_id"`
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

type transferRequest struct {
	TargetFacilityID string `json:"target_facility_id"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queue", h.handleEnqueue)
	mux.HandleFunc("/api/queue/current", h.handleCurrentQueue)
	mux.HandleFunc("/api/queue/status", h.handleStatus)
	mux.HandleFunc("/api/queue/statistics", h.handleStatistics)
	mux.HandleFunc("/api/queue/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queue/", h.handleEntryActions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req enqueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	req.FacilityID = strings.TrimSpace(req.FacilityID)
	req.Priority = strings.TrimSpace(req.Priority)
	if req.UserID == "" || req.FacilityID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and facility_id are required")
		return
	}

	entry, err := h.queue.Enqueue(r.Context(), queue.EnqueueInput{
		UserID:     req.UserID,
		FacilityID: req.FacilityID,
		Priority:   req.Priority,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.FacilityID = strings.TrimSpace(req.FacilityID)
	if req.FacilityID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "facility_id is required")
		return
	}

	entry, err := h.queue.CallNext(r.Context(), req.FacilityID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCurrentQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	facilityID := strings.TrimSpace(r.URL.Query().Get("facility_id"))
	if facilityID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "facility_id is required")
		return
	}

	snapshot, err := h.queue.CurrentQueue(r.Context(), facilityID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	facilityID := strings.TrimSpace(r.URL.Query().Get("facility_id"))
	if userID == "" || facilityID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and facility_id are required")
		return
	}

	entry, err := h.queue.StatusByUser(r.Context(), userID, facilityID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	facilityID := strings.TrimSpace(r.URL.Query().Get("facility_id"))
	day := strings.TrimSpace(r.URL.Query().Get("date"))

	summary, err := h.stats.Summary(r.Context(), facilityID, day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleEntryActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	queueNumber := strings.TrimSpace(parts[0])
	if queueNumber == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "queue number is required")
		return
	}

	switch parts[2] {
	case "complete":
		h.handleComplete(w, r, queueNumber)
	case "cancel":
		h.handleCancel(w, r, queueNumber)
	case "priority":
		h.handleSetPriority(w, r, queueNumber)
	case "transfer":
		h.handleTransfer(w, r, queueNumber)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, queueNumber string) {
	entry, err := h.queue.Complete(r.Context(), queueNumber)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, queueNumber string) {
	entry, err := h.queue.Cancel(r.Context(), queueNumber)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleSetPriority(w http.ResponseWriter, r *http.Request, queueNumber string) {
	var req priorityRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Priority = strings.TrimSpace(req.Priority)
	if req.Priority == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "priority is required")
		return
	}

	entry, err := h.queue.SetPriority(r.Context(), queueNumber, req.Priority)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request, queueNumber string) {
	var req transferRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.TargetFacilityID = strings.TrimSpace(req.TargetFacilityID)
	if req.TargetFacilityID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "target_facility_id is required")
		return
	}

	result, err := h.queue.Transfer(r.Context(), queueNumber, req.TargetFacilityID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrDuplicateActive):
		return http.StatusConflict, "duplicate_entry", "an active queue entry already exists for this user and facility"
	case errors.Is(err, queue.ErrNoPatientsWaiting):
		return http.StatusNotFound, "queue_empty", "no patients waiting"
	case errors.Is(err, queue.ErrNoActiveEntry):
		return http.StatusNotFound, "no_active_entry", "no active queue entry"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state", "entry status does not allow this action"
	case errors.Is(err, queue.ErrInvalidPriority):
		return http.StatusBadRequest, "invalid_priority", "unknown priority tier"
	case errors.Is(err, queue.ErrSameFacility):
		return http.StatusBadRequest, "invalid_request", "transfer target matches current facility"
	case errors.Is(err, store.ErrFacilityNotFound):
		return http.StatusBadRequest, "facility_not_found", "facility not found"
	case errors.Is(err, queue.ErrContention):
		return http.StatusConflict, "conflict", "concurrent queue updates, retry"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable", "queue service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
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

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// Sweeper triggers a reconciliation sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine  *service.Engine
	catalog *service.Catalog
	queries *service.QueryService
	sweeper Sweeper
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. sweeper may be nil when the
// scheduler is disabled.
func NewHTTPHandler(engine *service.Engine, catalog *service.Catalog, queries *service.QueryService, sweeper Sweeper, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:  engine,
		catalog: catalog,
		queries: queries,
		sweeper: sweeper,
		log:     log.Component("http_handler"),
	}
}

// Register mounts every API route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	// Instance transitions
	mux.HandleFunc("/api/v1/approvals/initiate", h.Initiate)
	mux.HandleFunc("/api/v1/approvals/approve", h.Approve)
	mux.HandleFunc("/api/v1/approvals/reject", h.Reject)
	mux.HandleFunc("/api/v1/approvals/return", h.Return)
	mux.HandleFunc("/api/v1/approvals/delegate", h.Delegate)
	mux.HandleFunc("/api/v1/approvals/resubmit", h.Resubmit)
	mux.HandleFunc("/api/v1/approvals/cancel", h.Cancel)

	// Reads
	mux.HandleFunc("/api/v1/approvals/get", h.GetInstance)
	mux.HandleFunc("/api/v1/approvals/by-target", h.GetInstanceByTarget)
	mux.HandleFunc("/api/v1/approvals/history", h.History)
	mux.HandleFunc("/api/v1/approvals/pending", h.Pending)
	mux.HandleFunc("/api/v1/approvals/submitted", h.Submitted)
	mux.HandleFunc("/api/v1/approvals/stats", h.Stats)
	mux.HandleFunc("/api/v1/approvals/action-counts", h.ActionCounts)

	// Flow catalog
	mux.HandleFunc("/api/v1/flows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListFlows(w, r)
		case http.MethodPost:
			h.CreateFlow(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/flows/get", h.GetFlow)
	mux.HandleFunc("/api/v1/flows/update", h.UpdateFlow)
	mux.HandleFunc("/api/v1/flows/activate", h.ActivateFlow)
	mux.HandleFunc("/api/v1/flows/deactivate", h.DeactivateFlow)
	mux.HandleFunc("/api/v1/flows/delete", h.DeleteFlow)

	mux.HandleFunc("/api/v1/scheduler/sweep", h.Sweep)
}

// ── Transitions ──────────────────────────────────────────────────────────────

// Initiate handles initiate HTTP requests
func (h *HTTPHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req service.InitiateRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	inst, err := h.engine.Initiate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// Approve handles approve HTTP requests
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decision(w, r, h.engine.Approve)
}

// Reject handles reject HTTP requests
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decision(w, r, h.engine.Reject)
}

// Return handles return-for-revision HTTP requests
func (h *HTTPHandler) Return(w http.ResponseWriter, r *http.Request) {
	h.decision(w, r, h.engine.Return)
}

func (h *HTTPHandler) decision(w http.ResponseWriter, r *http.Request, apply func(context.Context, service.DecisionRequest) (*repository.ApprovalInstance, error)) {
	var req service.DecisionRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	inst, err := apply(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// Delegate handles delegate HTTP requests
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	var req service.DelegateRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	inst, err := h.engine.Delegate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// Resubmit handles resubmit HTTP requests
func (h *HTTPHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	var req service.ResubmitRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	inst, err := h.engine.Resubmit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// Cancel handles cancel HTTP requests
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req service.CancelRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	inst, err := h.engine.Cancel(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// ── Reads ────────────────────────────────────────────────────────────────────

// GetInstance handles get instance HTTP requests
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "id is required"))
		return
	}
	inst, err := h.queries.Instance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// GetInstanceByTarget handles by-target HTTP requests
func (h *HTTPHandler) GetInstanceByTarget(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	inst, err := h.queries.InstanceByTarget(r.Context(), q.Get("target_type"), q.Get("target_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// History handles action history HTTP requests
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	actions, err := h.queries.History(r.Context(), r.URL.Query().Get("instance_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// Pending lists the queue of a staff member (staff_id) or of a role (role).
func (h *HTTPHandler) Pending(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	var (
		instances []*repository.ApprovalInstance
		err       error
	)
	switch {
	case q.Get("staff_id") != "":
		instances, err = h.queries.PendingForStaff(r.Context(), q.Get("staff_id"), limit)
	case q.Get("role") != "":
		instances, err = h.queries.PendingForRole(r.Context(), q.Get("role"), limit)
	default:
		err = errors.InvalidInput("staff_id", "staff_id or role is required")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": instances, "count": len(instances)})
}

// Submitted lists instances raised by a requester, optionally filtered by a
// comma-separated status list.
func (h *HTTPHandler) Submitted(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	requesterID := q.Get("requester_id")
	if requesterID == "" {
		h.writeError(w, r, errors.InvalidInput("requester_id", "requester_id is required"))
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	var statuses []repository.InstanceStatus
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, repository.InstanceStatus(strings.TrimSpace(s)))
		}
	}

	instances, err := h.queries.SubmittedBy(r.Context(), requesterID, statuses, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": instances, "count": len(instances)})
}

// Stats handles dashboard stats HTTP requests
func (h *HTTPHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	stats, err := h.queries.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ActionCounts returns per-day action counts for [from, to). Both bounds
// accept RFC 3339 timestamps or YYYY-MM-DD dates.
func (h *HTTPHandler) ActionCounts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	from, err := parseTime("from", q.Get("from"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := parseTime("to", q.Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	counts, err := h.queries.ActionCountsByDay(r.Context(), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"counts": counts})
}

// ── Flow catalog ─────────────────────────────────────────────────────────────

// ListFlows handles list flows HTTP requests
func (h *HTTPHandler) ListFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOnly, _ := strconv.ParseBool(q.Get("active_only"))
	flows, err := h.catalog.ListFlows(r.Context(), q.Get("target_type"), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flows": flows, "count": len(flows)})
}

// CreateFlow handles create flow HTTP requests
func (h *HTTPHandler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var flow repository.ApprovalFlow
	if !h.decodePost(w, r, &flow) {
		return
	}
	created, err := h.catalog.CreateFlow(r.Context(), &flow)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetFlow looks a flow up by id or code.
func (h *HTTPHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	var (
		flow *repository.ApprovalFlow
		err  error
	)
	switch {
	case q.Get("id") != "":
		flow, err = h.catalog.GetFlow(r.Context(), q.Get("id"))
	case q.Get("code") != "":
		flow, err = h.catalog.GetFlowByCode(r.Context(), q.Get("code"))
	default:
		err = errors.InvalidInput("id", "id or code is required")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// UpdateFlow handles update flow HTTP requests
func (h *HTTPHandler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	var flow repository.ApprovalFlow
	if !h.decodePost(w, r, &flow) {
		return
	}
	updated, err := h.catalog.UpdateFlow(r.Context(), &flow)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type flowRef struct {
	ID string `json:"id"`
}

// ActivateFlow handles activate flow HTTP requests
func (h *HTTPHandler) ActivateFlow(w http.ResponseWriter, r *http.Request) {
	var req flowRef
	if !h.decodePost(w, r, &req) {
		return
	}
	if err := h.catalog.ActivateFlow(r.Context(), req.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// DeactivateFlow handles deactivate flow HTTP requests
func (h *HTTPHandler) DeactivateFlow(w http.ResponseWriter, r *http.Request) {
	var req flowRef
	if !h.decodePost(w, r, &req) {
		return
	}
	if err := h.catalog.DeactivateFlow(r.Context(), req.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "inactive"})
}

// DeleteFlow handles delete flow HTTP requests
func (h *HTTPHandler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "id is required"))
		return
	}
	if err := h.catalog.DeleteFlow(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Scheduler ────────────────────────────────────────────────────────────────

// Sweep runs one reconciliation sweep synchronously.
func (h *HTTPHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if h.sweeper == nil {
		h.writeError(w, r, errors.New(errors.ErrCodeUnavailable, "scheduler is disabled"))
		return
	}
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      errors.ErrorCode `json:"code"`
	Message   string           `json:"message"`
	Field     string           `json:"field,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

// writeError renders a coded error. Internal errors are logged and their
// detail withheld.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	detail := errorDetail{Code: code, RequestID: middleware.RequestIDFromContext(r.Context())}

	var e *errors.Error
	if errors.As(err, &e) && code != errors.ErrCodeInternal {
		detail.Message = e.Message
		detail.Field = e.Field
	} else {
		detail.Message = "internal error"
	}
	if code == errors.ErrCodeInternal {
		h.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", detail.RequestID).Msg("Request failed")
	}
	writeJSON(w, errors.HTTPStatus(code), errorBody{Error: detail})
}

func (h *HTTPHandler) decodePost(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if !allow(w, r, http.MethodPost) {
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "Invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.writeError(w, r, errors.InvalidInput("limit", "limit must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func parseTime(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.InvalidInput(field, field+" is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, errors.InvalidInput(field, "expected RFC 3339 timestamp or YYYY-MM-DD date")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

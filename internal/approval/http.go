package approval

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
)

// terminalRequest is the JSON body for grant/deny calls (spec.md §6 HTTP
// approvals): {approver, note?|reason}.
type terminalRequest struct {
	Approver string `json:"approver"`
	Note     string `json:"note,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Handler serves POST /api/approvals/{runId}/{gateId}/{grant|deny}.
type Handler struct {
	coord             *Coordinator
	approverAllowlist []string
	resolveRun        func(runID string) (subject, tenant, ritualID string, ok bool)
}

// NewHandler constructs a Handler. resolveRun maps a runID to its event log
// subject, tenant, and ritualId (the caller's run registry owns that
// mapping; it is not reconstructable from runID alone). ok=false yields a
// 400 response.
func NewHandler(coord *Coordinator, approverAllowlist []string, resolveRun func(runID string) (string, string, string, bool)) *Handler {
	return &Handler{coord: coord, approverAllowlist: approverAllowlist, resolveRun: resolveRun}
}

// Routes mounts the approvals routes onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/approvals/{runId}/{gateId}/grant", h.handleGrant)
	r.Post("/api/approvals/{runId}/{gateId}/deny", h.handleDeny)
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	gateID := chi.URLParam(r, "gateId")

	req, subject, tenant, ritualID, ok := h.decodeAndAuthorize(w, r, runID)
	if !ok {
		return
	}

	result, err := h.coord.Grant(r.Context(), subject, tenant, ritualID, runID, gateID, req.Approver, req.Note)
	h.respondTerminal(w, result, err)
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	gateID := chi.URLParam(r, "gateId")

	req, subject, tenant, ritualID, ok := h.decodeAndAuthorize(w, r, runID)
	if !ok {
		return
	}

	result, err := h.coord.Deny(r.Context(), subject, tenant, ritualID, runID, gateID, req.Approver, req.Reason)
	h.respondTerminal(w, result, err)
}

// decodeAndAuthorize applies the CSRF, body-decode, run-resolution, and
// approver-allowlist checks common to grant and deny (spec.md §4.4, §6).
// It writes the terminal error response itself and returns ok=false when
// any check fails.
func (h *Handler) decodeAndAuthorize(w http.ResponseWriter, r *http.Request, runID string) (terminalRequest, string, string, string, bool) {
	if !h.checkCSRF(r) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-Requested-With header"})
		return terminalRequest{}, "", "", "", false
	}

	var req terminalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approver == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return terminalRequest{}, "", "", "", false
	}

	if !h.checkApprover(req.Approver) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "approver not allowed"})
		return terminalRequest{}, "", "", "", false
	}

	subject, tenant, ritualID, ok := h.resolveRun(runID)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown run"})
		return terminalRequest{}, "", "", "", false
	}

	return req, subject, tenant, ritualID, true
}

func (h *Handler) respondTerminal(w http.ResponseWriter, result Result, err error) {
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	switch result.Outcome {
	case OutcomePublished:
		writeJSON(w, http.StatusOK, map[string]any{"status": "published", "state": result.Gate.State})
	case OutcomeNoop:
		writeJSON(w, http.StatusOK, map[string]string{"status": "noop"})
	case OutcomeConflict:
		writeJSON(w, http.StatusConflict, map[string]any{"error": "gate already resolved", "state": result.Gate.State})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) checkCSRF(r *http.Request) bool {
	return r.Header.Get("X-Requested-With") != ""
}

func (h *Handler) checkApprover(approver string) bool {
	if len(h.approverAllowlist) == 0 {
		return true
	}
	return slices.Contains(h.approverAllowlist, approver)
}

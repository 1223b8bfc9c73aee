package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/agents"
	"github.com/torii-ai/sekisho/internal/auth"
	"github.com/torii-ai/sekisho/internal/governance"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/packets"
	"github.com/torii-ai/sekisho/internal/playbooks"
	"github.com/torii-ai/sekisho/internal/retrieval"
	"github.com/torii-ai/sekisho/internal/storage"
)

// Handlers carries the dependencies every endpoint needs.
type Handlers struct {
	db        *storage.DB
	jwtMgr    *auth.JWTManager
	orch      *agents.Orchestrator
	packets   *packets.Builder
	approvals *governance.Approvals
	rollback  *governance.Rollback
	retriever *retrieval.Retriever
	indexer   *retrieval.Indexer
	miner     *playbooks.Miner
	index     *retrieval.QdrantIndex
	logger    *slog.Logger
}

// HandleToken exchanges an operator API key for a short-lived JWT.
func (h *Handlers) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
		APIKey   string `json:"api_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Operator == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "operator and api_key are required")
		return
	}

	op, err := h.db.GetOperator(r.Context(), req.Operator)
	if errors.Is(err, storage.ErrNotFound) {
		// Burn the same hashing cost as a real check so timing does not
		// reveal which operator names exist.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	ok, err := auth.VerifyOperatorKey(req.APIKey, op.KeyHash)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(op.ID, op.Name)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp.Format(time.RFC3339),
	})
}

// HandleCreateCase creates a case and runs it to completion. The run is
// synchronous: the deterministic pipeline finishes well inside the request
// timeout, and callers get the final state in one round trip.
func (h *Handlers) HandleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaseType string         `json:"case_type"`
		Scope    map[string]any `json:"scope"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.CaseType == "" {
		req.CaseType = model.CaseTypeAirportDisruption
	}
	if airport, _ := req.Scope["airport"].(string); airport == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "scope.airport is required")
		return
	}

	c, err := h.db.CreateCase(r.Context(), req.CaseType, req.Scope)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	result, err := h.orch.Run(r.Context(), c.ID)
	if err != nil {
		h.logger.Error("case run failed", "case_id", c.ID, "error", err)
		writeJSON(w, r, http.StatusCreated, map[string]any{
			"case":  c,
			"error": "run failed; case is blocked, see trace",
		})
		return
	}

	c, err = h.db.GetCase(r.Context(), c.ID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	// Index the finished case so future runs can retrieve it. Best effort;
	// the outbox replays Qdrant, and a reindex fixes pgvector.
	if h.indexer != nil {
		if err := h.indexer.IndexCase(r.Context(), c.ID); err != nil {
			h.logger.Warn("case indexing failed", "case_id", c.ID, "error", err)
		}
	}
	if h.miner != nil && result.Completion == agents.CompleteResolved {
		if _, err := h.miner.Mine(r.Context(), c.ID); err != nil {
			h.logger.Warn("playbook mining failed", "case_id", c.ID, "error", err)
		}
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{
		"case":        c,
		"final_state": result.FinalState,
		"completion":  result.Completion,
		"actions":     result.Actions,
	})
}

// HandleStreamCase runs a case while streaming orchestration progress as
// server-sent events: one state_transition frame per machine step, then a
// terminal completed or error frame, after which the stream closes.
func (h *Handlers) HandleStreamCase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.db.GetCase(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "case not found")
			return
		}
		h.internalError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range h.orch.RunStreaming(r.Context(), id) {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("progress event marshal failed",
				"case_id", id, "type", ev.Type, "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
}

func (h *Handlers) HandleGetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.db.GetCase(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "case not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

func (h *Handlers) HandleListCases(w http.ResponseWriter, r *http.Request) {
	var status *model.CaseStatus
	if s := r.URL.Query().Get("status"); s != "" {
		cs := model.CaseStatus(s)
		status = &cs
	}
	cases, err := h.db.ListCases(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"cases": cases})
}

func (h *Handlers) HandleCasePacket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	packet, err := h.packets.Build(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "case not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, packet)
}

func (h *Handlers) HandleCaseTrace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.db.CaseTrace(r.Context(), id)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"events": events})
}

func (h *Handlers) HandleApproveAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	claims := ClaimsFromContext(r.Context())
	action, err := h.approvals.Approve(r.Context(), id, claims.Operator, true)
	if err != nil {
		h.governanceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, action)
}

func (h *Handlers) HandleRejectAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	claims := ClaimsFromContext(r.Context())
	action, err := h.approvals.Reject(r.Context(), id, claims.Operator, req.Reason)
	if err != nil {
		h.governanceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, action)
}

func (h *Handlers) HandleRollbackAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	claims := ClaimsFromContext(r.Context())
	action, err := h.rollback.Execute(r.Context(), id, claims.Operator, req.Reason)
	if err != nil {
		h.governanceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, action)
}

func (h *Handlers) HandleListActions(w http.ResponseWriter, r *http.Request) {
	state := model.ActionPendingApproval
	if s := r.URL.Query().Get("state"); s != "" {
		state = model.ActionState(s)
	}
	actions, err := h.db.ListActionsByState(r.Context(), state, queryLimit(r, 50))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"actions": actions})
}

func (h *Handlers) HandleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	caseType := r.URL.Query().Get("case_type")
	if caseType == "" {
		caseType = model.CaseTypeAirportDisruption
	}
	playbooks, err := h.db.PlaybooksByCaseType(r.Context(), caseType, queryLimit(r, 50))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"playbooks": playbooks})
}

// HandleSearch runs hybrid retrieval over indexed cases.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "search is not configured")
		return
	}
	var req struct {
		Query  string     `json:"query"`
		CaseID *uuid.UUID `json:"case_id,omitempty"`
		Limit  int        `json:"limit,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "query is required")
		return
	}

	results, err := h.retriever.Search(r.Context(), req.Query, req.CaseID, req.Limit)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"results": results})
}

// HandleHealth reports database connectivity and, when a vector mirror is
// configured, its reachability. The mirror being down degrades the report
// without failing it: Postgres alone can serve every query.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	code := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["database"] = "ok"
	}

	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err != nil {
			status["qdrant"] = "unreachable"
		} else {
			status["qdrant"] = "ok"
		}
	}

	writeJSON(w, r, code, status)
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed",
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
		"error", err,
	)
	writeError(w, r, http.StatusInternalServerError, "internal", "internal server error")
}

// governanceError maps action lifecycle failures onto HTTP statuses:
// unknown action is 404, an illegal transition is 409, anything else 500.
func (h *Handlers) governanceError(w http.ResponseWriter, r *http.Request, err error) {
	var transitionErr *governance.TransitionError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "action not found")
	case errors.As(err, &transitionErr):
		writeError(w, r, http.StatusConflict, "invalid_transition", transitionErr.Error())
	default:
		h.internalError(w, r, err)
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request, fallback int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return fallback
}

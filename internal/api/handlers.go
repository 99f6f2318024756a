package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/quotegate/internal/grade"
	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/internal/pack"
	"github.com/davidahmann/quotegate/internal/review"
	"github.com/davidahmann/quotegate/internal/workflow"
	"github.com/davidahmann/quotegate/pkg/types"
)

type Handler struct {
	Engine  *workflow.Engine
	Reviews *review.Gateway
	// Pool is reported by /healthz and /v1/stats when set.
	Pool *workflow.Pool
	// BaseURL is used for links in audit packs; the request host is used when empty.
	BaseURL string
	Now     func() time.Time
}

type SubmitRequest struct {
	Submission types.Submission `json:"submission"`
	UseAgentic *bool            `json:"use_agentic,omitempty"`
}

type AnswerRequest struct {
	Answers map[string]any `json:"answers"`
}

// QuoteResponse is the caller-facing view of a run.
type QuoteResponse struct {
	RequestID         string           `json:"request_id"`
	RunID             string           `json:"run_id"`
	Status            types.RunStatus  `json:"status"`
	NextAction        NextAction       `json:"next_action"`
	Replayed          bool             `json:"replayed,omitempty"`
	Decision          *types.Decision  `json:"decision,omitempty"`
	Premium           *types.Premium   `json:"premium,omitempty"`
	RequiredQuestions []types.Question `json:"required_questions,omitempty"`
	RetryCount        int              `json:"retry_count"`
	Review            *review.Status   `json:"review,omitempty"`
	Error             *types.RunError  `json:"error,omitempty"`
}

func (h *Handler) quote(r *http.Request, run types.RunRecord) QuoteResponse {
	resp := QuoteResponse{
		RequestID:  requestID(r),
		RunID:      run.RunID,
		Status:     run.Status,
		NextAction: DetermineNextAction(run),
		Decision:   run.Decision,
		Premium:    run.State.Premium,
		RetryCount: run.RetryCount,
		Error:      run.Error,
	}
	if run.Status == types.RunPausedMissingInfo {
		resp.RequiredQuestions = run.State.Questions
	}
	if run.Status == types.RunPausedReview && h.Reviews != nil {
		if st, err := h.Reviews.Status(r.Context(), run.RunID); err == nil {
			resp.Review = &st
		}
	}
	return resp
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid json", nil)
		return
	}
	agentic := true
	if req.UseAgentic != nil {
		agentic = *req.UseAgentic
	}

	res, err := h.Engine.Submit(r.Context(), workflow.SubmitRequest{
		Submission:     req.Submission,
		Agentic:        agentic,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := h.quote(r, res.Run)
	resp.Replayed = res.Replayed
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid json", nil)
		return
	}
	if len(req.Answers) == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "answers are required", nil)
		return
	}
	run, err := h.Engine.Answer(r.Context(), chi.URLParam(r, "run_id"), req.Answers)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.quote(r, run))
}

func (h *Handler) ReviewStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Reviews.Status(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID(r), "review": st})
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req review.Approval
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid json", nil)
		return
	}
	res, err := h.Reviews.Approve(r.Context(), chi.URLParam(r, "run_id"), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID(r), "result": res})
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.RunFilter{Status: types.RunStatus(q.Get("status"))}
	if raw := q.Get("outcome"); raw != "" {
		outcome, ok := types.ParseOutcome(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "unknown outcome", map[string]string{"outcome": raw})
			return
		}
		filter.Outcome = outcome
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	runs, err := h.Engine.Store().ListRuns(r.Context(), filter, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID(r), "runs": runs})
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Engine.Get(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":  requestID(r),
		"run":         run.Summary(),
		"next_action": DetermineNextAction(run),
	})
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	run, err := h.Engine.Get(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := map[string]any{
		"request_id":  requestID(r),
		"run_id":      run.RunID,
		"status":      run.Status,
		"entries":     run.Log,
		"chain_valid": true,
		"grade":       grade.Evaluate(run),
	}
	if err := ledger.VerifyChain(run.Log); err != nil {
		resp["chain_valid"] = false
		resp["chain_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Pack(w http.ResponseWriter, r *http.Request) {
	run, err := h.Engine.Get(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	policyBytes := h.Engine.Policies().Current().Bytes
	if rec, ok := h.Engine.Store().GetPolicyVersion(r.Context(), run.PolicyHash); ok {
		policyBytes = []byte(rec.PolicyYAML)
	}

	zipBytes, err := pack.BuildZip(pack.Input{
		Run:       run,
		Policy:    policyBytes,
		CreatedAt: types.FormatTime(h.now()),
	}, h.baseURL(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=quotegate-"+run.RunID+".zip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(zipBytes)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.Store().Stats(r.Context(), h.now())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := map[string]any{"request_id": requestID(r), "stats": stats}
	if h.Pool != nil {
		resp["queue"] = h.Pool.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Overdue(w http.ResponseWriter, r *http.Request) {
	list, err := h.Reviews.Overdue(r.Context(), h.now())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID(r), "reviews": list})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pool != nil && !h.Pool.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"policy_hash": h.Engine.Policies().Current().Hash,
	})
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.BaseURL != "" {
		return h.BaseURL
	}
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

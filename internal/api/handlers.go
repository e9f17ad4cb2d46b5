package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"trading-riskengine/internal/execution"
	"trading-riskengine/internal/model"
	"trading-riskengine/internal/risk"

	"github.com/gorilla/mux"
)

const (
	maxBodyBytes     = 64 << 10
	defaultViolLimit = 50
	maxViolLimit     = 500
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse wraps successful replies.
type SuccessResponse struct {
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type handlers struct {
	deps Dependencies
}

func (h *handlers) getRiskProfile(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	p, ok := h.deps.Profiles.Profile(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "Risk profile not found", "")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Data: p})
}

func (h *handlers) updateRiskProfile(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	var p model.RiskProfile
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	err := h.deps.Profiles.Update(r.Context(), userID, p)
	var verr *risk.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, SuccessResponse{Message: "Risk profile updated", Data: p})
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "Invalid risk parameters", strings.Join(verr.Rules, "; "))
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found", "")
	default:
		log.Printf("[api] update risk profile for %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to update risk profile", "")
	}
}

func (h *handlers) riskMetrics(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	m, _, err := h.deps.Metrics.Compute(r.Context(), userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, SuccessResponse{Data: m})
	case errors.Is(err, risk.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "Risk profile not found", "")
	default:
		log.Printf("[api] risk metrics for %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to compute risk metrics", "")
	}
}

func (h *handlers) violations(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	limit := defaultViolLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "")
			return
		}
		limit = min(n, maxViolLimit)
	}

	list, err := h.deps.Violations.RecentViolations(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[api] violations for %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to load violations", "")
		return
	}
	if list == nil {
		list = []model.RiskViolation{}
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Data: list})
}

func (h *handlers) executeSignal(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, signalID := vars["userId"], vars["signalId"]

	res, err := h.deps.Signals.Execute(r.Context(), userID, signalID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, SuccessResponse{Message: "Signal executed", Data: res})
	case errors.Is(err, execution.ErrRiskRejected):
		writeError(w, http.StatusUnprocessableEntity, "Rejected by risk limits", res.Decision.Reason)
	case errors.Is(err, execution.ErrSignalNotExecutable):
		writeError(w, http.StatusConflict, "Signal is not executable", string(res.Signal.Status))
	case errors.Is(err, execution.ErrMarketClosed):
		writeError(w, http.StatusConflict, "Market is closed", "")
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "Signal not found", "")
	case errors.Is(err, risk.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "Risk profile not found", "")
	default:
		log.Printf("[api] execute signal %s for %s: %v", signalID, userID, err)
		writeError(w, http.StatusBadGateway, "Failed to execute signal", "")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg, details string) {
	writeJSON(w, code, ErrorResponse{Error: msg, Details: details})
}

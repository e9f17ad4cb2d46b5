// Package api exposes the engine over HTTP: the notification websocket,
// risk profile and metrics endpoints, violation history and manual
// signal execution.
package api

import (
	"context"
	"net/http"

	"trading-riskengine/internal/execution"
	"trading-riskengine/internal/gateway"
	"trading-riskengine/internal/model"
	"trading-riskengine/internal/risk"

	"github.com/gorilla/mux"
)

// ProfileService reads and replaces cached risk profiles.
type ProfileService interface {
	Profile(userID string) (model.RiskProfile, bool)
	Update(ctx context.Context, userID string, p model.RiskProfile) error
}

// MetricsService computes a user's live risk metrics.
type MetricsService interface {
	Compute(ctx context.Context, userID string) (model.RiskMetrics, *risk.Calculator, error)
}

// ViolationReader lists recorded violations.
type ViolationReader interface {
	RecentViolations(ctx context.Context, userID string, limit int) ([]model.RiskViolation, error)
}

// SignalExecutor executes a stored trading signal.
type SignalExecutor interface {
	Execute(ctx context.Context, userID, signalID string) (execution.Result, error)
}

// Dependencies holds everything the handlers call. Nil services leave
// their routes unregistered.
type Dependencies struct {
	Hub        *gateway.Hub
	Auth       gateway.Authenticator
	Profiles   ProfileService
	Metrics    MetricsService
	Violations ViolationReader
	Signals    SignalExecutor
	Health     http.Handler
}

// NewRouter builds the HTTP routes:
//
//	GET  /ws?token=...                                     websocket notifications
//	GET  /api/v1/health                                    liveness
//	GET  /api/v1/users/{userId}/risk-profile
//	PUT  /api/v1/users/{userId}/risk-profile
//	GET  /api/v1/users/{userId}/risk-metrics
//	GET  /api/v1/users/{userId}/violations?limit=N
//	POST /api/v1/users/{userId}/signals/{signalId}/execute
//
// User routes require a bearer token for the same user.
func NewRouter(deps Dependencies) *mux.Router {
	router := mux.NewRouter()
	router.Use(Recovery)
	router.Use(Logging)

	if deps.Hub != nil {
		router.HandleFunc("/ws", deps.Hub.ServeWS).Methods(http.MethodGet)
	}
	if deps.Health != nil {
		router.Handle("/api/v1/health", deps.Health).Methods(http.MethodGet)
	}
	if deps.Auth == nil {
		return router
	}

	h := &handlers{deps: deps}
	users := router.PathPrefix("/api/v1/users/{userId}").Subrouter()
	users.Use(gateway.Middleware(deps.Auth))
	users.Use(RequireSameUser)

	if deps.Profiles != nil {
		users.HandleFunc("/risk-profile", h.getRiskProfile).Methods(http.MethodGet)
		users.HandleFunc("/risk-profile", h.updateRiskProfile).Methods(http.MethodPut)
	}
	if deps.Metrics != nil {
		users.HandleFunc("/risk-metrics", h.riskMetrics).Methods(http.MethodGet)
	}
	if deps.Violations != nil {
		users.HandleFunc("/violations", h.violations).Methods(http.MethodGet)
	}
	if deps.Signals != nil {
		users.HandleFunc("/signals/{signalId}/execute", h.executeSignal).Methods(http.MethodPost)
	}

	return router
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trading-riskengine/internal/execution"
	"trading-riskengine/internal/gateway"
	"trading-riskengine/internal/model"
	"trading-riskengine/internal/risk"
	"trading-riskengine/internal/store/memory"

	"github.com/shopspring/decimal"
)

const testSecret = "router-test-secret-with-32-plus-chars"

func validProfile() model.RiskProfile {
	return model.RiskProfile{
		TotalCapital:             decimal.NewFromInt(200000),
		IntradayAllocation:       decimal.NewFromInt(100000),
		LeverageMultiple:         decimal.NewFromInt(5),
		MaxSimultaneousPositions: 5,
		RiskPerTrade:             decimal.RequireFromString("0.5"),
		MaxDailyDrawdown:         decimal.RequireFromString("1.25"),
		TrailingStopLoss:         decimal.RequireFromString("0.5"),
	}
}

type fakeMetrics struct{}

func (fakeMetrics) Compute(ctx context.Context, userID string) (model.RiskMetrics, *risk.Calculator, error) {
	if userID != "u1" {
		return model.RiskMetrics{}, nil, fmt.Errorf("risk: user %s: %w", userID, risk.ErrProfileNotFound)
	}
	return model.RiskMetrics{PositionsCount: 2, RiskUtilization: decimal.NewFromInt(40)}, nil, nil
}

type fakeExecutor struct {
	calls []string
}

func (f *fakeExecutor) Execute(ctx context.Context, userID, signalID string) (execution.Result, error) {
	f.calls = append(f.calls, userID+"/"+signalID)
	switch signalID {
	case "sig_ok":
		return execution.Result{Order: model.OrderResponse{OrderID: "PAPER-1", Status: model.OrderComplete}}, nil
	case "sig_risk":
		res := execution.Result{Decision: risk.Decision{Reason: risk.ReasonPositionLimit}}
		return res, fmt.Errorf("execute: %w", execution.ErrRiskRejected)
	case "sig_done":
		res := execution.Result{Signal: model.TradingSignal{Status: model.SignalExecuted}}
		return res, fmt.Errorf("execute: %w", execution.ErrSignalNotExecutable)
	default:
		return execution.Result{}, fmt.Errorf("execute: %w", model.ErrNotFound)
	}
}

type fixture struct {
	router http.Handler
	store  *memory.Store
	cache  *risk.Cache
	exec   *fakeExecutor
	tokens map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	p := validProfile()
	st.AddUser("u1", &p)
	st.AddUser("u2", nil)
	st.InsertViolation(context.Background(), model.RiskViolation{
		ID: "vio_1", UserID: "u1", Type: model.ViolationHighUtilization,
		CreatedAt: time.Date(2026, 2, 26, 11, 0, 0, 0, time.UTC),
	})

	cache := risk.NewCache(st)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	auth, err := gateway.NewJWTAuth(testSecret, st)
	if err != nil {
		t.Fatal(err)
	}
	tokens := map[string]string{}
	for _, id := range []string{"u1", "u2"} {
		tokens[id], _ = auth.IssueToken(id, time.Hour)
	}

	exec := &fakeExecutor{}
	router := NewRouter(Dependencies{
		Auth:       auth,
		Profiles:   cache,
		Metrics:    fakeMetrics{},
		Violations: st,
		Signals:    exec,
		Health: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"healthy"}`))
		}),
	})
	return &fixture{router: router, store: st, cache: cache, exec: exec, tokens: tokens}
}

func (f *fixture) do(method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[user])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Auth(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		user string
		path string
		code int
	}{
		{name: "no token", path: "/api/v1/users/u1/risk-metrics", code: http.StatusUnauthorized},
		{name: "other user's data", user: "u2", path: "/api/v1/users/u1/risk-metrics", code: http.StatusForbidden},
		{name: "own data", user: "u1", path: "/api/v1/users/u1/risk-metrics", code: http.StatusOK},
		{name: "health is public", path: "/api/v1/health", code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, tt.path, tt.user, "")
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
		})
	}
}

func TestRouter_UpdateRiskProfile(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		body    string
		code    int
		details string
	}{
		{
			name: "valid update",
			user: "u1",
			body: `{"totalCapital":300000,"intradayAllocation":150000,"leverageMultiple":4,
				"maxSimultaneousPositions":3,"riskPerTrade":1,"maxDailyDrawdown":2,"trailingStopLoss":0.75}`,
			code: http.StatusOK,
		},
		{
			name: "allocation above capital",
			user: "u1",
			body: `{"totalCapital":50000,"intradayAllocation":60000,"leverageMultiple":4,
				"maxSimultaneousPositions":3,"riskPerTrade":1,"maxDailyDrawdown":2,"trailingStopLoss":0.75}`,
			code:    http.StatusBadRequest,
			details: "cannot exceed total capital",
		},
		{name: "malformed body", user: "u1", body: `{"totalCapital":`, code: http.StatusBadRequest},
		{name: "unknown field", user: "u1", body: `{"capital":1}`, code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodPut, "/api/v1/users/u1/risk-profile", tt.user, tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
			if tt.details != "" && !strings.Contains(rec.Body.String(), tt.details) {
				t.Errorf("body = %s, want details mentioning %q", rec.Body.String(), tt.details)
			}

			p, _ := f.cache.Profile("u1")
			if tt.code == http.StatusOK {
				if !p.TotalCapital.Equal(decimal.NewFromInt(300000)) {
					t.Errorf("cached capital = %s after update", p.TotalCapital)
				}
			} else if !p.TotalCapital.Equal(decimal.NewFromInt(200000)) {
				t.Errorf("failed update changed the cache: %s", p.TotalCapital)
			}
		})
	}
}

func TestRouter_GetRiskProfile(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/users/u1/risk-profile", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct{ Data model.RiskProfile }
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Data.MaxSimultaneousPositions != 5 {
		t.Errorf("profile = %+v", body.Data)
	}

	if rec := f.do(http.MethodGet, "/api/v1/users/u2/risk-profile", "u2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("user without profile: status = %d, want 404", rec.Code)
	}
}

func TestRouter_RiskMetricsMissingProfile(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodGet, "/api/v1/users/u2/risk-metrics", "u2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouter_Violations(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/users/u1/violations?limit=10", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct{ Data []model.RiskViolation }
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Data) != 1 || body.Data[0].Type != model.ViolationHighUtilization {
		t.Errorf("violations = %+v", body.Data)
	}

	if rec := f.do(http.MethodGet, "/api/v1/users/u1/violations?limit=-1", "u1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit: status = %d, want 400", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/v1/users/u2/violations", "u2", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("empty history = %d %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_ExecuteSignal(t *testing.T) {
	tests := []struct {
		signal string
		code   int
		body   string
	}{
		{signal: "sig_ok", code: http.StatusOK, body: "PAPER-1"},
		{signal: "sig_risk", code: http.StatusUnprocessableEntity, body: risk.ReasonPositionLimit},
		{signal: "sig_done", code: http.StatusConflict, body: "executed"},
		{signal: "sig_missing", code: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.signal, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodPost, "/api/v1/users/u1/signals/"+tt.signal+"/execute", "u1", "")
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("body = %s, want it to contain %q", rec.Body.String(), tt.body)
			}
			if len(f.exec.calls) != 1 || f.exec.calls[0] != "u1/"+tt.signal {
				t.Errorf("executor calls = %v", f.exec.calls)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

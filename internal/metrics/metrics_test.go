package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew_RegistersOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Violations.WithLabelValues("MARGIN_DEFICIT").Inc()
	m.JobRuns.WithLabelValues("monitor", "ok").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "riskengine_violations_total" {
			found = true
		}
	}
	if !found {
		t.Error("riskengine_violations_total not registered")
	}
}

func TestHealthStatus_Overall(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *HealthStatus)
		status string
		code   int
	}{
		{"healthy", func(h *HealthStatus) { h.DatabaseOK = true; h.SchedulerOK = true }, "healthy", http.StatusOK},
		{"database down", func(h *HealthStatus) { h.SchedulerOK = true }, "unhealthy", http.StatusServiceUnavailable},
		{"redis down", func(h *HealthStatus) {
			h.DatabaseOK, h.SchedulerOK, h.RedisEnabled = true, true, true
		}, "degraded", http.StatusOK},
		{"journal down", func(h *HealthStatus) {
			h.DatabaseOK, h.SchedulerOK, h.JournalOK = true, true, false
		}, "degraded", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthStatus()
			h.SessionCount = func() int { return 3 }
			tt.setup(h)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
			var body struct {
				Status     string `json:"status"`
				WSSessions int    `json:"ws_sessions"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.status || body.WSSessions != 3 {
				t.Errorf("body = %+v, want status %s", body, tt.status)
			}
		})
	}
}

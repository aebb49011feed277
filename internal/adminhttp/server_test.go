package adminhttp_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetgrid/telemetry-gateway/internal/adminhttp"
	"github.com/fleetgrid/telemetry-gateway/internal/config"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/admission"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/dispatcher"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/registry"
)

func TestHealthzReturnsOK(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	s := adminhttp.New(dispatcher.New(reg), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSendCommandDeviceNotConnectedReturns404(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	s := adminhttp.New(dispatcher.New(reg), nil, nil, nil)

	body, _ := json.Marshal(map[string]string{"imei": "490154203237518", "command": "getparam"})
	req := httptest.NewRequest(http.MethodPost, "/admin/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["outcome"] != "device_not_connected" {
		t.Errorf("expected outcome device_not_connected, got %q", resp["outcome"])
	}
}

func TestSendCommandRejectsMissingFields(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	s := adminhttp.New(dispatcher.New(reg), nil, nil, nil)

	body, _ := json.Marshal(map[string]string{"imei": ""})
	req := httptest.NewRequest(http.MethodPost, "/admin/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSendCommandRejectsNonPost(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	s := adminhttp.New(dispatcher.New(reg), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/admin/commands", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestSendCommandRejectsInvalidTimeout(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	s := adminhttp.New(dispatcher.New(reg), nil, nil, nil)

	body, _ := json.Marshal(map[string]string{"imei": "490154203237518", "command": "x", "timeout": "not-a-duration"})
	req := httptest.NewRequest(http.MethodPost, "/admin/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAllowListAddAndRemove(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	list := (config.AllowList{Enabled: true}).Set()
	s := adminhttp.New(dispatcher.New(reg), nil, list, nil)

	body, _ := json.Marshal(map[string]string{"imei": "490154203237518", "action": "add"})
	req := httptest.NewRequest(http.MethodPost, "/admin/allowlist", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !list.Contains("490154203237518") {
		t.Fatalf("expected imei to be added to allow list")
	}

	body, _ = json.Marshal(map[string]string{"imei": "490154203237518", "action": "remove"})
	req = httptest.NewRequest(http.MethodPost, "/admin/allowlist", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if list.Contains("490154203237518") {
		t.Fatalf("expected imei to be removed from allow list")
	}
}

func TestAllowListDisabledReturns404(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	s := adminhttp.New(dispatcher.New(reg), nil, nil, nil)

	body, _ := json.Marshal(map[string]string{"imei": "490154203237518", "action": "add"})
	req := httptest.NewRequest(http.MethodPost, "/admin/allowlist", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdmissionConfigUpdatesController(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	adm := admission.New(admission.Config{Window: time.Minute, Attempts: 5, BanDuration: time.Minute})
	s := adminhttp.New(dispatcher.New(reg), adm, nil, nil)

	body, _ := json.Marshal(map[string]any{
		"window":                  "30s",
		"attempts":                10,
		"ban_duration":            "2m",
		"max_sessions_per_source": 3,
	})
	req := httptest.NewRequest(http.MethodPost, "/admin/admission", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got := adm.Snapshot()
	if got.Attempts != 10 || got.MaxSessionsPerSource != 3 || got.Window != 30*time.Second {
		t.Fatalf("admission config was not updated: %+v", got)
	}
}

func TestAdmissionConfigUpdatesSourceAllowList(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	adm := admission.New(admission.Config{Window: time.Minute, Attempts: 5, BanDuration: time.Minute})
	s := adminhttp.New(dispatcher.New(reg), adm, nil, nil)

	body, _ := json.Marshal(map[string]any{
		"window":                  "1m",
		"attempts":                5,
		"ban_duration":            "1m",
		"source_allow_enabled":    true,
		"source_allow_list":       []string{"10.0.0.1", "10.0.0.2"},
		"max_sessions_per_source": 0,
	})
	req := httptest.NewRequest(http.MethodPost, "/admin/admission", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if allow, deny := adm.EvaluateOpen("10.0.0.1"), adm.EvaluateOpen("10.0.0.9"); allow != admission.Allow || deny == admission.Allow {
		t.Fatalf("expected source allow list to be enforced, got allow=%v deny=%v", allow, deny)
	}
}

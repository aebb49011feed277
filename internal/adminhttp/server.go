// Package adminhttp is the gateway's minimal operator-facing HTTP
// surface: liveness, a manual command-send endpoint standing in for the
// administrative channel alongside MQTT, and a narrow hot-reload path
// for the allow list and admission thresholds. There is deliberately no
// auth and no dashboard UI here.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetgrid/telemetry-gateway/internal/config"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/admission"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/dispatcher"
)

const readTimeout = 3 * time.Second

// Server is the admin HTTP surface.
type Server struct {
	disp      *dispatcher.Dispatcher
	adm       *admission.Controller
	allowlist *config.AllowListSet
	log       *slog.Logger
}

// New builds an admin Server backed by disp for command dispatch, adm
// for admission policy updates, and allowlist for IMEI membership
// changes. adm and allowlist may be nil, disabling those endpoints.
func New(disp *dispatcher.Dispatcher, adm *admission.Controller, allowlist *config.AllowListSet, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{disp: disp, adm: adm, allowlist: allowlist, log: log}
}

type sendCommandRequest struct {
	IMEI    string `json:"imei"`
	Command string `json:"command"`
	Timeout string `json:"timeout,omitempty"`
}

type sendCommandResponse struct {
	Outcome string `json:"outcome"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
}

const defaultCommandTimeout = 10 * time.Second

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IMEI == "" || req.Command == "" {
		writeJSONError(w, http.StatusBadRequest, "imei and command are required")
		return
	}

	timeout := defaultCommandTimeout
	if req.Timeout != "" {
		parsed, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	result := s.disp.Send(ctx, req.IMEI, req.Command, timeout)

	resp := sendCommandResponse{Outcome: result.Outcome.String()}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	} else {
		resp.Text = result.Response.Text
	}

	status := http.StatusOK
	switch result.Outcome.String() {
	case "device_not_connected":
		status = http.StatusNotFound
	case "timed_out", "write_failed", "session_gone":
		status = http.StatusGatewayTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

type allowListRequest struct {
	IMEI   string `json:"imei"`
	Action string `json:"action"`
}

// handleAllowList lets an operator add or remove an IMEI from the
// runtime IMEI allow list checked at handshake, without restarting the
// gateway.
func (s *Server) handleAllowList(w http.ResponseWriter, r *http.Request) {
	if s.allowlist == nil {
		writeJSONError(w, http.StatusNotFound, "allow list is not configured")
		return
	}
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req allowListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IMEI == "" {
		writeJSONError(w, http.StatusBadRequest, "imei is required")
		return
	}
	switch req.Action {
	case "add":
		s.allowlist.Add(req.IMEI)
	case "remove":
		s.allowlist.Remove(req.IMEI)
	default:
		writeJSONError(w, http.StatusBadRequest, "action must be add or remove")
		return
	}
	s.log.Info("allow list updated", "imei", req.IMEI, "action", req.Action)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type admissionConfigRequest struct {
	Window               string   `json:"window"`
	Attempts             int      `json:"attempts"`
	BanDuration          string   `json:"ban_duration"`
	MaxSessionsPerSource int      `json:"max_sessions_per_source"`
	SourceAllowEnabled   bool     `json:"source_allow_enabled"`
	SourceAllowList      []string `json:"source_allow_list"`
}

// handleAdmissionConfig replaces the admission controller's rate-limit,
// soft-ban, and source allow-list thresholds in place through the
// controller's Snapshot/Update pair.
func (s *Server) handleAdmissionConfig(w http.ResponseWriter, r *http.Request) {
	if s.adm == nil {
		writeJSONError(w, http.StatusNotFound, "admission controller is not configured")
		return
	}
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req admissionConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	window, err := time.ParseDuration(req.Window)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid window")
		return
	}
	banDuration, err := time.ParseDuration(req.BanDuration)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid ban_duration")
		return
	}
	var allowedSources map[string]struct{}
	if req.SourceAllowEnabled && len(req.SourceAllowList) > 0 {
		allowedSources = make(map[string]struct{}, len(req.SourceAllowList))
		for _, host := range req.SourceAllowList {
			allowedSources[host] = struct{}{}
		}
	}

	next := s.adm.Snapshot()
	next.Window = window
	next.Attempts = req.Attempts
	next.BanDuration = banDuration
	next.MaxSessionsPerSource = req.MaxSessionsPerSource
	next.AllowedSources = allowedSources
	s.adm.Update(next)
	s.log.Info("admission config updated", "window", window, "attempts", req.Attempts, "ban_duration", banDuration, "source_allow_enabled", req.SourceAllowEnabled)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Handler returns the admin mux, exposed for tests and for embedding
// behind an external reverse proxy.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/admin/commands", s.handleSendCommand)
	mux.HandleFunc("/admin/allowlist", s.handleAllowList)
	mux.HandleFunc("/admin/admission", s.handleAdmissionConfig)
	return mux
}

// Run blocks serving the admin endpoints until ctx is canceled,
// returning nil on a clean shutdown. A disabled config is a no-op.
func Run(ctx context.Context, cfg config.Admin, disp *dispatcher.Dispatcher, adm *admission.Controller, allowlist *config.AllowListSet, log *slog.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	s := New(disp, adm, allowlist, log)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), readTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("admin server listening", "address", server.Addr)
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"dialcore/internal/auth"
	"dialcore/internal/calls"
	"dialcore/internal/config"
	"dialcore/internal/dialer"
	"dialcore/internal/ws"
)

// Server is the control HTTP surface. Campaign and lead CRUD belong to the
// platform's admin service; this surface only drives the engine.
type Server struct {
	cfg      *config.Config
	manager  *dialer.Manager
	store    dialer.CallStore
	hub      *ws.Hub
	verifier *auth.Verifier

	httpSrv *http.Server
}

func NewServer(cfg *config.Config, manager *dialer.Manager, store dialer.CallStore, hub *ws.Hub) *Server {
	return &Server{
		cfg:      cfg,
		manager:  manager,
		store:    store,
		hub:      hub,
		verifier: auth.NewVerifier(cfg.API.AuthSecret),
	}
}

// Handler builds the full route table with auth, CORS and panic recovery
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/v1/campaigns/start", s.handleCampaignStart)
	protected.HandleFunc("POST /api/v1/campaigns/stop", s.handleCampaignStop)
	protected.HandleFunc("GET /api/v1/campaigns/active", s.handleCampaignsActive)
	protected.HandleFunc("GET /api/v1/campaigns/{id}/status", s.handleCampaignStatus)
	protected.HandleFunc("GET /api/v1/campaigns/{id}/calls", s.handleCampaignCalls)

	protected.HandleFunc("POST /api/v1/preview/request", s.handlePreviewRequest)
	protected.HandleFunc("POST /api/v1/preview/accept", s.handlePreviewAccept)
	protected.HandleFunc("POST /api/v1/preview/reject", s.handlePreviewReject)
	protected.HandleFunc("POST /api/v1/preview/skip", s.handlePreviewSkip)

	protected.HandleFunc("GET /api/v1/calls/active", s.handleCallsActive)
	protected.HandleFunc("GET /api/v1/calls/{id}", s.handleCallGet)

	protected.HandleFunc("POST /api/v1/agents/status", s.handleAgentStatus)
	protected.HandleFunc("GET /api/v1/agents/available", s.handleAgentsAvailable)
	protected.HandleFunc("GET /api/v1/agents/{id}/status", s.handleAgentGet)

	protected.HandleFunc("GET /api/v1/ws", s.hub.Handler)

	mux.Handle("/api/v1/", s.verifier.Middleware(protected))
	return s.corsMiddleware(s.recoverMiddleware(mux))
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := s.cfg.API.Address()
	log.Printf("[API] Listening on %s", addr)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[API] Panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON wraps payloads in the success envelope.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"success": false, "error": msg}
	if details != nil {
		body["details"] = details
	}
	json.NewEncoder(w).Encode(body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"campaigns": len(s.manager.RunningCampaigns()),
		"lines":     s.manager.Lines().Active(),
		"wsClients": s.hub.ClientCount(),
	})
}

func (s *Server) handleCampaignStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CampaignID string `json:"campaignId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CampaignID == "" {
		writeError(w, http.StatusBadRequest, "campaignId is required", nil)
		return
	}

	if err := s.manager.StartCampaign(r.Context(), req.CampaignID); err != nil {
		status := http.StatusBadRequest
		// Loud on purpose: a non-active campaign or an unknown mode means the
		// caller and the catalog disagree about reality.
		if strings.Contains(err.Error(), "unsupported dial mode") ||
			strings.Contains(err.Error(), "is not active") {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaignId": req.CampaignID, "running": true})
}

func (s *Server) handleCampaignStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CampaignID string `json:"campaignId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CampaignID == "" {
		writeError(w, http.StatusBadRequest, "campaignId is required", nil)
		return
	}

	if err := s.manager.StopCampaign(req.CampaignID); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaignId": req.CampaignID, "running": false})
}

func (s *Server) handleCampaignsActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": s.manager.RunningCampaigns()})
}

func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.manager.CampaignMetrics(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleCampaignCalls(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.CampaignCalls(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading campaign calls failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": active})
}

type previewBody struct {
	CampaignID string `json:"campaignId"`
	AgentID    string `json:"agentId"`
	PreviewID  string `json:"previewId"`
	Reason     string `json:"reason"`
}

// previewDialer resolves the campaign's preview dialer or writes the error.
func (s *Server) previewDialer(w http.ResponseWriter, campaignID string) *dialer.PreviewDialer {
	if campaignID == "" {
		writeError(w, http.StatusBadRequest, "campaignId is required", nil)
		return nil
	}
	pd, err := s.manager.PreviewFor(campaignID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), nil)
		return nil
	}
	return pd
}

func (s *Server) handlePreviewRequest(w http.ResponseWriter, r *http.Request) {
	var req previewBody
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required", nil)
		return
	}
	pd := s.previewDialer(w, req.CampaignID)
	if pd == nil {
		return
	}

	preview, err := pd.RequestNextLead(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handlePreviewAccept(w http.ResponseWriter, r *http.Request) {
	var req previewBody
	if !decodeBody(w, r, &req) {
		return
	}
	pd := s.previewDialer(w, req.CampaignID)
	if pd == nil {
		return
	}

	preview, err := pd.Accept(r.Context(), req.PreviewID)
	if err != nil {
		writeError(w, previewErrStatus(err), err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handlePreviewReject(w http.ResponseWriter, r *http.Request) {
	var req previewBody
	if !decodeBody(w, r, &req) {
		return
	}
	pd := s.previewDialer(w, req.CampaignID)
	if pd == nil {
		return
	}

	preview, err := pd.Reject(r.Context(), req.PreviewID, req.Reason)
	if err != nil {
		writeError(w, previewErrStatus(err), err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handlePreviewSkip(w http.ResponseWriter, r *http.Request) {
	var req previewBody
	if !decodeBody(w, r, &req) {
		return
	}
	pd := s.previewDialer(w, req.CampaignID)
	if pd == nil {
		return
	}

	preview, err := pd.Skip(r.Context(), req.PreviewID)
	if err != nil {
		writeError(w, previewErrStatus(err), err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func previewErrStatus(err error) int {
	switch {
	case errors.Is(err, dialer.ErrAlreadySettled):
		return http.StatusConflict
	case errors.Is(err, dialer.ErrPreviewExpired):
		return http.StatusConflict
	case strings.Contains(err.Error(), "not found"):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleCallsActive(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.ActiveCalls(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading active calls failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": active})
}

func (s *Server) handleCallGet(w http.ResponseWriter, r *http.Request) {
	call, err := s.store.GetCall(r.Context(), r.PathValue("id"))
	if errors.Is(err, calls.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading call failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID       string `json:"agentId"`
		TenantID      string `json:"tenantId"`
		State         string `json:"state"`
		CurrentCallID string `json:"currentCallId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "agentId and tenantId are required", nil)
		return
	}
	if !calls.ValidAgentState(req.State) {
		writeError(w, http.StatusBadRequest, "invalid agent state", req.State)
		return
	}

	agent, err := s.store.UpdateAgentStatus(r.Context(), req.AgentID, req.TenantID, req.State, req.CurrentCallID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "updating agent failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentsAvailable(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenantId query parameter is required", nil)
		return
	}

	agents, err := s.store.GetAvailableAgents(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading agents failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, calls.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading agent failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

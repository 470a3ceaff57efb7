package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi"

	"github.com/nexus-hub/nexus-core/pkg/approval"
	"github.com/nexus-hub/nexus-core/pkg/eventbus"
	"github.com/nexus-hub/nexus-core/pkg/gateway"
	"github.com/nexus-hub/nexus-core/pkg/permission"
)

// hubRoutes is the management surface the GUI shell and the sidecar
// talk to, guarded by the shared gateway token.
func (s *Server) hubRoutes(r chi.Router) {
	r.Use(s.requireGatewayToken)

	r.Get("/status", s.handleStatus)

	r.Get("/approvals", s.handleApprovalsList)
	r.Post("/approvals/{id}", s.handleApprovalRespond)

	r.Get("/apikeys", s.handleAPIKeysList)
	r.Post("/apikeys", s.handleAPIKeyCreate)
	r.Delete("/apikeys/{id}", s.handleAPIKeyRemove)

	r.Get("/grants/{principal}", s.handleGrantsList)
	r.Post("/grants", s.handleGrantChange)

	r.Post("/plugins/{id}/install", s.handlePluginInstall)
	r.Post("/plugins/{id}/start", s.handlePluginStart)
	r.Post("/plugins/{id}/stop", s.handlePluginStop)
	r.Delete("/plugins/{id}", s.handlePluginRemove)
}

// pluginRoutes is the host API plugins themselves call, authenticated
// through the gateway's OAuth branch and gated per endpoint by the
// just-in-time permission layer.
func (s *Server) pluginRoutes(r chi.Router) {
	r.Use(s.gateway.Authenticate)

	r.With(s.jit.Require(permission.SystemInfo())).
		Get("/system/info", s.handleSystemInfo)
	r.With(s.jit.Require(permission.ProcessList())).
		Get("/process/list", s.handleProcessList)
	r.With(s.jit.Require(permission.McpCall())).
		Post("/events", s.handleEventPublish)
	r.Get("/grants", s.handleOwnGrants)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"session_cache_size": s.gateway.CacheSize(),
		"pending_approvals":  s.approvals.PendingCount(),
	}
	if s.events != nil && s.events.Store != nil {
		if n, err := s.events.Store.DeadLetterCount(r.Context()); err == nil {
			status["dead_letter_count"] = n
		}
		if n, err := s.events.Store.StrandedCount(r.Context(), 2*time.Minute); err == nil {
			status["stranded_in_flight"] = n
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	type pendingView struct {
		ID         string   `json:"id"`
		Kind       string   `json:"kind"`
		PluginID   string   `json:"plugin_id,omitempty"`
		Permission string   `json:"permission,omitempty"`
		ClientID   string   `json:"client_id,omitempty"`
		ClientName string   `json:"client_name,omitempty"`
		Scopes     []string `json:"scopes,omitempty"`
	}
	pending := s.approvals.Pending()
	out := make([]pendingView, 0, len(pending))
	for _, req := range pending {
		out = append(out, pendingView{
			ID:         req.ID,
			Kind:       string(req.Kind),
			PluginID:   req.PluginID,
			Permission: req.Permission.String(),
			ClientID:   req.ClientID,
			ClientName: req.ClientName,
			Scopes:     req.Scopes,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprovalRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision" validate:"required,oneof=approve approve_once deny"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		http.Error(w, "decision must be approve, approve_once, or deny", http.StatusBadRequest)
		return
	}

	decision := approval.Deny
	switch body.Decision {
	case "approve":
		decision = approval.Approve
	case "approve_once":
		decision = approval.ApproveOnce
	}
	s.approvals.Respond(chi.URLParam(r, "id"), decision)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIKeysList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.apiKeys.List())
}

func (s *Server) handleAPIKeyCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label" validate:"required,max=64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		http.Error(w, "label is required", http.StatusBadRequest)
		return
	}

	rec, raw, err := s.apiKeys.Create(body.Label)
	if err != nil {
		http.Error(w, "creating key failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": rec, "raw": raw})
}

func (s *Server) handleAPIKeyRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.apiKeys.Remove(chi.URLParam(r, "id")); err != nil {
		http.Error(w, "removing key failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGrantsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.perms.GetGrants(chi.URLParam(r, "principal")))
}

// grantChangeRequest is the single mutation body for the permission
// surface; op selects the transition.
type grantChangeRequest struct {
	Op         string   `json:"op" validate:"required,oneof=grant defer revoke unrevoke activate add_scope remove_scope revoke_all"`
	Principal  string   `json:"principal" validate:"required"`
	Permission string   `json:"permission"`
	Scopes     []string `json:"scopes"`
	Restricted bool     `json:"restricted"`
	Scope      string   `json:"scope"`
}

func (s *Server) handleGrantChange(w http.ResponseWriter, r *http.Request) {
	var body grantChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var perm permission.Permission
	if body.Op != "revoke_all" {
		var ok bool
		perm, ok = permission.Parse(body.Permission)
		if !ok {
			http.Error(w, "unknown permission", http.StatusBadRequest)
			return
		}
	}

	var scopes *permission.ScopeSet
	if body.Restricted || len(body.Scopes) > 0 {
		scopes = permission.RestrictedTo(body.Scopes...)
	}

	var err error
	switch body.Op {
	case "grant":
		err = s.perms.Grant(body.Principal, perm, scopes)
	case "defer":
		err = s.perms.Defer(body.Principal, perm, scopes)
	case "revoke":
		err = s.perms.Revoke(body.Principal, perm)
	case "unrevoke":
		err = s.perms.Unrevoke(body.Principal, perm)
	case "activate":
		err = s.perms.Activate(body.Principal, perm)
	case "add_scope":
		err = s.perms.AddApprovedScope(body.Principal, perm, body.Scope)
	case "remove_scope":
		err = s.perms.RemoveApprovedScope(body.Principal, perm, body.Scope)
	case "revoke_all":
		err = s.perms.RevokeAll(body.Principal)
	}
	if err != nil {
		http.Error(w, "applying permission change failed", http.StatusInternalServerError)
		return
	}

	// Re-snapshot the claims stamped onto future tokens; tokens
	// already in the wild keep their claims until refresh.
	if body.Op != "revoke_all" {
		if err := s.plugins.RefreshAuthDetails(body.Principal); err != nil {
			http.Error(w, "refreshing authorization details failed", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePluginInstall(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "id")
	var body struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Name == "" {
		body.Name = pluginID
	}

	client, secret, err := s.plugins.Install(pluginID, body.Name)
	if err != nil {
		http.Error(w, "install failed", http.StatusInternalServerError)
		return
	}
	s.publishLifecycleEvent(r, pluginID, "installed")
	writeJSON(w, http.StatusCreated, map[string]string{
		"client_id":     client.ID,
		"client_secret": secret,
	})
}

func (s *Server) handlePluginStart(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "id")
	client, secret, err := s.plugins.Start(pluginID, pluginID)
	if err != nil {
		http.Error(w, "start failed", http.StatusInternalServerError)
		return
	}
	s.publishLifecycleEvent(r, pluginID, "started")
	writeJSON(w, http.StatusOK, map[string]string{
		"client_id":     client.ID,
		"client_secret": secret,
	})
}

func (s *Server) handlePluginStop(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "id")
	if err := s.plugins.Stop(pluginID); err != nil {
		http.Error(w, "stop failed", http.StatusInternalServerError)
		return
	}
	s.publishLifecycleEvent(r, pluginID, "stopped")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePluginRemove(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "id")
	if err := s.plugins.Remove(pluginID); err != nil {
		http.Error(w, "remove failed", http.StatusInternalServerError)
		return
	}
	s.publishLifecycleEvent(r, pluginID, "removed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publishLifecycleEvent(r *http.Request, pluginID, phase string) {
	if s.events == nil {
		return
	}
	ce, err := eventbus.NewCloudEvent("nexus:hub", "plugin.lifecycle."+phase, map[string]string{"plugin_id": pluginID})
	if err != nil {
		return
	}
	ce.Subject = pluginID
	_ = s.events.Publish(r.Context(), ce)
}

// --- plugin-facing handlers ---

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]any{
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"hostname": hostname,
		"cpus":     runtime.NumCPU(),
	})
}

func (s *Server) handleProcessList(w http.ResponseWriter, r *http.Request) {
	// The hub process is the only one this core will enumerate; a full
	// host process listing belongs to the container supervisor's side
	// of the boundary.
	writeJSON(w, http.StatusOK, []map[string]any{
		{"pid": os.Getpid(), "name": "nexus-core"},
	})
}

func (s *Server) handleEventPublish(w http.ResponseWriter, r *http.Request) {
	pluginID, _ := gateway.PluginIDFromContext(r.Context())

	var body struct {
		Type    string          `json:"type" validate:"required"`
		Subject string          `json:"subject"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	ce, err := eventbus.NewCloudEvent("plugin:"+pluginID, body.Type, nil)
	if err != nil {
		http.Error(w, "building event failed", http.StatusInternalServerError)
		return
	}
	ce.Subject = body.Subject
	ce.Data = body.Data

	if s.events != nil {
		if err := s.events.Publish(r.Context(), ce); err != nil {
			http.Error(w, "publishing failed", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": ce.ID})
}

func (s *Server) handleOwnGrants(w http.ResponseWriter, r *http.Request) {
	pluginID, ok := gateway.PluginIDFromContext(r.Context())
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, s.perms.GetGrants(pluginID))
}

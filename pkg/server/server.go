// Package server is the HTTP surface of the hub: the loopback listener
// exposing the OAuth authorization server under /oauth, the protected
// MCP transport under /mcp, and the plugin host API under /api/v1,
// composed from the trust-and-access services this module provides.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"

	"github.com/nexus-hub/nexus-core/pkg/apikey"
	"github.com/nexus-hub/nexus-core/pkg/approval"
	"github.com/nexus-hub/nexus-core/pkg/audit"
	"github.com/nexus-hub/nexus-core/pkg/eventbus"
	"github.com/nexus-hub/nexus-core/pkg/gateway"
	"github.com/nexus-hub/nexus-core/pkg/log"
	"github.com/nexus-hub/nexus-core/pkg/oauthstore"
	"github.com/nexus-hub/nexus-core/pkg/permission"
	"github.com/nexus-hub/nexus-core/pkg/pluginauth"
)

// GatewayTokenFilename holds the shared token the GUI shell and the
// sidecar present on the hub-management routes.
const GatewayTokenFilename = "mcp_gateway_token"

// Server wires the core services onto the three endpoint families.
type Server struct {
	addr      string
	baseURL   string
	dataDir   string
	apiKeys   *apikey.Store
	oauth     *oauthstore.Store
	perms     *permission.Service
	plugins   *pluginauth.Service
	approvals *approval.Bridge
	events    *eventbus.Core
	audit     *audit.Writer
	gateway   *gateway.Gateway
	jit       *gateway.JIT

	validate     *validator.Validate
	gatewayToken string
	authorizes   *authorizeTracker

	// mcpHandler serves /mcp behind the gateway authenticator. By
	// default it is the built-in hub MCP server (see mcp.go); tests
	// and embedders may swap it before Handler is called.
	mcpHandler http.Handler
}

// Options carries the collaborators Server composes. Audit and Events
// may be nil (audit lines and durable fanout are then skipped).
type Options struct {
	ListenAddr string
	DataDir    string
	APIKeys    *apikey.Store
	OAuth      *oauthstore.Store
	Perms      *permission.Service
	Plugins    *pluginauth.Service
	Approvals  *approval.Bridge
	Events     *eventbus.Core
	Audit      *audit.Writer
}

// New builds a Server and its gateway middleware chain.
func New(opts Options) (*Server, error) {
	token, err := loadOrGenerateGatewayToken(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("loading gateway token: %w", err)
	}

	baseURL := "http://" + opts.ListenAddr
	s := &Server{
		addr:         opts.ListenAddr,
		baseURL:      baseURL,
		dataDir:      opts.DataDir,
		apiKeys:      opts.APIKeys,
		oauth:        opts.OAuth,
		perms:        opts.Perms,
		plugins:      opts.Plugins,
		approvals:    opts.Approvals,
		events:       opts.Events,
		audit:        opts.Audit,
		validate:     validator.New(),
		gatewayToken: token,
		authorizes:   newAuthorizeTracker(),
	}
	s.gateway = gateway.New(opts.APIKeys, opts.OAuth, opts.Perms, opts.Audit, baseURL+"/.well-known/oauth-protected-resource/mcp")
	s.jit = gateway.NewJIT(opts.Perms, opts.Approvals, opts.Audit)
	s.mcpHandler = s.newMCPHandler()
	return s, nil
}

// Handler assembles the chi router for all three endpoint families.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	r.Get("/.well-known/oauth-protected-resource/mcp", s.handleProtectedResourceMetadata)
	r.Get("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata)

	r.Route("/oauth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Get("/authorize", s.handleAuthorize)
		r.Get("/authorize/poll/{state}", s.handleAuthorizePoll)
		r.Post("/token", s.handleToken)
	})

	r.Handle("/mcp", s.gateway.Authenticate(s.mcpHandler))
	r.Handle("/mcp/*", s.gateway.Authenticate(s.mcpHandler))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/hub", s.hubRoutes)
		r.Route("/plugin", s.pluginRoutes)
	})

	return r
}

// Serve runs the listener until ctx is canceled, then drains with a
// short shutdown grace period.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Log("listening on", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// CacheSize exposes the gateway session-cache diagnostic.
func (s *Server) CacheSize() int { return s.gateway.CacheSize() }

// loadOrGenerateGatewayToken reads the shell/sidecar token from disk,
// minting and persisting a fresh one on first boot.
func loadOrGenerateGatewayToken(dataDir string) (string, error) {
	path := filepath.Join(dataDir, GatewayTokenFilename)

	raw, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(raw))) > 0 {
		return strings.TrimSpace(string(raw)), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", err
	}
	return token, nil
}

// requireGatewayToken guards the hub-management routes: only the GUI
// shell and the sidecar hold this token, presented as a bearer.
func (s *Server) requireGatewayToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "bearer "
		if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		presented := strings.TrimSpace(auth[len(prefix):])
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.gatewayToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Logf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("server: encoding response:", err)
	}
}

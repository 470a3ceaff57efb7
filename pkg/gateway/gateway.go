// Package gateway implements the hub's per-request credential
// routing: the authenticator middleware that sits in
// front of the MCP transport and the plugin host API, plus the
// session cache and the deferred-permission JIT layer it drives.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nexus-hub/nexus-core/pkg/apikey"
	"github.com/nexus-hub/nexus-core/pkg/audit"
	"github.com/nexus-hub/nexus-core/pkg/oauthstore"
	"github.com/nexus-hub/nexus-core/pkg/permission"
)

const sessionIDHeader = "Mcp-Session-Id"

// sessionTTL and sessionLimit bound the authenticated-session cache.
const (
	sessionTTL   = 24 * time.Hour
	sessionLimit = 1000
)

// Gateway is the GatewayAuthenticator: it owns the session cache and
// the two credential stores it routes bearer tokens against.
type Gateway struct {
	apiKeys  *apikey.Store
	oauth    *oauthstore.Store
	perms    *permission.Service
	audit    *audit.Writer
	sessions *sessionCache

	// resourceMetadataURL is embedded in every WWW-Authenticate
	// challenge's resource_metadata parameter, per RFC 9728.
	resourceMetadataURL string
}

// New builds a Gateway. auditWriter may be nil in tests that don't
// care about the audit trail.
func New(apiKeys *apikey.Store, oauth *oauthstore.Store, perms *permission.Service, auditWriter *audit.Writer, resourceMetadataURL string) *Gateway {
	return &Gateway{
		apiKeys:             apiKeys,
		oauth:               oauth,
		perms:               perms,
		audit:               auditWriter,
		sessions:            newSessionCache(sessionTTL, sessionLimit),
		resourceMetadataURL: resourceMetadataURL,
	}
}

// CacheSize reports the number of sessions currently cached, a
// diagnostic surfaced on the operator status endpoint.
func (g *Gateway) CacheSize() int {
	return g.sessions.Size()
}

// Authenticate wraps next with the full credential decision ladder.
func (g *Gateway) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionID := r.Header.Get(sessionIDHeader); sessionID != "" && g.sessions.Has(sessionID) {
			g.forward(w, r, next, sessionID)
			return
		}

		token, ok := extractBearer(r)
		if !ok {
			g.writeChallenge(w, "")
			return
		}

		if strings.HasPrefix(token, apikey.Prefix) {
			g.authenticateAPIKey(w, r, next, token)
			return
		}

		g.authenticateOAuth(w, r, next, token)
	})
}

// forward runs next behind the 401->404 rewrite, evicting sessionID
// (if non-empty, i.e. this came from the session short-circuit) on a
// downstream 401, and caching any freshly-minted Mcp-Session-Id on
// success.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, next http.Handler, sessionID string) {
	rec := &statusInterceptor{ResponseWriter: w}
	next.ServeHTTP(rec, r)

	if rec.status == http.StatusUnauthorized {
		if sessionID != "" {
			g.sessions.Evict(sessionID)
		}
		return
	}

	if newID := w.Header().Get(sessionIDHeader); newID != "" {
		g.sessions.Put(newID)
	}
}

func (g *Gateway) authenticateAPIKey(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	if !isLoopback(r) {
		g.denyAudit("api_key", r.RemoteAddr, "non-loopback peer presented an API key")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if _, ok := g.apiKeys.Validate(token); !ok {
		g.denyAudit("api_key", "", "unknown or malformed API key")
		g.writeChallenge(w, "")
		return
	}

	g.forward(w, r, next, "")
}

func (g *Gateway) authenticateOAuth(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	validated, ok := g.oauth.ValidateAccessToken(token)
	if !ok {
		g.denyAudit("oauth_token", "", "unknown or expired access token")
		g.writeChallenge(w, "invalid_token")
		return
	}

	if validated.PluginID != "" {
		if !oauthstore.HasBlanketMCPAccess(validated.AuthorizationDetails) && !g.perms.HasPermission(validated.PluginID, permission.McpCall()) {
			g.denyAudit("oauth_token", validated.PluginID, "token lacks mcp:call access")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		r = r.WithContext(withPluginID(r.Context(), validated.PluginID))
	}

	g.forward(w, r, next, "")
}

type pluginIDKey struct{}

// withPluginID threads the authenticated plugin id through the
// request context so the JIT middleware (which runs after this one,
// only on the plugin host-API routes) can look up its grants without
// re-validating the bearer token.
func withPluginID(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, pluginIDKey{}, pluginID)
}

// PluginIDFromContext recovers the plugin id set by a successful
// OAuth-branch authentication.
func PluginIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(pluginIDKey{}).(string)
	return id, ok
}

// denyAudit records a Critical-severity denial with actor "mcp_client".
// A nil audit writer (as in tests that don't care about the trail) is
// a silent no-op.
func (g *Gateway) denyAudit(action, subject, reason string) {
	if g.audit == nil {
		return
	}
	g.audit.PushDetails("mcp_client", "", audit.SeverityCritical, action, subject, audit.ResultDeny, reason)
}

// writeChallenge writes the 401 discovery challenge. errCode is empty for the bare discovery challenge, or
// "invalid_token" for the OAuth-branch variant.
func (g *Gateway) writeChallenge(w http.ResponseWriter, errCode string) {
	var challenge string
	if errCode != "" {
		challenge = fmt.Sprintf(`Bearer error=%q, resource_metadata=%q`, errCode, g.resourceMetadataURL)
	} else {
		challenge = fmt.Sprintf(`Bearer realm="nexus-mcp", resource_metadata=%q`, g.resourceMetadataURL)
	}
	w.Header().Set("WWW-Authenticate", challenge)
	w.WriteHeader(http.StatusUnauthorized)
}

// extractBearer returns the token from a case-insensitive "bearer "
// scheme prefix, per RFC 7235 §2.1.
func extractBearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// isLoopback reports whether r's peer address is a loopback address:
// anything in 127.0.0.0/8, ::1, or an IPv4-mapped form of 127.0.0.0/8.
func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// statusInterceptor captures the downstream handler's status code so
// Authenticate can rewrite a bare 401 to 404 before anything reaches
// the wire.
type statusInterceptor struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusInterceptor) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.status = code
	if code == http.StatusUnauthorized {
		s.ResponseWriter.WriteHeader(http.StatusNotFound)
		return
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusInterceptor) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

package server

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"

	"github.com/nexus-hub/nexus-core/pkg/approval"
	"github.com/nexus-hub/nexus-core/pkg/audit"
	"github.com/nexus-hub/nexus-core/pkg/log"
)

// authorizeStatus is what the poll endpoint reports for a pending
// authorize request.
type authorizeStatus string

const (
	authorizeWaiting  authorizeStatus = "waiting"
	authorizeComplete authorizeStatus = "complete"
	authorizeExpired  authorizeStatus = "expired"
)

// pendingAuthorize tracks one in-flight consent, keyed by the client's
// state nonce. The browser polls /oauth/authorize/poll/{state} while
// the user decides in the hub UI.
type pendingAuthorize struct {
	status    authorizeStatus
	redirect  string
	createdAt time.Time
}

const authorizePendingTTL = 10 * time.Minute

// authorizeTracker deduplicates authorize requests by state: a repeat
// GET with an already-pending state re-renders the consent page instead
// of spawning a second approval prompt.
type authorizeTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingAuthorize
}

func newAuthorizeTracker() *authorizeTracker {
	return &authorizeTracker{pending: map[string]*pendingAuthorize{}}
}

// begin registers state, reporting whether it was already pending.
func (t *authorizeTracker) begin(state string) (alreadyPending bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	if _, ok := t.pending[state]; ok {
		return true
	}
	t.pending[state] = &pendingAuthorize{status: authorizeWaiting, createdAt: time.Now()}
	return false
}

func (t *authorizeTracker) complete(state, redirect string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[state]; ok {
		p.status = authorizeComplete
		p.redirect = redirect
	}
}

func (t *authorizeTracker) expire(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[state]; ok {
		p.status = authorizeExpired
	}
}

// lookup returns the current status. Completed and expired entries are
// consumed on read; stale waiting entries flip to expired.
func (t *authorizeTracker) lookup(state string) (authorizeStatus, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	p, ok := t.pending[state]
	if !ok {
		return "", "", false
	}
	if p.status != authorizeWaiting {
		delete(t.pending, state)
	}
	return p.status, p.redirect, true
}

func (t *authorizeTracker) expireLocked() {
	cutoff := time.Now().Add(-authorizePendingTTL)
	for state, p := range t.pending {
		if p.createdAt.Before(cutoff) {
			if p.status == authorizeWaiting {
				p.status = authorizeExpired
			} else {
				delete(t.pending, state)
			}
		}
	}
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Nexus — authorize {{.ClientName}}</title></head>
<body>
<h1>{{.ClientName}} wants to connect to your Nexus hub</h1>
<p>Requested scope: {{.Scope}}</p>
<p>Approve or deny this request in the Nexus window. This page updates on its own.</p>
<script>
(function poll() {
  fetch("/oauth/authorize/poll/{{.State}}")
    .then(function(r) { return r.json(); })
    .then(function(body) {
      if (body.status === "complete") { window.location = body.redirect; return; }
      if (body.status === "expired") { document.body.innerHTML = "<h1>Request expired</h1>"; return; }
      setTimeout(poll, 1000);
    })
    .catch(function() { setTimeout(poll, 2000); });
})();
</script>
</body>
</html>
`))

// handleAuthorize implements the authorization endpoint: it validates
// the query, renders the polled consent page, and (for a first sight
// of this state) kicks off the user decision in the background.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	scope := q.Get("scope")
	resource := q.Get("resource")
	challenge := q.Get("code_challenge")

	client, ok := s.oauth.GetClient(clientID)
	if !ok {
		// No trustworthy redirect target; answer directly.
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown client_id")
		return
	}
	if !clientAllowsRedirect(client.RedirectURIs, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}
	if state == "" {
		redirectError(w, r, redirectURI, "invalid_request", "state is required", "")
		return
	}
	if q.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, "unsupported_response_type", "only response_type=code is supported", state)
		return
	}
	if q.Get("code_challenge_method") != "S256" {
		redirectError(w, r, redirectURI, "invalid_request", "only code_challenge_method=S256 is supported", state)
		return
	}
	if challenge == "" {
		redirectError(w, r, redirectURI, "invalid_request", "code_challenge is required", state)
		return
	}

	if s.authorizes.begin(state) {
		// Duplicate GET for a state already pending: just re-render.
		s.renderConsent(w, client.Name, scope, state)
		return
	}

	go s.decideAuthorize(clientID, client.Name, redirectURI, challenge, scope, resource, state)
	s.renderConsent(w, client.Name, scope, state)
}

// decideAuthorize resolves one pending consent: already-approved
// clients skip the prompt, everyone else goes through the bridge.
func (s *Server) decideAuthorize(clientID, clientName, redirectURI, challenge, scope, resource, state string) {
	scopes := splitScope(scope)

	decision := approval.Approve
	persisted := s.oauth.IsClientApproved(clientID)
	if !persisted {
		ctx, cancel := context.WithTimeout(context.Background(), approval.DefaultTimeout)
		defer cancel()
		decision = s.approvals.RequestConsent(ctx, clientID, clientName, scopes)
	}

	switch decision {
	case approval.Approve:
		if !persisted {
			if err := s.oauth.ApproveClientPersist(clientID); err != nil {
				log.Warn("authorize: persisting client approval:", err)
			}
		}
		s.finishAuthorize(clientID, redirectURI, challenge, scopes, resource, state, false)
	case approval.ApproveOnce:
		s.finishAuthorize(clientID, redirectURI, challenge, scopes, resource, state, true)
	default:
		s.auditOAuth(audit.SeverityCritical, "oauth:authorize", clientID, "consent denied")
		s.authorizes.complete(state, appendQuery(redirectURI, url.Values{
			"error":             {"access_denied"},
			"error_description": {"the user denied the request"},
			"state":             {state},
		}))
	}
}

func (s *Server) finishAuthorize(clientID, redirectURI, challenge string, scopes []string, resource, state string, noRefresh bool) {
	code, err := s.oauth.IssueAuthorizationCode(clientID, redirectURI, challenge, scopes, resource, state, noRefresh)
	if err != nil {
		log.Warn("authorize: issuing code:", err)
		s.authorizes.expire(state)
		return
	}
	s.auditOAuth(audit.SeverityInfo, "oauth:authorize", clientID, fmt.Sprintf("consent granted once=%v", noRefresh))
	s.authorizes.complete(state, appendQuery(redirectURI, url.Values{
		"code":  {code},
		"state": {state},
	}))
}

// handleAuthorizePoll reports the consent's progress as JSON.
func (s *Server) handleAuthorizePoll(w http.ResponseWriter, r *http.Request) {
	state := chi.URLParam(r, "state")
	status, redirect, ok := s.authorizes.lookup(state)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(authorizeExpired)})
		return
	}
	body := map[string]string{"status": string(status)}
	if redirect != "" {
		body["redirect"] = redirect
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) renderConsent(w http.ResponseWriter, clientName, scope, state string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := consentTemplate.Execute(w, map[string]string{
		"ClientName": clientName,
		"Scope":      scope,
		"State":      state,
	})
	if err != nil {
		log.Warn("authorize: rendering consent page:", err)
	}
}

// redirectError sends the RFC 6749 error redirect when the client and
// redirect URI are trustworthy enough to bounce back to.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, code, description, state string) {
	values := url.Values{
		"error":             {code},
		"error_description": {description},
	}
	if state != "" {
		values.Set("state", state)
	}
	http.Redirect(w, r, appendQuery(redirectURI, values), http.StatusFound)
}

func appendQuery(rawURL string, values url.Values) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + values.Encode()
}

func clientAllowsRedirect(registered []string, presented string) bool {
	normalized := strings.TrimSuffix(presented, "/")
	for _, uri := range registered {
		if uri == presented || strings.TrimSuffix(uri, "/") == normalized {
			return true
		}
	}
	return false
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

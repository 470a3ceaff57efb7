package server

import (
	"net/http"

	"github.com/nexus-hub/nexus-core/pkg/apierr"
	"github.com/nexus-hub/nexus-core/pkg/audit"
)

// oauthError is the RFC 6749 §5.2 error body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oauthError{Error: code, ErrorDescription: description})
}

// oauthErrorFor maps a service error onto the RFC 6749 wire form. The
// description deliberately does not reveal which internal check failed;
// the audit trail records the distinction instead.
func oauthErrorFor(err error) (status int, code string) {
	switch apierr.KindOf(err) {
	case apierr.Validation:
		return http.StatusBadRequest, "invalid_request"
	case apierr.Authentication:
		return http.StatusBadRequest, "invalid_grant"
	case apierr.NotFound:
		return http.StatusBadRequest, "invalid_client"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

// auditOAuth records an OAuth-endpoint event. A nil audit writer is a
// no-op, so tests can run without a database.
func (s *Server) auditOAuth(severity audit.Severity, action, subject, details string) {
	if s.audit == nil {
		return
	}
	result := audit.ResultAllow
	if severity != audit.SeverityInfo {
		result = audit.ResultDeny
	}
	s.audit.PushDetails("oauth_client", "", severity, action, subject, result, details)
}

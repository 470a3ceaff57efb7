package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nexus-hub/nexus-core/pkg/audit"
	"github.com/nexus-hub/nexus-core/pkg/oauthstore"
)

// tokenResponse is the RFC 6749 §5.1 success body, with the RFC 9396
// authorization_details extension.
type tokenResponse struct {
	AccessToken          string                          `json:"access_token"`
	TokenType            string                          `json:"token_type"`
	ExpiresIn            int64                           `json:"expires_in"`
	RefreshToken         string                          `json:"refresh_token,omitempty"`
	Scope                string                          `json:"scope,omitempty"`
	AuthorizationDetails []oauthstore.AuthorizationDetail `json:"authorization_details,omitempty"`
}

// handleToken is the form-encoded token endpoint, dispatching on
// grant_type to the three supported exchanges.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "request body is not form-encoded")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.tokenAuthorizationCode(w, r)
	case "refresh_token":
		s.tokenRefresh(w, r)
	case "client_credentials":
		s.tokenClientCredentials(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code, refresh_token, or client_credentials")
	}
}

func (s *Server) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostFormValue("client_id")
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	verifier := r.PostFormValue("code_verifier")

	if clientID == "" || code == "" || verifier == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id, code, and code_verifier are required")
		return
	}

	access, refresh, err := s.oauth.ExchangeAuthorizationCode(clientID, code, redirectURI, verifier)
	if err != nil {
		s.auditOAuth(audit.SeverityCritical, "oauth:token", clientID, "authorization_code exchange rejected")
		status, errCode := oauthErrorFor(err)
		writeOAuthError(w, status, errCode, "the authorization code could not be exchanged")
		return
	}

	s.auditOAuth(audit.SeverityInfo, "oauth:token", clientID, "authorization_code exchange")
	s.writeToken(w, access, refresh)
}

func (s *Server) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	token := r.PostFormValue("refresh_token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	access, refresh, err := s.oauth.RefreshAccessToken(token)
	if err != nil {
		s.auditOAuth(audit.SeverityCritical, "oauth:token", "", "refresh exchange rejected")
		status, errCode := oauthErrorFor(err)
		writeOAuthError(w, status, errCode, "the refresh token could not be exchanged")
		return
	}

	s.auditOAuth(audit.SeverityInfo, "oauth:token", access.ClientID, "refresh exchange")
	s.writeToken(w, access, refresh)
}

func (s *Server) tokenClientCredentials(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostFormValue("client_id")
	secret := r.PostFormValue("client_secret")
	if clientID == "" || secret == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id and client_secret are required")
		return
	}

	var requested []oauthstore.AuthorizationDetail
	if raw := r.PostFormValue("authorization_details"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &requested); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_authorization_details", "authorization_details is not valid JSON")
			return
		}
	}

	access, err := s.oauth.ExchangeClientCredentials(clientID, secret, requested)
	if err != nil {
		s.auditOAuth(audit.SeverityCritical, "oauth:token", clientID, "client_credentials exchange rejected")
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	s.auditOAuth(audit.SeverityInfo, "oauth:token", clientID, "client_credentials exchange")
	s.writeToken(w, access, nil)
}

func (s *Server) writeToken(w http.ResponseWriter, access oauthstore.AccessToken, refresh *oauthstore.RefreshToken) {
	resp := tokenResponse{
		AccessToken:          access.Token,
		TokenType:            "Bearer",
		ExpiresIn:            int64(time.Until(access.ExpiresAt).Round(time.Second) / time.Second),
		Scope:                strings.Join(access.Scopes, " "),
		AuthorizationDetails: access.AuthorizationDetails,
	}
	if refresh != nil {
		resp.RefreshToken = refresh.Token
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

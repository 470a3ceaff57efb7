package server

import (
	"encoding/json"
	"net/http"

	"github.com/nexus-hub/nexus-core/pkg/apierr"
	"github.com/nexus-hub/nexus-core/pkg/audit"
	"github.com/nexus-hub/nexus-core/pkg/oauthstore"
)

// dcrRequest is the RFC 7591 dynamic-registration body accepted on
// /oauth/register. Only public clients may register here; plugin
// (confidential) clients are created through the lifecycle service.
type dcrRequest struct {
	ClientName              string   `json:"client_name" validate:"required,max=128"`
	RedirectURIs            []string `json:"redirect_uris" validate:"required,min=1,dive,uri"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method" validate:"omitempty,oneof=none"`
	GrantTypes              []string `json:"grant_types" validate:"omitempty,dive,oneof=authorization_code refresh_token"`
	ResponseTypes           []string `json:"response_types" validate:"omitempty,dive,oneof=code"`
	Scope                   string   `json:"scope"`
}

// dcrResponse is the RFC 7591 registration response.
type dcrResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req dcrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body is not valid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}

	client, err := s.oauth.RegisterPublicClient(req.ClientName, req.RedirectURIs, req.TokenEndpointAuthMethod)
	if err != nil {
		if e, ok := apierr.As(err); ok && e.Kind == apierr.Validation {
			writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", e.Description)
			return
		}
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "registration failed")
		return
	}

	s.auditOAuth(audit.SeverityInfo, "oauth:register", client.ID, "client_name="+client.Name)

	writeJSON(w, http.StatusCreated, dcrResponse{
		ClientID:                client.ID,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: string(oauthstore.AuthMethodNone),
		ClientIDIssuedAt:        client.RegisteredAt.Unix(),
	})
}

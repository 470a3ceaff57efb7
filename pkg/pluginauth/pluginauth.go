// Package pluginauth wires the permission engine and the OAuth store
// together at the four plugin lifecycle points, each emitting a
// structured audit line through an AuditWriter.
package pluginauth

import (
	"fmt"

	"github.com/nexus-hub/nexus-core/pkg/audit"
	"github.com/nexus-hub/nexus-core/pkg/oauthstore"
	"github.com/nexus-hub/nexus-core/pkg/permission"
)

// Service is the plugin credential-lifecycle glue.
type Service struct {
	oauth *oauthstore.Store
	perms *permission.Service
	audit *audit.Writer
}

// New builds a Service over the given collaborators.
func New(oauth *oauthstore.Store, perms *permission.Service, auditWriter *audit.Writer) *Service {
	return &Service{oauth: oauth, perms: perms, audit: auditWriter}
}

func (s *Service) logLifecycle(pluginID, action, clientID string, result audit.Result) {
	if s.audit == nil {
		return
	}
	s.audit.PushDetails(
		"system", pluginID, audit.SeverityInfo,
		"auth:lifecycle", fmt.Sprintf("plugin=%s action=%s client_id=%s", pluginID, action, clientID),
		result, nil,
	)
}

// Install registers a brand-new OAuth client for a newly-installed
// plugin.
func (s *Service) Install(pluginID, displayName string) (oauthstore.Client, string, error) {
	client, secret, err := s.oauth.RegisterPluginClient(pluginID, displayName)
	if err != nil {
		s.logLifecycle(pluginID, "register", "", audit.ResultError)
		return oauthstore.Client{}, "", err
	}
	s.logLifecycle(pluginID, "register", client.ID, audit.ResultAllow)
	return client, secret, nil
}

// Start implements the Start -> prepare_start transition: rotate the
// client secret, revoke every live token, and let the next
// client_credentials exchange pick up the current grant snapshot. If
// no client is on record (legacy install or prior data loss), a fresh
// one is registered transparently rather than failing the start.
func (s *Service) Start(pluginID, displayName string) (oauthstore.Client, string, error) {
	client, ok := s.oauth.ClientByPluginID(pluginID)
	if !ok {
		return s.Install(pluginID, displayName)
	}

	if err := s.oauth.RevokePluginTokens(pluginID); err != nil {
		s.logLifecycle(pluginID, "prepare_start", client.ID, audit.ResultError)
		return oauthstore.Client{}, "", err
	}
	secret, err := s.oauth.RotatePluginSecret(pluginID)
	if err != nil {
		s.logLifecycle(pluginID, "prepare_start", client.ID, audit.ResultError)
		return oauthstore.Client{}, "", err
	}
	if err := s.oauth.SetPluginAuthDetails(pluginID); err != nil {
		s.logLifecycle(pluginID, "prepare_start", client.ID, audit.ResultError)
		return oauthstore.Client{}, "", err
	}

	s.logLifecycle(pluginID, "prepare_start", client.ID, audit.ResultAllow)
	return client, secret, nil
}

// Stop implements Stop -> revoke tokens, keeping the client record.
func (s *Service) Stop(pluginID string) error {
	client, _ := s.oauth.ClientByPluginID(pluginID)
	if err := s.oauth.RevokePluginTokens(pluginID); err != nil {
		s.logLifecycle(pluginID, "stop", client.ID, audit.ResultError)
		return err
	}
	s.logLifecycle(pluginID, "stop", client.ID, audit.ResultAllow)
	return nil
}

// Remove implements Remove -> delete client and tokens.
func (s *Service) Remove(pluginID string) error {
	client, _ := s.oauth.ClientByPluginID(pluginID)
	if err := s.oauth.RemovePluginClient(pluginID); err != nil {
		s.logLifecycle(pluginID, "remove", client.ID, audit.ResultError)
		return err
	}
	if err := s.perms.RevokeAll(pluginID); err != nil {
		s.logLifecycle(pluginID, "remove", client.ID, audit.ResultError)
		return err
	}
	s.logLifecycle(pluginID, "remove", client.ID, audit.ResultAllow)
	return nil
}

// RefreshAuthDetails implements the permission-change ->
// refresh_auth_details transition: no token is minted, only the
// snapshot consulted at next refresh is updated.
func (s *Service) RefreshAuthDetails(pluginID string) error {
	client, _ := s.oauth.ClientByPluginID(pluginID)
	if err := s.oauth.SetPluginAuthDetails(pluginID); err != nil {
		s.logLifecycle(pluginID, "refresh_auth_details", client.ID, audit.ResultError)
		return err
	}
	s.logLifecycle(pluginID, "refresh_auth_details", client.ID, audit.ResultAllow)
	return nil
}

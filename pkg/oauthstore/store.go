package oauthstore

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-hub/nexus-core/pkg/apierr"
	"github.com/nexus-hub/nexus-core/pkg/jsonstore"
	"github.com/nexus-hub/nexus-core/pkg/permission"
)

// ClientDocument is the on-disk shape of oauth_clients.json.
type ClientDocument struct {
	Clients map[string]Client `json:"clients"`
}

// RefreshDocument is the on-disk shape of oauth_refresh.json. Invalidated
// retains a tombstone (token -> client id) for replay detection: a
// rotated-out refresh token is removed from Tokens but remembered here
// so a later replay can be recognized and trigger a full family revoke.
type RefreshDocument struct {
	Tokens      map[string]RefreshToken `json:"tokens"`
	Invalidated map[string]string       `json:"invalidated"`
}

// Store is the credential engine's OAuth state. Access tokens and
// authorization codes are memory-only; clients and refresh tokens
// persist to disk via jsonstore, mirroring permission.Service's own
// atomic-JSON substrate.
type Store struct {
	clients *jsonstore.Store[ClientDocument]
	refresh *jsonstore.Store[RefreshDocument]
	perms   *permission.Service

	mu    sync.Mutex
	codes map[string]AuthorizationCode

	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration

	accessMu     sync.RWMutex
	accessTokens map[string]AccessToken
}

// Options configures Open.
type Options struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// Open loads (or creates) the client and refresh-token stores at the
// given paths. perms is consulted for RAR recomputation on the
// refresh and client_credentials flows — never the reverse; the
// permission engine has no knowledge of tokens.
func Open(clientsPath, refreshPath string, perms *permission.Service, opts Options) (*Store, error) {
	clients, err := jsonstore.Open(clientsPath, ClientDocument{Clients: map[string]Client{}})
	if err != nil {
		return nil, err
	}
	refresh, err := jsonstore.Open(refreshPath, RefreshDocument{
		Tokens:      map[string]RefreshToken{},
		Invalidated: map[string]string{},
	})
	if err != nil {
		return nil, err
	}

	accessTTL := opts.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	refreshTTL := opts.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	return &Store{
		clients:         clients,
		refresh:         refresh,
		perms:           perms,
		codes:           map[string]AuthorizationCode{},
		accessTokens:    map[string]AccessToken{},
		accessTokenTTL:  accessTTL,
		refreshTokenTTL: refreshTTL,
	}, nil
}

// --- Client registration (RFC 7591) ---

// normalizeRedirectURI strips a trailing "/" unless the URI is
// path-only, so a registered "http://host/cb/" and a
// presented "http://host/cb" compare equal.
func normalizeRedirectURI(raw string) string {
	if raw == "" {
		return raw
	}
	if !strings.HasSuffix(raw, "/") {
		return raw
	}
	trimmed := strings.TrimSuffix(raw, "/")
	// "path-only" redirect URIs (no scheme) keep their trailing slash,
	// since stripping it could change the path's meaning.
	if !strings.Contains(trimmed, "://") {
		return raw
	}
	return trimmed
}

// RegisterPublicClient implements /oauth/register for public clients:
// rejects any token_endpoint_auth_method other than "none".
func (s *Store) RegisterPublicClient(name string, redirectURIs []string, authMethod string) (Client, error) {
	if authMethod != "" && authMethod != string(AuthMethodNone) {
		return Client{}, apierr.New(apierr.Validation, "public registration only supports token_endpoint_auth_method=none")
	}

	normalized := make([]string, len(redirectURIs))
	for i, uri := range redirectURIs {
		normalized[i] = normalizeRedirectURI(uri)
	}

	c := Client{
		ID:           uuid.NewString(),
		Name:         name,
		RedirectURIs: normalized,
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		AuthMethod:   AuthMethodNone,
		RegisteredAt: time.Now(),
	}

	if err := s.clients.Update(func(doc *ClientDocument) error {
		if doc.Clients == nil {
			doc.Clients = map[string]Client{}
		}
		doc.Clients[c.ID] = c
		return nil
	}); err != nil {
		return Client{}, err
	}
	return c, nil
}

// RegisterPluginClient is the private plugin-registration hook: a
// confidential client with client_credentials +
// refresh_token grants, returning the plaintext secret exactly once.
func (s *Store) RegisterPluginClient(pluginID, name string) (Client, string, error) {
	secret, err := newOpaqueToken()
	if err != nil {
		return Client{}, "", err
	}

	c := Client{
		ID:               uuid.NewString(),
		Name:             name,
		GrantTypes:       []string{"client_credentials", "refresh_token"},
		AuthMethod:       AuthMethodClientSecretPost,
		RegisteredAt:     time.Now(),
		ClientSecretHash: hashSecret(secret),
		PluginID:         pluginID,
	}

	if err := s.clients.Update(func(doc *ClientDocument) error {
		if doc.Clients == nil {
			doc.Clients = map[string]Client{}
		}
		doc.Clients[c.ID] = c
		return nil
	}); err != nil {
		return Client{}, "", err
	}
	return c, secret, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GetClient returns a client by id.
func (s *Store) GetClient(clientID string) (Client, bool) {
	var c Client
	var ok bool
	s.clients.View(func(doc ClientDocument) {
		c, ok = doc.Clients[clientID]
	})
	return c, ok
}

// ClientByPluginID finds the confidential client bound to a plugin.
func (s *Store) ClientByPluginID(pluginID string) (Client, bool) {
	var found Client
	var ok bool
	s.clients.View(func(doc ClientDocument) {
		for _, c := range doc.Clients {
			if c.PluginID == pluginID {
				found, ok = c, true
				return
			}
		}
	})
	return found, ok
}

// IsClientApproved reports whether the user has previously granted
// "Approve (persist)" for cid.
func (s *Store) IsClientApproved(clientID string) bool {
	c, ok := s.GetClient(clientID)
	return ok && c.Approved
}

// ApproveClientPersist flips the persistent approval flag.
func (s *Store) ApproveClientPersist(clientID string) error {
	return s.clients.Update(func(doc *ClientDocument) error {
		c, ok := doc.Clients[clientID]
		if !ok {
			return apierr.New(apierr.NotFound, "unknown client")
		}
		c.Approved = true
		doc.Clients[clientID] = c
		return nil
	})
}

// clearApproval is called on revoke: approval memory resets.
func (s *Store) clearApproval(clientID string) error {
	return s.clients.Update(func(doc *ClientDocument) error {
		c, ok := doc.Clients[clientID]
		if !ok {
			return nil
		}
		c.Approved = false
		doc.Clients[clientID] = c
		return nil
	})
}

// VerifyClientSecret checks secret against clientID's stored hash in
// constant time.
func (s *Store) VerifyClientSecret(clientID, secret string) bool {
	c, ok := s.GetClient(clientID)
	if !ok || c.ClientSecretHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(c.ClientSecretHash)) == 1
}

// --- Authorization code flow (RFC 6749 §4.1, PKCE RFC 7636) ---

// IssueAuthorizationCode mints a single-use, 10-minute code bound to
// the client, redirect URI, and PKCE challenge.
func (s *Store) IssueAuthorizationCode(clientID, redirectURI, codeChallenge string, scopes []string, resource, state string, noRefresh bool) (string, error) {
	code, err := newOpaqueToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = AuthorizationCode{
		Code:          code,
		ClientID:      clientID,
		RedirectURI:   normalizeRedirectURI(redirectURI),
		CodeChallenge: codeChallenge,
		Scopes:        scopes,
		Resource:      resource,
		State:         state,
		ExpiresAt:     time.Now().Add(AuthCodeTTL),
		NoRefresh:     noRefresh,
	}
	return code, nil
}

// ExchangeAuthorizationCode redeems code for an access (and, unless
// NoRefresh, refresh) token. The code is consumed exactly once: a
// second exchange attempt, even before expiry, fails with InvalidGrant.
func (s *Store) ExchangeAuthorizationCode(clientID, code, redirectURI, codeVerifier string) (AccessToken, *RefreshToken, error) {
	s.mu.Lock()
	ac, ok := s.codes[code]
	if ok {
		delete(s.codes, code) // single-use regardless of outcome below
	}
	s.mu.Unlock()

	if !ok {
		return AccessToken{}, nil, apierr.New(apierr.Authentication, "unknown or already-used authorization code")
	}
	if time.Now().After(ac.ExpiresAt) {
		return AccessToken{}, nil, apierr.New(apierr.Authentication, "authorization code expired")
	}
	if ac.ClientID != clientID {
		return AccessToken{}, nil, apierr.New(apierr.Authentication, "client_id mismatch")
	}
	if normalizeRedirectURI(redirectURI) != ac.RedirectURI {
		return AccessToken{}, nil, apierr.New(apierr.Authentication, "redirect_uri mismatch")
	}
	if !VerifyPKCE(codeVerifier, ac.CodeChallenge) {
		return AccessToken{}, nil, apierr.New(apierr.Authentication, "PKCE verification failed")
	}

	client, ok := s.GetClient(clientID)
	if !ok {
		return AccessToken{}, nil, apierr.New(apierr.Authentication, "unknown client")
	}

	access := AccessToken{
		ClientID:   clientID,
		ClientName: client.Name,
		Scopes:     ac.Scopes,
		Resource:   ac.Resource,
		ExpiresAt:  time.Now().Add(s.accessTokenTTL),
		PluginID:   client.PluginID,
	}
	token, err := newOpaqueToken()
	if err != nil {
		return AccessToken{}, nil, err
	}
	access.Token = token

	s.accessMu.Lock()
	s.accessTokens[access.Token] = access
	s.accessMu.Unlock()

	if ac.NoRefresh {
		return access, nil, nil
	}

	refresh, err := s.issueRefreshToken(clientID, ac.Scopes, ac.Resource, client.PluginID, nil)
	if err != nil {
		return AccessToken{}, nil, err
	}
	return access, refresh, nil
}

func (s *Store) issueRefreshToken(clientID string, scopes []string, resource, pluginID string, details []AuthorizationDetail) (*RefreshToken, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	rt := RefreshToken{
		Token:                token,
		ClientID:             clientID,
		Scopes:               scopes,
		Resource:             resource,
		ExpiresAt:            time.Now().Add(s.refreshTokenTTL),
		PluginID:             pluginID,
		AuthorizationDetails: details,
	}
	if err := s.refresh.Update(func(doc *RefreshDocument) error {
		if doc.Tokens == nil {
			doc.Tokens = map[string]RefreshToken{}
		}
		doc.Tokens[rt.Token] = rt
		return nil
	}); err != nil {
		return nil, err
	}
	return &rt, nil
}

// --- Refresh token rotation (RFC 6749 §6) ---

// RefreshAccessToken rotates refreshToken: the presented token is
// invalidated and replaced, regardless of outcome, so a stolen token
// cannot be replayed after the legitimate client has moved on. Replay
// of an already-invalidated token revokes every refresh token issued
// to that client (theft detection). For plugin clients,
// AuthorizationDetails come from the client's current RAR snapshot
// rather than being carried over, so a permission revoked mid-lease
// takes effect on the next refresh.
func (s *Store) RefreshAccessToken(refreshToken string) (AccessToken, *RefreshToken, error) {
	var current RefreshToken
	var found, invalidated bool
	var tombstoneClient string

	if err := s.refresh.Update(func(doc *RefreshDocument) error {
		current, found = doc.Tokens[refreshToken]
		if found {
			delete(doc.Tokens, refreshToken)
			return nil
		}
		tombstoneClient, invalidated = doc.Invalidated[refreshToken]
		return nil
	}); err != nil {
		return AccessToken{}, nil, err
	}

	if !found {
		if invalidated {
			_ = s.revokeClientTokenFamily(tombstoneClient)
		}
		return AccessToken{}, nil, apierr.New(apierr.Authentication, "unknown or reused refresh token")
	}
	if time.Now().After(current.ExpiresAt) {
		return AccessToken{}, nil, apierr.New(apierr.Authentication, "refresh token expired")
	}

	if err := s.refresh.Update(func(doc *RefreshDocument) error {
		if doc.Invalidated == nil {
			doc.Invalidated = map[string]string{}
		}
		doc.Invalidated[refreshToken] = current.ClientID
		return nil
	}); err != nil {
		return AccessToken{}, nil, err
	}

	client, ok := s.GetClient(current.ClientID)
	if !ok {
		return AccessToken{}, nil, apierr.New(apierr.Authentication, "unknown client")
	}

	details := current.AuthorizationDetails
	if client.PluginID != "" {
		details = s.pluginAuthDetails(client)
	}

	access := AccessToken{
		ClientID:             current.ClientID,
		ClientName:           client.Name,
		Scopes:               current.Scopes,
		Resource:             current.Resource,
		ExpiresAt:            time.Now().Add(s.accessTokenTTL),
		PluginID:             client.PluginID,
		AuthorizationDetails: details,
	}
	token, err := newOpaqueToken()
	if err != nil {
		return AccessToken{}, nil, err
	}
	access.Token = token

	s.accessMu.Lock()
	s.accessTokens[access.Token] = access
	s.accessMu.Unlock()

	next, err := s.issueRefreshToken(current.ClientID, current.Scopes, current.Resource, client.PluginID, details)
	if err != nil {
		return AccessToken{}, nil, err
	}
	return access, next, nil
}

// revokeClientTokenFamily deletes every live refresh token and access
// token belonging to clientID, used on detected refresh-token replay.
func (s *Store) revokeClientTokenFamily(clientID string) error {
	if err := s.refresh.Update(func(doc *RefreshDocument) error {
		for token, rt := range doc.Tokens {
			if rt.ClientID == clientID {
				delete(doc.Tokens, token)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	s.accessMu.Lock()
	for token, at := range s.accessTokens {
		if at.ClientID == clientID {
			delete(s.accessTokens, token)
		}
	}
	s.accessMu.Unlock()
	return nil
}

// --- client_credentials grant (plugins, RFC 6749 §4.4) ---

// ExchangeClientCredentials authenticates a confidential plugin client
// and issues an access token scoped to its current grants, optionally
// narrowed by requestedDetails.
func (s *Store) ExchangeClientCredentials(clientID, clientSecret string, requestedDetails []AuthorizationDetail) (AccessToken, error) {
	if !s.VerifyClientSecret(clientID, clientSecret) {
		return AccessToken{}, apierr.New(apierr.Authentication, "invalid client credentials")
	}
	client, _ := s.GetClient(clientID)
	if client.PluginID == "" {
		return AccessToken{}, apierr.New(apierr.Authentication, "client is not a plugin credential")
	}

	current := s.pluginAuthDetails(client)
	details := MergeAuthorizationDetails(current, requestedDetails)

	access := AccessToken{
		ClientID:             clientID,
		ClientName:           client.Name,
		ExpiresAt:            time.Now().Add(s.accessTokenTTL),
		PluginID:             client.PluginID,
		AuthorizationDetails: details,
	}
	token, err := newOpaqueToken()
	if err != nil {
		return AccessToken{}, err
	}
	access.Token = token

	s.accessMu.Lock()
	s.accessTokens[access.Token] = access
	s.accessMu.Unlock()
	return access, nil
}

// --- Access token validation ---

// ValidateAccessToken looks up token in the in-memory table, rejecting
// expired entries.
func (s *Store) ValidateAccessToken(token string) (Validated, bool) {
	s.accessMu.RLock()
	at, ok := s.accessTokens[token]
	s.accessMu.RUnlock()
	if !ok || time.Now().After(at.ExpiresAt) {
		return Validated{}, false
	}
	return Validated{
		ClientID:             at.ClientID,
		ClientName:           at.ClientName,
		PluginID:             at.PluginID,
		AuthorizationDetails: at.AuthorizationDetails,
	}, true
}

// --- Plugin lifecycle hooks ---

// RotatePluginSecret replaces a plugin client's secret, invalidating
// the old one, and returns the new plaintext secret once.
func (s *Store) RotatePluginSecret(pluginID string) (string, error) {
	client, ok := s.ClientByPluginID(pluginID)
	if !ok {
		return "", apierr.New(apierr.NotFound, "no client registered for plugin")
	}
	secret, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	if err := s.clients.Update(func(doc *ClientDocument) error {
		c := doc.Clients[client.ID]
		c.ClientSecretHash = hashSecret(secret)
		doc.Clients[client.ID] = c
		return nil
	}); err != nil {
		return "", err
	}
	return secret, nil
}

// RevokePluginTokens kills every live access/refresh token for a
// plugin's client without deleting the client record itself, used on
// plugin stop.
func (s *Store) RevokePluginTokens(pluginID string) error {
	client, ok := s.ClientByPluginID(pluginID)
	if !ok {
		return nil
	}
	return s.revokeClientTokenFamily(client.ID)
}

// RemovePluginClient deletes the client record and all its tokens,
// used on plugin removal.
func (s *Store) RemovePluginClient(pluginID string) error {
	client, ok := s.ClientByPluginID(pluginID)
	if !ok {
		return nil
	}
	if err := s.revokeClientTokenFamily(client.ID); err != nil {
		return err
	}
	_ = s.clearApproval(client.ID)
	return s.clients.Update(func(doc *ClientDocument) error {
		delete(doc.Clients, client.ID)
		return nil
	})
}

// pluginAuthDetails returns the RAR to stamp onto a newly minted token
// for a plugin client: the stored snapshot when one has been taken,
// otherwise a fresh derivation from live grants.
func (s *Store) pluginAuthDetails(client Client) []AuthorizationDetail {
	if client.AuthDetails != nil {
		return client.AuthDetails
	}
	return BuildAuthorizationDetails(s.perms.GetGrants(client.PluginID))
}

// SetPluginAuthDetails replaces the RAR snapshot stamped onto future
// tokens for a plugin's client. Tokens already issued keep their
// original claims until expiry; the refresh flow picks up the new
// snapshot.
func (s *Store) SetPluginAuthDetails(pluginID string) error {
	client, ok := s.ClientByPluginID(pluginID)
	if !ok {
		return nil
	}
	details := BuildAuthorizationDetails(s.perms.GetGrants(pluginID))
	return s.clients.Update(func(doc *ClientDocument) error {
		c, ok := doc.Clients[client.ID]
		if !ok {
			return nil
		}
		c.AuthDetails = details
		doc.Clients[client.ID] = c
		return nil
	})
}

package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-hub/nexus-core/pkg/apikey"
	"github.com/nexus-hub/nexus-core/pkg/approval"
	"github.com/nexus-hub/nexus-core/pkg/oauthstore"
	"github.com/nexus-hub/nexus-core/pkg/permission"
	"github.com/nexus-hub/nexus-core/pkg/pluginauth"
)

type testHub struct {
	server   *Server
	handler  http.Handler
	requests chan approval.Request
	oauth    *oauthstore.Store
	perms    *permission.Service
	token    string
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	dir := t.TempDir()

	perms, err := permission.Open(filepath.Join(dir, "permissions.json"))
	require.NoError(t, err)
	oauth, err := oauthstore.Open(filepath.Join(dir, "oauth_clients.json"), filepath.Join(dir, "oauth_refresh.json"), perms, oauthstore.Options{})
	require.NoError(t, err)
	keys, err := apikey.Open(filepath.Join(dir, "mcp_api_keys.json"))
	require.NoError(t, err)

	requests := make(chan approval.Request, 4)
	bridge := approval.New(func(req approval.Request) { requests <- req }, 5*time.Second)
	plugins := pluginauth.New(oauth, perms, nil)

	srv, err := New(Options{
		ListenAddr: "127.0.0.1:9600",
		DataDir:    dir,
		APIKeys:    keys,
		OAuth:      oauth,
		Perms:      perms,
		Plugins:    plugins,
		Approvals:  bridge,
	})
	require.NoError(t, err)

	return &testHub{
		server:   srv,
		handler:  srv.Handler(),
		requests: requests,
		oauth:    oauth,
		perms:    perms,
		token:    srv.gatewayToken,
	}
}

func (h *testHub) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestDiscoveryMetadata(t *testing.T) {
	hub := newTestHub(t)

	rec := hub.do(t, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.ElementsMatch(t, []any{"authorization_code", "refresh_token", "client_credentials"}, meta["grant_types_supported"])
	assert.Equal(t, []any{"S256"}, meta["code_challenge_methods_supported"])
	assert.ElementsMatch(t, []any{"none", "client_secret_post"}, meta["token_endpoint_auth_methods_supported"])
	assert.Len(t, meta["authorization_details_types_supported"], 7)
}

func TestRegisterRejectsConfidentialAuthMethod(t *testing.T) {
	hub := newTestHub(t)

	body := `{"client_name":"Evil","redirect_uris":["http://127.0.0.1:5555/cb"],"token_endpoint_auth_method":"client_secret_post"}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	rec := hub.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func registerClient(t *testing.T, hub *testHub) string {
	t.Helper()
	body := `{"client_name":"TestCli","redirect_uris":["http://127.0.0.1:5555/cb"],"token_endpoint_auth_method":"none"}`
	rec := hub.do(t, httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ClientID)
	return resp.ClientID
}

func pkcePair() (verifier, challenge string) {
	verifier = "test-verifier-test-verifier-test-verifier-42"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

// runCodeFlow drives register -> authorize -> approve -> poll -> token
// and returns the issued token response body.
func runCodeFlow(t *testing.T, hub *testHub) map[string]any {
	t.Helper()
	clientID := registerClient(t, hub)
	verifier, challenge := pkcePair()

	authzURL := "/oauth/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"http://127.0.0.1:5555/cb"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"S1"},
		"scope":                 {"mcp"},
	}.Encode()

	rec := hub.do(t, httptest.NewRequest(http.MethodGet, authzURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	rec = hub.do(t, httptest.NewRequest(http.MethodGet, "/oauth/authorize/poll/S1", nil))
	var poll struct {
		Status   string `json:"status"`
		Redirect string `json:"redirect"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &poll))
	require.Equal(t, "waiting", poll.Status)

	select {
	case req := <-hub.requests:
		require.Equal(t, approval.KindConsent, req.Kind)
		hub.server.approvals.Respond(req.ID, approval.Approve)
	case <-time.After(2 * time.Second):
		t.Fatal("no consent request reached the bridge")
	}

	require.Eventually(t, func() bool {
		rec = hub.do(t, httptest.NewRequest(http.MethodGet, "/oauth/authorize/poll/S1", nil))
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &poll))
		return poll.Status == "complete"
	}, 2*time.Second, 20*time.Millisecond)

	redirect, err := url.Parse(poll.Redirect)
	require.NoError(t, err)
	require.Equal(t, "S1", redirect.Query().Get("state"))
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {"http://127.0.0.1:5555/cb"},
		"code_verifier": {verifier},
	}
	tokReq := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	tokReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = hub.do(t, tokReq)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var token map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	return token
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	hub := newTestHub(t)
	token := runCodeFlow(t, hub)

	assert.NotEmpty(t, token["access_token"])
	assert.NotEmpty(t, token["refresh_token"])
	assert.Equal(t, "Bearer", token["token_type"])
	assert.InDelta(t, 3600, token["expires_in"].(float64), 5)
}

func TestRefreshReplayKillsFamily(t *testing.T) {
	hub := newTestHub(t)
	token := runCodeFlow(t, hub)
	r1 := token["refresh_token"].(string)

	refresh := func(rt string) *httptest.ResponseRecorder {
		form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {rt}}
		req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return hub.do(t, req)
	}

	rec := refresh(r1)
	require.Equal(t, http.StatusOK, rec.Code)
	var second map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	r2 := second["refresh_token"].(string)
	require.NotEqual(t, r1, r2)

	// Replay of the rotated-out token fails and revokes the family.
	rec = refresh(r1)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var oauthErr map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oauthErr))
	assert.Equal(t, "invalid_grant", oauthErr["error"])

	rec = refresh(r2)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorizeRejectsPlainPKCE(t *testing.T) {
	hub := newTestHub(t)
	clientID := registerClient(t, hub)

	authzURL := "/oauth/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"http://127.0.0.1:5555/cb"},
		"code_challenge":        {"whatever"},
		"code_challenge_method": {"plain"},
		"state":                 {"S2"},
	}.Encode()

	rec := hub.do(t, httptest.NewRequest(http.MethodGet, authzURL, nil))
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_request", loc.Query().Get("error"))
	assert.Equal(t, "S2", loc.Query().Get("state"))
}

func TestClientCredentialsSubsetOnly(t *testing.T) {
	hub := newTestHub(t)

	require.NoError(t, hub.perms.Grant("plug-1", permission.SystemInfo(), nil))
	require.NoError(t, hub.perms.Grant("plug-1", permission.McpCall(), nil))

	client, secret, err := hub.oauth.RegisterPluginClient("plug-1", "Plug One")
	require.NoError(t, err)

	requested, _ := json.Marshal([]oauthstore.AuthorizationDetail{
		{Type: oauthstore.RARTypeMCP, Actions: []string{"call"}},
		{Type: oauthstore.RARTypeFS, Actions: []string{"read"}}, // not granted: silently dropped
	})
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {client.ID},
		"client_secret":         {secret},
		"authorization_details": {string(requested)},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := hub.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var token struct {
		AuthorizationDetails []oauthstore.AuthorizationDetail `json:"authorization_details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	require.Len(t, token.AuthorizationDetails, 1)
	assert.Equal(t, oauthstore.RARTypeMCP, token.AuthorizationDetails[0].Type)
}

func TestHubRoutesRequireGatewayToken(t *testing.T) {
	hub := newTestHub(t)

	rec := hub.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/hub/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hub/status", nil)
	req.Header.Set("Authorization", "Bearer "+hub.token)
	rec = hub.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Contains(t, status, "session_cache_size")
}

func TestGrantChangeEndpoint(t *testing.T) {
	hub := newTestHub(t)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/hub/grants", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+hub.token)
		return hub.do(t, req)
	}

	rec := post(`{"op":"grant","principal":"plug-1","permission":"filesystem:read","scopes":["/data"],"restricted":true}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, hub.perms.HasPermission("plug-1", permission.FilesystemRead()))

	rec = post(`{"op":"revoke","principal":"plug-1","permission":"filesystem:read"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, hub.perms.HasPermission("plug-1", permission.FilesystemRead()))

	state, ok := hub.perms.GetState("plug-1", permission.FilesystemRead())
	require.True(t, ok)
	assert.Equal(t, permission.Revoked, state)

	rec = post(`{"op":"grant","principal":"plug-1","permission":"not:a-permission"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayTokenPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	first, err := loadOrGenerateGatewayToken(dir)
	require.NoError(t, err)
	second, err := loadOrGenerateGatewayToken(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

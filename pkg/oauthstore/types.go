// Package oauthstore implements the credential engine's OAuth half:
// RFC 6749/7591/7636/9396-compliant storage for clients, authorization
// codes, access tokens, and refresh tokens. It is the authorization
// server's state, issuing and validating the tokens plugins and
// external MCP clients present to the gateway.
package oauthstore

import "time"

// AuthMethod is the client authentication method, RFC 7591 §2.
type AuthMethod string

const (
	AuthMethodNone              AuthMethod = "none"
	AuthMethodClientSecretPost AuthMethod = "client_secret_post"
)

// Client is a registered OAuth client.
type Client struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	RedirectURIs     []string   `json:"redirect_uris"`
	GrantTypes       []string   `json:"grant_types"`
	AuthMethod       AuthMethod `json:"auth_method"`
	RegisteredAt     time.Time  `json:"registered_at"`
	Approved         bool       `json:"approved"`
	ClientSecretHash string     `json:"client_secret_hash,omitempty"`
	PluginID         string     `json:"plugin_id,omitempty"`

	// AuthDetails is the RAR snapshot stamped onto tokens minted for a
	// plugin client after this record was last refreshed. Nil means no
	// snapshot has been taken yet and mints derive one from live
	// grants.
	AuthDetails []AuthorizationDetail `json:"auth_details,omitempty"`
}

// AuthorizationDetail is an RFC 9396 Rich Authorization Request
// entry. Type is one of the seven "nexus:*" values; Actions
// map one-to-one onto Permission variants.
type AuthorizationDetail struct {
	Type      string   `json:"type"`
	Actions   []string `json:"actions,omitempty"`
	Locations []string `json:"locations,omitempty"`
	DataTypes []string `json:"datatypes,omitempty"`
}

// RAR type constants.
const (
	RARTypeSystem  = "nexus:system"
	RARTypeFS      = "nexus:fs"
	RARTypeProcess = "nexus:process"
	RARTypeDocker  = "nexus:docker"
	RARTypeNetwork = "nexus:network"
	RARTypeMCP     = "nexus:mcp"
	RARTypeExt     = "nexus:ext"
)

// AuthorizationDetailTypes lists every recognized RFC 9396 type, used
// to populate the authorization_details_types_supported discovery field.
var AuthorizationDetailTypes = []string{
	RARTypeSystem, RARTypeFS, RARTypeProcess, RARTypeDocker,
	RARTypeNetwork, RARTypeMCP, RARTypeExt,
}

// AuthorizationCode is the memory-only, single-use grant code.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Scopes        []string
	Resource      string
	State         string
	ExpiresAt     time.Time
	NoRefresh     bool
}

// AccessToken is the memory-only bearer token. It is
// never persisted: a restart forces clients through the refresh flow,
// which still works from disk.
type AccessToken struct {
	Token                string
	ClientID             string
	ClientName           string
	Scopes               []string
	Resource             string
	ExpiresAt            time.Time
	PluginID             string
	AuthorizationDetails []AuthorizationDetail
}

// RefreshToken is the persisted, rotating token.
type RefreshToken struct {
	Token                string
	ClientID             string
	Scopes               []string
	Resource             string
	ExpiresAt            time.Time
	PluginID             string
	AuthorizationDetails []AuthorizationDetail
}

// Validated is what ValidateAccessToken returns on a successful access-token
// lookup: the subset of claims the gateway needs.
type Validated struct {
	ClientID             string
	ClientName           string
	PluginID             string
	AuthorizationDetails []AuthorizationDetail
}

const (
	// AuthCodeTTL is the authorization code lifetime.
	AuthCodeTTL = 10 * time.Minute
	// DefaultAccessTokenTTL is the access token lifetime absent config override.
	DefaultAccessTokenTTL = 1 * time.Hour
	// DefaultRefreshTokenTTL is the refresh token lifetime absent config override.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

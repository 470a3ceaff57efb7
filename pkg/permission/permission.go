// Package permission implements the trust-and-access core's permission
// engine: three-state grants per (principal, capability) with scope
// whitelists, the single source of truth for authorization decisions
// consulted by the gateway and the OAuth store.
//
// The model is a fixed Permission sum type, a three-state lifecycle,
// and a GrantedPermission record rather than a remote
// policy-evaluation call.
package permission

import "strings"

// Risk is the fixed risk level attached to every Permission variant.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Permission is the sum type: one of ten built-in
// capabilities, or an open-ended Extension whose canonical string
// begins with "ext:". The canonical string is the serialized key.
type Permission struct {
	key string
}

// ExtensionPrefix marks the open-ended Extension variant.
const ExtensionPrefix = "ext:"

var builtins = map[string]struct {
	risk Risk
	desc string
}{
	"system:info":        {RiskLow, "Read basic host/system information"},
	"filesystem:read":     {RiskMedium, "Read files on the host filesystem"},
	"filesystem:write":    {RiskHigh, "Write or delete files on the host filesystem"},
	"process:list":        {RiskLow, "List running processes"},
	"process:exec":        {RiskCritical, "Start or control processes on the host"},
	"docker:read":         {RiskMedium, "Inspect Docker containers and images"},
	"docker:manage":       {RiskHigh, "Create, start, stop, or remove Docker containers"},
	"network:local":       {RiskMedium, "Reach other services on the local network"},
	"network:internet":    {RiskHigh, "Reach the public internet"},
	"mcp:call":            {RiskMedium, "Invoke MCP tools exposed by the gateway"},
}

// Built-in variant constructors, one capability.
func SystemInfo() Permission     { return Permission{"system:info"} }
func FilesystemRead() Permission { return Permission{"filesystem:read"} }
func FilesystemWrite() Permission { return Permission{"filesystem:write"} }
func ProcessList() Permission    { return Permission{"process:list"} }
func ProcessExec() Permission    { return Permission{"process:exec"} }
func DockerRead() Permission     { return Permission{"docker:read"} }
func DockerManage() Permission   { return Permission{"docker:manage"} }
func NetworkLocal() Permission   { return Permission{"network:local"} }
func NetworkInternet() Permission { return Permission{"network:internet"} }
func McpCall() Permission        { return Permission{"mcp:call"} }

// Extension builds the open-ended Extension(string) variant. name may
// be given with or without the "ext:" prefix; the canonical form always
// carries it.
func Extension(name string) Permission {
	if strings.HasPrefix(name, ExtensionPrefix) {
		return Permission{name}
	}
	return Permission{ExtensionPrefix + name}
}

// Parse recovers a Permission from its canonical string form, the
// inverse of String(). Unknown non-"ext:" strings are rejected with
// ok=false. The JSON loader (UnmarshalJSON) does not fail on them; it
// keeps the literal string instead.
func Parse(s string) (p Permission, ok bool) {
	if strings.HasPrefix(s, ExtensionPrefix) {
		return Permission{s}, true
	}
	if _, known := builtins[s]; known {
		return Permission{s}, true
	}
	return Permission{}, false
}

// String returns the canonical serialized key.
func (p Permission) String() string { return p.key }

// IsExtension reports whether p is the open-ended Extension variant.
func (p Permission) IsExtension() bool { return strings.HasPrefix(p.key, ExtensionPrefix) }

// IsZero reports whether p is the unset Permission value.
func (p Permission) IsZero() bool { return p.key == "" }

// Risk returns the fixed risk level for a built-in, or RiskMedium for
// an Extension (no manifest-supplied risk exists at this layer; the
// plugin manifest loader, out of this core's scope, may annotate
// extensions with their own risk for display purposes).
func (p Permission) Risk() Risk {
	if b, ok := builtins[p.key]; ok {
		return b.risk
	}
	return RiskMedium
}

// Description returns a human description, or a generic one for
// Extension variants.
func (p Permission) Description() string {
	if b, ok := builtins[p.key]; ok {
		return b.desc
	}
	if p.IsExtension() {
		return "Plugin-defined extension capability: " + strings.TrimPrefix(p.key, ExtensionPrefix)
	}
	return ""
}

// MarshalJSON/UnmarshalJSON let Permission serialize as its bare
// canonical string, matching GrantedPermission's on-disk JSON shape.
func (p Permission) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.key + `"`), nil
}

func (p *Permission) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, ok := Parse(s)
	if !ok {
		// Preserve the literal string rather than failing the whole
		// document load; has_permission on an unparseable key is
		// simply always false.
		parsed = Permission{s}
	}
	*p = parsed
	return nil
}

package oauthstore

import (
	"strings"

	"github.com/nexus-hub/nexus-core/pkg/permission"
)

// rarTypeAndAction maps a Permission onto the (type, action) pair RFC
// 9396 expects
// and Permission variants.
func rarTypeAndAction(p permission.Permission) (rarType, action string) {
	key := p.String()
	if strings.HasPrefix(key, permission.ExtensionPrefix) {
		return RARTypeExt, strings.TrimPrefix(key, permission.ExtensionPrefix)
	}

	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return RARTypeExt, key
	}
	category, action := parts[0], parts[1]

	switch category {
	case "system":
		return RARTypeSystem, action
	case "filesystem":
		return RARTypeFS, action
	case "process":
		return RARTypeProcess, action
	case "docker":
		return RARTypeDocker, action
	case "network":
		return RARTypeNetwork, action
	case "mcp":
		return RARTypeMCP, action
	default:
		return RARTypeExt, key
	}
}

// BuildAuthorizationDetails derives a RAR snapshot from a plugin's
// current Active grants ("Permission changes at
// runtime MUST trigger regeneration of AuthorizationDetails"). Deferred
// and Revoked grants contribute nothing.
func BuildAuthorizationDetails(grants []permission.GrantedPermission) []AuthorizationDetail {
	byType := map[string]*AuthorizationDetail{}
	var order []string

	for _, g := range grants {
		if g.State != permission.Active {
			continue
		}
		rarType, action := rarTypeAndAction(g.Permission)

		d, ok := byType[rarType]
		if !ok {
			d = &AuthorizationDetail{Type: rarType}
			byType[rarType] = d
			order = append(order, rarType)
		}
		d.Actions = appendUnique(d.Actions, action)

		if g.ApprovedScopes != nil {
			for _, s := range g.ApprovedScopes.Values {
				d.Locations = appendUnique(d.Locations, s)
			}
		}
	}

	details := make([]AuthorizationDetail, 0, len(order))
	for _, t := range order {
		details = append(details, *byType[t])
	}
	return details
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// HasBlanketMCPAccess reports whether details grants unrestricted
// "nexus:mcp"/"call", used by the gateway's plugin-token fallback
// fallback check.
func HasBlanketMCPAccess(details []AuthorizationDetail) bool {
	for _, d := range details {
		if d.Type != RARTypeMCP {
			continue
		}
		for _, a := range d.Actions {
			if a == "call" {
				return true
			}
		}
	}
	return false
}

// MergeAuthorizationDetails restricts current to, at most, what
// requested asks for: callers may request a subset but never a
// superset. A nil
// requested means "use current unchanged".
func MergeAuthorizationDetails(current, requested []AuthorizationDetail) []AuthorizationDetail {
	if requested == nil {
		return current
	}

	byType := map[string]AuthorizationDetail{}
	for _, d := range current {
		byType[d.Type] = d
	}

	merged := make([]AuthorizationDetail, 0, len(requested))
	for _, req := range requested {
		have, ok := byType[req.Type]
		if !ok {
			continue // requesting a type not currently granted: denied silently
		}
		restricted := AuthorizationDetail{Type: req.Type}
		for _, a := range req.Actions {
			if contains(have.Actions, a) {
				restricted.Actions = append(restricted.Actions, a)
			}
		}
		for _, l := range req.Locations {
			if contains(have.Locations, l) {
				restricted.Locations = append(restricted.Locations, l)
			}
		}
		restricted.DataTypes = have.DataTypes
		merged = append(merged, restricted)
	}
	return merged
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

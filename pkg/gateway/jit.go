package gateway

import (
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/nexus-hub/nexus-core/pkg/approval"
	"github.com/nexus-hub/nexus-core/pkg/audit"
	"github.com/nexus-hub/nexus-core/pkg/permission"
)

// JIT is the deferred-permission middleware: it
// runs only on the plugin host-API routes, after the OAuth branch has
// already placed a plugin id in the request context, and enforces the
// Active/Deferred/Revoked state machine per endpoint.
type JIT struct {
	perms    *permission.Service
	approval *approval.Bridge
	audit    *audit.Writer

	// prompts collapses concurrent first hits on the same deferred
	// (plugin, permission) pair into a single approval request; every
	// waiter shares the one decision.
	prompts singleflight.Group
}

// NewJIT builds a JIT layer over perms and approvals. auditWriter may
// be nil in tests.
func NewJIT(perms *permission.Service, approvals *approval.Bridge, auditWriter *audit.Writer) *JIT {
	return &JIT{perms: perms, approval: approvals, audit: auditWriter}
}

// denyAudit records a just-in-time denial at Warn severity.
func (j *JIT) denyAudit(pluginID string, perm permission.Permission, reason string) {
	if j.audit == nil {
		return
	}
	j.audit.PushDetails("mcp_client", pluginID, audit.SeverityWarn, "jit:deny", perm.String(), audit.ResultDeny, reason)
}

// Require wraps next so that it only runs once perm is Active for the
// request's authenticated plugin:
//   - Active    -> proceed.
//   - Deferred  -> ask the ApprovalBridge, waiting up to its timeout.
//     Approve -> activate and proceed. ApproveOnce -> proceed without
//     persisting. Deny (or timeout) -> revoke and 403.
//   - Revoked or no record (None) -> 403 without prompting.
//
// A request with no plugin id in context (i.e. not authenticated via
// the OAuth branch) is rejected outright: this layer only makes sense
// behind that branch.
func (j *JIT) Require(perm permission.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pluginID, ok := PluginIDFromContext(r.Context())
			if !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			state, ok := j.perms.GetState(pluginID, perm)
			if !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			switch state {
			case permission.Active:
				next.ServeHTTP(w, r)

			case permission.Deferred:
				key := pluginID + "\x00" + perm.String()
				v, _, _ := j.prompts.Do(key, func() (any, error) {
					return j.approval.RequestApproval(r.Context(), pluginID, perm), nil
				})
				decision := v.(approval.Decision)
				switch decision {
				case approval.Approve:
					_ = j.perms.Activate(pluginID, perm)
					next.ServeHTTP(w, r)
				case approval.ApproveOnce:
					next.ServeHTTP(w, r)
				default: // approval.Deny, or timeout
					_ = j.perms.Revoke(pluginID, perm)
					j.denyAudit(pluginID, perm, "approval denied or timed out")
					http.Error(w, "forbidden", http.StatusForbidden)
				}

			default: // permission.Revoked
				j.denyAudit(pluginID, perm, "permission revoked")
				http.Error(w, "forbidden", http.StatusForbidden)
			}
		})
	}
}

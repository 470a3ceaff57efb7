package permission

import "time"

// State is the grant's three-state lifecycle.
type State string

const (
	Active   State = "active"
	Deferred State = "deferred"
	Revoked  State = "revoked"
)

// ScopeSet models the three-way optional-whitelist:
//   - nil *ScopeSet                 -> unrestricted (None)
//   - empty Values, Restricted=true -> restricted, nothing approved yet
//   - non-empty Values              -> whitelist of approved scope strings
type ScopeSet struct {
	Restricted bool     `json:"restricted"`
	Values     []string `json:"values,omitempty"`
}

// Unrestricted is the "None" scope set: the grant applies to every scope.
func Unrestricted() *ScopeSet { return nil }

// RestrictedEmpty is the "Some(empty)" scope set: restricted, with
// nothing approved yet.
func RestrictedEmpty() *ScopeSet { return &ScopeSet{Restricted: true} }

// RestrictedTo is the "Some(list)" scope set.
func RestrictedTo(values ...string) *ScopeSet {
	return &ScopeSet{Restricted: true, Values: append([]string{}, values...)}
}

// GrantedPermission is the persisted grant record. GrantedAt
// is immutable once set (invariant a); RevokedAt is set iff State is
// Revoked (invariant b).
type GrantedPermission struct {
	Principal      string     `json:"principal"`
	Permission     Permission `json:"permission"`
	State          State      `json:"state"`
	GrantedAt      time.Time  `json:"granted_at"`
	ApprovedScopes *ScopeSet  `json:"approved_scopes,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// reconcile enforces the backward-compatibility rule: state is
// the source of truth, but if it is missing while revoked_at is
// present, treat the record as Revoked; otherwise Active. Called once
// per record right after JSON load.
func (g *GrantedPermission) reconcile() {
	if g.State != "" {
		return
	}
	if g.RevokedAt != nil {
		g.State = Revoked
		return
	}
	g.State = Active
}

// addScope appends s to ApprovedScopes. It is a no-op when the set is
// unrestricted (nil) — invariant (d): adding to an unrestricted grant
// never silently converts it to restricted.
func (g *GrantedPermission) addScope(s string) {
	if g.ApprovedScopes == nil {
		return
	}
	for _, v := range g.ApprovedScopes.Values {
		if v == s {
			return
		}
	}
	g.ApprovedScopes.Values = append(g.ApprovedScopes.Values, s)
}

func (g *GrantedPermission) removeScope(s string) {
	if g.ApprovedScopes == nil {
		return
	}
	kept := g.ApprovedScopes.Values[:0]
	for _, v := range g.ApprovedScopes.Values {
		if v != s {
			kept = append(kept, v)
		}
	}
	g.ApprovedScopes.Values = kept
}

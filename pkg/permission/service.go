package permission

import (
	"time"

	"github.com/nexus-hub/nexus-core/pkg/jsonstore"
)

// Document is the on-disk shape of permissions.json: principal -> the
// canonical permission key -> record. Keying by string rather than by
// Permission keeps the JSON shape stable across the Permission type's
// internal representation.
type Document struct {
	Grants map[string]map[string]GrantedPermission `json:"grants"`
}

// Service is the permission engine. All
// operations synchronize internally; read-only callers never need to
// take a write lock themselves.
type Service struct {
	store *jsonstore.Store[Document]
}

// Open loads (or creates) the permissions store at path.
func Open(path string) (*Service, error) {
	store, err := jsonstore.Open(path, Document{Grants: map[string]map[string]GrantedPermission{}})
	if err != nil {
		return nil, err
	}

	// Reconcile state/revoked_at right after load, and
	// guarantee the nested map exists for every principal.
	_ = store.Update(func(doc *Document) error {
		if doc.Grants == nil {
			doc.Grants = map[string]map[string]GrantedPermission{}
		}
		for principal, grants := range doc.Grants {
			for key, g := range grants {
				g.reconcile()
				doc.Grants[principal][key] = g
			}
		}
		return nil
	})

	return &Service{store: store}, nil
}

// Grant creates an Active record. If an existing record for (p, perm)
// was Revoked, it is restored in place rather than duplicated.
func (s *Service) Grant(principal string, perm Permission, scopes *ScopeSet) error {
	return s.store.Update(func(doc *Document) error {
		grants := ensurePrincipal(doc, principal)
		key := perm.String()

		if existing, ok := grants[key]; ok {
			existing.State = Active
			existing.RevokedAt = nil
			if scopes != nil {
				existing.ApprovedScopes = scopes
			}
			grants[key] = existing
			return nil
		}

		grants[key] = GrantedPermission{
			Principal:      principal,
			Permission:     perm,
			State:          Active,
			GrantedAt:      time.Now(),
			ApprovedScopes: scopes,
		}
		return nil
	})
}

// Revoke soft-transitions (p, perm) to Revoked, stamping RevokedAt and
// preserving ApprovedScopes. A no-op if no record exists.
func (s *Service) Revoke(principal string, perm Permission) error {
	return s.store.Update(func(doc *Document) error {
		grants := ensurePrincipal(doc, principal)
		key := perm.String()
		g, ok := grants[key]
		if !ok {
			return nil
		}
		now := time.Now()
		g.State = Revoked
		g.RevokedAt = &now
		grants[key] = g
		return nil
	})
}

// Unrevoke transitions (p, perm) from Revoked back to Active, clearing
// RevokedAt.
func (s *Service) Unrevoke(principal string, perm Permission) error {
	return s.store.Update(func(doc *Document) error {
		grants := ensurePrincipal(doc, principal)
		key := perm.String()
		g, ok := grants[key]
		if !ok || g.State != Revoked {
			return nil
		}
		g.State = Active
		g.RevokedAt = nil
		grants[key] = g
		return nil
	})
}

// Defer creates a record in the Deferred state. An existing record is
// replaced but keeps its GrantedAt.
func (s *Service) Defer(principal string, perm Permission, scopes *ScopeSet) error {
	return s.store.Update(func(doc *Document) error {
		grants := ensurePrincipal(doc, principal)
		key := perm.String()
		rec := GrantedPermission{
			Principal:      principal,
			Permission:     perm,
			State:          Deferred,
			GrantedAt:      time.Now(),
			ApprovedScopes: scopes,
		}
		if existing, ok := grants[key]; ok {
			rec.GrantedAt = existing.GrantedAt
		}
		grants[key] = rec
		return nil
	})
}

// Activate transitions (p, perm) from Deferred to Active. Used on JIT
// approval.
func (s *Service) Activate(principal string, perm Permission) error {
	return s.store.Update(func(doc *Document) error {
		grants := ensurePrincipal(doc, principal)
		key := perm.String()
		g, ok := grants[key]
		if !ok || g.State != Deferred {
			return nil
		}
		g.State = Active
		grants[key] = g
		return nil
	})
}

// AddApprovedScope appends scope to the grant's whitelist. No-op if
// the grant is unrestricted (invariant d) or does not exist.
func (s *Service) AddApprovedScope(principal string, perm Permission, scope string) error {
	return s.store.Update(func(doc *Document) error {
		grants := ensurePrincipal(doc, principal)
		key := perm.String()
		g, ok := grants[key]
		if !ok {
			return nil
		}
		g.addScope(scope)
		grants[key] = g
		return nil
	})
}

// RemoveApprovedScope removes scope from the grant's whitelist, if
// present.
func (s *Service) RemoveApprovedScope(principal string, perm Permission, scope string) error {
	return s.store.Update(func(doc *Document) error {
		grants := ensurePrincipal(doc, principal)
		key := perm.String()
		g, ok := grants[key]
		if !ok {
			return nil
		}
		g.removeScope(scope)
		grants[key] = g
		return nil
	})
}

// HasPermission reports whether a record exists for (p, perm) AND its
// state is Active.
func (s *Service) HasPermission(principal string, perm Permission) bool {
	has := false
	s.store.View(func(doc Document) {
		g, ok := doc.Grants[principal][perm.String()]
		has = ok && g.State == Active
	})
	return has
}

// GetState returns the current state, or ok=false if no record exists.
func (s *Service) GetState(principal string, perm Permission) (state State, ok bool) {
	s.store.View(func(doc Document) {
		g, found := doc.Grants[principal][perm.String()]
		if found {
			state, ok = g.State, true
		}
	})
	return state, ok
}

// GetGrant returns the full record for (p, perm), if any.
func (s *Service) GetGrant(principal string, perm Permission) (g GrantedPermission, ok bool) {
	s.store.View(func(doc Document) {
		g, ok = doc.Grants[principal][perm.String()]
	})
	return g, ok
}

// GetGrants returns every record (any state) for principal.
func (s *Service) GetGrants(principal string) []GrantedPermission {
	var out []GrantedPermission
	s.store.View(func(doc Document) {
		for _, g := range doc.Grants[principal] {
			out = append(out, g)
		}
	})
	return out
}

// RevokeAll removes every record for principal outright (not a soft
// revoke — the records themselves are deleted).
func (s *Service) RevokeAll(principal string) error {
	return s.store.Update(func(doc *Document) error {
		delete(doc.Grants, principal)
		return nil
	})
}

func ensurePrincipal(doc *Document, principal string) map[string]GrantedPermission {
	if doc.Grants == nil {
		doc.Grants = map[string]map[string]GrantedPermission{}
	}
	if doc.Grants[principal] == nil {
		doc.Grants[principal] = map[string]GrantedPermission{}
	}
	return doc.Grants[principal]
}

// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

// Package auth implements users, API keys, and the scope lattice that gates
// every read and write in the kernel.
package auth

// Scope is an atomic permission verb.
type Scope string

// All atomic scopes.
const (
	ScopeLocalityRead          Scope = "locality:read"
	ScopeLocalityWrite         Scope = "locality:write"
	ScopeMetaRead              Scope = "meta:read"
	ScopeMetaWrite             Scope = "meta:write"
	ScopeNamespaceCreate       Scope = "namespace:create"
	ScopeNamespaceRead         Scope = "namespace:read"
	ScopeNamespaceWrite        Scope = "namespace:write"
	ScopeNamespaceWriteDerived Scope = "namespace:write_derived"
	ScopeAll                   Scope = "all"
)

// NamespaceGroup targets a grant at a class of namespaces.
type NamespaceGroup string

// Namespace groups a grant may target.
const (
	NamespaceGroupPublic  NamespaceGroup = "public"
	NamespaceGroupPrivate NamespaceGroup = "private"
	NamespaceGroupAll     NamespaceGroup = "all"
)

// Namespace is the minimal view of a namespace needed for scope checks.
type Namespace struct {
	ID     int64
	Public bool
}

// Grant attaches a scope to a target: global (no target), a single namespace,
// or a namespace group.
type Grant struct {
	Scope          Scope
	NamespaceID    *int64
	NamespaceGroup *NamespaceGroup
}

// Global reports whether the grant has no namespace target.
func (g Grant) Global() bool {
	return g.NamespaceID == nil && g.NamespaceGroup == nil
}

// ScopeSet is a user's effective grants: direct grants unioned with the
// grants of every group the user belongs to.
type ScopeSet struct {
	grants []Grant
}

// NewScopeSet builds a scope set from resolved grants.
func NewScopeSet(grants []Grant) *ScopeSet {
	return &ScopeSet{grants: grants}
}

// satisfies reports whether granted covers requested, accounting for the
// wildcard and for namespace:write implying namespace:write_derived.
func satisfies(granted, requested Scope) bool {
	if granted == ScopeAll || granted == requested {
		return true
	}
	return requested == ScopeNamespaceWriteDerived && granted == ScopeNamespaceWrite
}

// HasGlobal reports whether the set carries scope globally or at namespace
// group "all".
func (s *ScopeSet) HasGlobal(scope Scope) bool {
	for _, g := range s.grants {
		if !satisfies(g.Scope, scope) {
			continue
		}
		if g.Global() {
			return true
		}
		if g.NamespaceGroup != nil && *g.NamespaceGroup == NamespaceGroupAll {
			return true
		}
	}
	return false
}

// HasInNamespace reports whether the set carries scope in the given
// namespace, through a global grant, a namespace-id grant, or a matching
// namespace-group grant.
func (s *ScopeSet) HasInNamespace(scope Scope, ns Namespace) bool {
	if s.HasGlobal(scope) {
		return true
	}
	group := NamespaceGroupPrivate
	if ns.Public {
		group = NamespaceGroupPublic
	}
	for _, g := range s.grants {
		if !satisfies(g.Scope, scope) {
			continue
		}
		if g.NamespaceID != nil && *g.NamespaceID == ns.ID {
			return true
		}
		if g.NamespaceGroup != nil && *g.NamespaceGroup == group {
			return true
		}
	}
	return false
}

// CanReadNamespace is shorthand for the namespace:read check.
func (s *ScopeSet) CanReadNamespace(ns Namespace) bool {
	return s.HasInNamespace(ScopeNamespaceRead, ns)
}

// CanWriteNamespace is shorthand for the namespace:write check.
func (s *ScopeSet) CanWriteNamespace(ns Namespace) bool {
	return s.HasInNamespace(ScopeNamespaceWrite, ns)
}

// CanWriteDerived is shorthand for the namespace:write_derived check.
func (s *ScopeSet) CanWriteDerived(ns Namespace) bool {
	return s.HasInNamespace(ScopeNamespaceWriteDerived, ns)
}

// PublicBundle is the default grant bundle for read-only public access.
func PublicBundle() []Grant {
	public := NamespaceGroupPublic
	return []Grant{
		{Scope: ScopeLocalityRead},
		{Scope: ScopeMetaRead},
		{Scope: ScopeNamespaceRead, NamespaceGroup: &public},
	}
}

// ContributorBundle extends the public bundle with write access; namespace
// creators additionally receive per-namespace grants at creation time.
func ContributorBundle() []Grant {
	return append(PublicBundle(),
		Grant{Scope: ScopeLocalityWrite},
		Grant{Scope: ScopeMetaWrite},
		Grant{Scope: ScopeNamespaceCreate},
	)
}

// AdminBundle grants everything everywhere.
func AdminBundle() []Grant {
	return []Grant{{Scope: ScopeAll}}
}

// NamespaceOwnerBundle is granted to a namespace's creator when they lack
// namespace-level scopes for it.
func NamespaceOwnerBundle(namespaceID int64) []Grant {
	id := namespaceID
	return []Grant{
		{Scope: ScopeNamespaceRead, NamespaceID: &id},
		{Scope: ScopeNamespaceWrite, NamespaceID: &id},
		{Scope: ScopeNamespaceWriteDerived, NamespaceID: &id},
	}
}

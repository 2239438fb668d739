// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package auth_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mggg/gerrydb/gerrydb/auth"
)

func group(g auth.NamespaceGroup) *auth.NamespaceGroup { return &g }

func namespaceID(id int64) *int64 { return &id }

func TestScopeSetGlobal(t *testing.T) {
	set := auth.NewScopeSet([]auth.Grant{
		{Scope: auth.ScopeLocalityRead},
	})

	require.True(t, set.HasGlobal(auth.ScopeLocalityRead))
	require.False(t, set.HasGlobal(auth.ScopeLocalityWrite))
	// global grants cover every namespace
	require.True(t, set.HasInNamespace(auth.ScopeLocalityRead, auth.Namespace{ID: 7, Public: false}))
}

func TestScopeSetWildcard(t *testing.T) {
	admin := auth.NewScopeSet(auth.AdminBundle())

	for _, scope := range []auth.Scope{
		auth.ScopeLocalityRead, auth.ScopeLocalityWrite,
		auth.ScopeMetaRead, auth.ScopeMetaWrite,
		auth.ScopeNamespaceCreate, auth.ScopeNamespaceRead,
		auth.ScopeNamespaceWrite, auth.ScopeNamespaceWriteDerived,
	} {
		require.True(t, admin.HasGlobal(scope), "scope %s", scope)
		require.True(t, admin.HasInNamespace(scope, auth.Namespace{ID: 1}), "scope %s", scope)
	}
}

func TestScopeSetNamespaceGroupAll(t *testing.T) {
	set := auth.NewScopeSet([]auth.Grant{
		{Scope: auth.ScopeNamespaceRead, NamespaceGroup: group(auth.NamespaceGroupAll)},
	})

	require.True(t, set.HasGlobal(auth.ScopeNamespaceRead))
	require.True(t, set.CanReadNamespace(auth.Namespace{ID: 3, Public: false}))
	require.True(t, set.CanReadNamespace(auth.Namespace{ID: 4, Public: true}))
}

func TestScopeSetPublicPrivateGroups(t *testing.T) {
	set := auth.NewScopeSet([]auth.Grant{
		{Scope: auth.ScopeNamespaceRead, NamespaceGroup: group(auth.NamespaceGroupPublic)},
	})

	require.True(t, set.CanReadNamespace(auth.Namespace{ID: 1, Public: true}))
	require.False(t, set.CanReadNamespace(auth.Namespace{ID: 2, Public: false}))
	require.False(t, set.HasGlobal(auth.ScopeNamespaceRead))

	private := auth.NewScopeSet([]auth.Grant{
		{Scope: auth.ScopeNamespaceRead, NamespaceGroup: group(auth.NamespaceGroupPrivate)},
	})
	require.False(t, private.CanReadNamespace(auth.Namespace{ID: 1, Public: true}))
	require.True(t, private.CanReadNamespace(auth.Namespace{ID: 2, Public: false}))
}

func TestScopeSetNamespaceID(t *testing.T) {
	set := auth.NewScopeSet([]auth.Grant{
		{Scope: auth.ScopeNamespaceWrite, NamespaceID: namespaceID(42)},
	})

	require.True(t, set.CanWriteNamespace(auth.Namespace{ID: 42, Public: false}))
	require.False(t, set.CanWriteNamespace(auth.Namespace{ID: 43, Public: false}))
	require.False(t, set.HasGlobal(auth.ScopeNamespaceWrite))
}

func TestWriteImpliesWriteDerived(t *testing.T) {
	set := auth.NewScopeSet([]auth.Grant{
		{Scope: auth.ScopeNamespaceWrite, NamespaceID: namespaceID(9)},
	})

	require.True(t, set.CanWriteDerived(auth.Namespace{ID: 9}))

	derivedOnly := auth.NewScopeSet([]auth.Grant{
		{Scope: auth.ScopeNamespaceWriteDerived, NamespaceID: namespaceID(9)},
	})
	require.True(t, derivedOnly.CanWriteDerived(auth.Namespace{ID: 9}))
	require.False(t, derivedOnly.CanWriteNamespace(auth.Namespace{ID: 9}))
}

func TestBundles(t *testing.T) {
	public := auth.NewScopeSet(auth.PublicBundle())
	require.True(t, public.HasGlobal(auth.ScopeLocalityRead))
	require.True(t, public.CanReadNamespace(auth.Namespace{ID: 1, Public: true}))
	require.False(t, public.CanReadNamespace(auth.Namespace{ID: 2, Public: false}))
	require.False(t, public.HasGlobal(auth.ScopeNamespaceCreate))

	contributor := auth.NewScopeSet(auth.ContributorBundle())
	require.True(t, contributor.HasGlobal(auth.ScopeNamespaceCreate))
	require.True(t, contributor.HasGlobal(auth.ScopeLocalityWrite))
	require.False(t, contributor.CanWriteNamespace(auth.Namespace{ID: 2, Public: true}))

	owner := auth.NewScopeSet(auth.NamespaceOwnerBundle(5))
	require.True(t, owner.CanReadNamespace(auth.Namespace{ID: 5, Public: false}))
	require.True(t, owner.CanWriteNamespace(auth.Namespace{ID: 5, Public: false}))
	require.True(t, owner.CanWriteDerived(auth.Namespace{ID: 5, Public: false}))
	require.False(t, owner.CanReadNamespace(auth.Namespace{ID: 6, Public: false}))
}

func TestValidRawKey(t *testing.T) {
	valid := "0123456789abcdefghij0123456789abcdefghij0123456789abcdefghij0123"
	require.Len(t, valid, auth.RawKeyLength)
	require.True(t, auth.ValidRawKey(valid))

	require.False(t, auth.ValidRawKey(""))
	require.False(t, auth.ValidRawKey(valid[:63]))
	require.False(t, auth.ValidRawKey(valid+"a"))
	// uppercase and punctuation are rejected
	require.False(t, auth.ValidRawKey("A"+valid[1:]))
	require.False(t, auth.ValidRawKey("-"+valid[1:]))
}

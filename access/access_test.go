package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/registry"
	"github.com/helix-tools/dataroom/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := registry.OpenDB(ctx, "sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return NewStore(db, nil)
}

func TestGrantLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	g, err := s.RequestAccess(ctx, "ds1", "alice", " please ")
	require.NoError(t, err)
	require.Equal(t, types.GrantPending, g.Status)
	require.Equal(t, "please", g.Message)

	_, err = s.RequestAccess(ctx, "ds1", "alice", "again")
	require.True(t, apperr.Is(err, apperr.Conflict), "duplicate pending: %v", err)

	_, err = s.Decide(ctx, g.ID, "owner", "maybe")
	require.True(t, apperr.Is(err, apperr.BadRequest))

	decided, err := s.Decide(ctx, g.ID, "owner", "accepted")
	require.NoError(t, err)
	require.Equal(t, types.GrantApproved, decided.Status)
	require.Equal(t, "owner", decided.UpdatedBy)

	_, err = s.Decide(ctx, g.ID, "owner", "denied")
	require.True(t, apperr.Is(err, apperr.Conflict), "terminal grant: %v", err)

	_, err = s.RequestAccess(ctx, "ds1", "alice", "approved already")
	require.True(t, apperr.Is(err, apperr.Conflict))

	_, err = s.Decide(ctx, "nope", "owner", "approved")
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestDeniedGrantAllowsNewRequest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	g, err := s.RequestAccess(ctx, "ds1", "bob", "")
	require.NoError(t, err)
	_, err = s.Decide(ctx, g.ID, "owner", "rejected")
	require.NoError(t, err)

	again, err := s.RequestAccess(ctx, "ds1", "bob", "second try")
	require.NoError(t, err)
	require.NotEqual(t, g.ID, again.ID)

	grants, err := s.ListGrants(ctx, "ds1")
	require.NoError(t, err)
	require.Len(t, grants, 2)

	latest, err := s.Lookup(ctx, "bob", "ds1")
	require.NoError(t, err)
	require.Equal(t, types.GrantPending, latest.Status)
}

func TestAuthority(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	auth := NewAuthority(s, s)

	free := &types.Dataset{ID: "free"}
	priced := &types.Dataset{ID: "priced", Price: 10}

	require.True(t, apperr.Is(auth.Authorize(ctx, "carol", "free"), apperr.NotAuthorized))

	for _, d := range []*types.Dataset{free, priced} {
		g, err := s.RequestAccess(ctx, d.ID, "carol", "")
		require.NoError(t, err)
		_, err = s.Decide(ctx, g.ID, "owner", "approved")
		require.NoError(t, err)
	}

	ok, err := auth.HasAccess(ctx, "carol", "free")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, auth.AuthorizeExport(ctx, "carol", free))
	require.True(t, apperr.Is(auth.AuthorizeExport(ctx, "carol", priced), apperr.NotAuthorized))

	_, err = s.RecordPurchase(ctx, "carol", "priced")
	require.NoError(t, err)
	require.NoError(t, auth.AuthorizeExport(ctx, "carol", priced))

	_, err = s.RecordPurchase(ctx, "carol", "priced")
	require.True(t, apperr.Is(err, apperr.Conflict))

	_, err = s.RecordPurchase(ctx, "dave", "priced")
	require.True(t, apperr.Is(err, apperr.Conflict), "purchase without grant: %v", err)
}

func TestCanManage(t *testing.T) {
	d := &types.Dataset{ContributorID: "u1", OrganizationID: "org"}
	tests := []struct {
		name string
		id   types.Identity
		want bool
	}{
		{"owner", types.Identity{Subject: "u1"}, true},
		{"admin", types.Identity{Subject: "x", Roles: []string{types.RoleAdmin}}, true},
		{"org contributor", types.Identity{Subject: "u2", Organization: "org", Roles: []string{types.RoleContributor}}, true},
		{"org researcher", types.Identity{Subject: "u3", Organization: "org", Roles: []string{types.RoleResearcher}}, false},
		{"stranger", types.Identity{Subject: "u4", Organization: "other", Roles: []string{types.RoleContributor}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CanManage(tt.id, d))
		})
	}
}

package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *testclock.Clock, *db.Store) {
	t.Helper()
	store, err := db.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	clk := testclock.NewClock(epoch)
	return New(store, clk, time.Second), clk, store
}

func TestRevokeIsIdempotent(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	req := Request{
		TokenID:    "jti-1",
		IdentityID: "user-1",
		IssuedAt:   epoch.Add(-time.Hour),
		ExpiresAt:  epoch.Add(29 * 24 * time.Hour),
		RevokedBy:  "admin",
		Reason:     "laptop lost",
	}

	out, err := s.Revoke(ctx, req)
	require.NoError(t, err)
	require.Equal(t, Revoked, out)

	out, err = s.Revoke(ctx, req)
	require.NoError(t, err)
	require.Equal(t, AlreadyRevoked, out)

	revoked, err := s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.True(t, revoked)

	rec, err := s.Status(ctx, "jti-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "laptop lost", rec.Reason)
	require.Equal(t, "admin", rec.RevokedBy)
	require.True(t, rec.RevokedAt.Equal(epoch))
}

func TestRevokeRequiresTokenID(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Revoke(context.Background(), Request{})
	require.Error(t, err)
}

func TestUnknownTokenNotRevoked(t *testing.T) {
	s, _, _ := newTestStore(t)
	revoked, err := s.IsRevoked(context.Background(), "never-seen")
	require.NoError(t, err)
	require.False(t, revoked)

	rec, err := s.Status(context.Background(), "never-seen")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestCleanupHonoursRetention(t *testing.T) {
	s, clk, _ := newTestStore(t)
	ctx := context.Background()

	for jti, exp := range map[string]time.Time{
		"old":    epoch.Add(-10 * 24 * time.Hour),
		"recent": epoch.Add(-3 * 24 * time.Hour),
		"live":   epoch.Add(5 * 24 * time.Hour),
	} {
		_, err := s.Revoke(ctx, Request{TokenID: jti, IdentityID: "u", IssuedAt: exp.Add(-time.Hour), ExpiresAt: exp})
		require.NoError(t, err)
	}

	_, err := s.Cleanup(ctx, 0)
	require.Error(t, err)
	_, err = s.Cleanup(ctx, -3)
	require.Error(t, err)
	ok, err := s.IsRevoked(ctx, "old")
	require.NoError(t, err)
	require.True(t, ok, "rejected cleanup must not delete anything")

	n, err := s.Cleanup(ctx, DefaultRetentionDays)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	for jti, want := range map[string]bool{"old": false, "recent": true, "live": true} {
		got, err := s.IsRevoked(ctx, jti)
		require.NoError(t, err)
		require.Equal(t, want, got, jti)
	}

	clk.Advance(7 * 24 * time.Hour)
	n, err = s.Cleanup(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestIsRevokedFailsWhenStoreClosed(t *testing.T) {
	s, _, store := newTestStore(t)
	require.NoError(t, store.Close())

	_, err := s.IsRevoked(context.Background(), "jti")
	require.Error(t, err)
}

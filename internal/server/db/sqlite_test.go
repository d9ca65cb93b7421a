package db

import (
	"context"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUpsertIdentity(t *testing.T, s *Store, id string, ghID int64) *Identity {
	t.Helper()
	ident, err := s.UpsertIdentityOnLogin(context.Background(), &Identity{
		ID:                   id,
		GitHubUserID:         ghID,
		GitHubLogin:          "octocat",
		AccessTokenEncrypted: "enc-access",
	}, testNow)
	if err != nil {
		t.Fatalf("UpsertIdentityOnLogin: %v", err)
	}
	return ident
}

func TestRebind(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	got := s.rebind(`SELECT a FROM t WHERE x = ? AND y = ?`)
	want := `SELECT a FROM t WHERE x = $1 AND y = $2`
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}

	s.driver = DriverSQLite
	if got := s.rebind(`x = ?`); got != `x = ?` {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "dsn"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestIdentityUpsertOnLogin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustUpsertIdentity(t, s, "id-1", 42)
	if first.ID != "id-1" || first.GitHubUserID != 42 {
		t.Fatalf("got identity %+v", first)
	}
	if first.Whitelisted {
		t.Fatal("new identities must not be whitelisted")
	}
	if first.AccessTokenEncrypted != "enc-access" {
		t.Fatalf("AccessTokenEncrypted = %q", first.AccessTokenEncrypted)
	}

	if _, err := s.SetWhitelisted(ctx, "id-1", true, testNow); err != nil {
		t.Fatalf("SetWhitelisted: %v", err)
	}

	// Second login with a different candidate id must reuse the existing row.
	expires := testNow.Add(8 * time.Hour)
	second, err := s.UpsertIdentityOnLogin(ctx, &Identity{
		ID:                    "id-2",
		GitHubUserID:          42,
		GitHubLogin:           "octocat-renamed",
		AccessTokenEncrypted:  "enc-access-2",
		RefreshTokenEncrypted: "enc-refresh-2",
		TokenExpiresAt:        &expires,
	}, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("UpsertIdentityOnLogin: %v", err)
	}
	if second.ID != "id-1" {
		t.Fatalf("upsert changed identity id to %q", second.ID)
	}
	if !second.Whitelisted {
		t.Fatal("upsert must not reset the whitelist flag")
	}
	if second.GitHubLogin != "octocat-renamed" || second.AccessTokenEncrypted != "enc-access-2" {
		t.Fatalf("got identity %+v", second)
	}
	if second.TokenExpiresAt == nil || !second.TokenExpiresAt.Equal(expires) {
		t.Fatalf("TokenExpiresAt = %v, want %v", second.TokenExpiresAt, expires)
	}

	missing, err := s.GetIdentity(ctx, "nope")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for nonexistent identity")
	}
}

func TestWhitelistStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsertIdentity(t, s, "id-1", 7)

	wl, found, err := s.GetWhitelistStatus(ctx, "id-1")
	if err != nil || !found || wl {
		t.Fatalf("GetWhitelistStatus = %v, %v, %v", wl, found, err)
	}

	ok, err := s.SetWhitelisted(ctx, "id-1", true, testNow)
	if err != nil || !ok {
		t.Fatalf("SetWhitelisted = %v, %v", ok, err)
	}
	wl, _, _ = s.GetWhitelistStatus(ctx, "id-1")
	if !wl {
		t.Fatal("expected whitelisted")
	}

	_, found, err = s.GetWhitelistStatus(ctx, "ghost")
	if err != nil || found {
		t.Fatalf("GetWhitelistStatus(ghost) = found=%v err=%v", found, err)
	}
	ok, _ = s.SetWhitelisted(ctx, "ghost", true, testNow)
	if ok {
		t.Fatal("SetWhitelisted on missing identity reported success")
	}
}

func TestUpdateIdentityTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsertIdentity(t, s, "id-1", 7)

	exp := testNow.Add(time.Hour)
	if err := s.UpdateIdentityTokens(ctx, "id-1", "a2", "r2", &exp, testNow); err != nil {
		t.Fatalf("UpdateIdentityTokens: %v", err)
	}
	got, _ := s.GetIdentity(ctx, "id-1")
	if got.AccessTokenEncrypted != "a2" || got.RefreshTokenEncrypted != "r2" {
		t.Fatalf("got %+v", got)
	}

	if err := s.UpdateIdentityTokens(ctx, "ghost", "a", "", nil, testNow); err == nil {
		t.Fatal("expected error for missing identity")
	}
}

func TestListAndReplaceEnvelopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsertIdentity(t, s, "a", 1)
	mustUpsertIdentity(t, s, "b", 2)
	if _, err := s.UpsertIdentityOnLogin(ctx, &Identity{ID: "c", GitHubUserID: 3}, testNow); err != nil {
		t.Fatalf("UpsertIdentityOnLogin: %v", err)
	}

	page, err := s.ListIdentitiesWithTokens(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListIdentitiesWithTokens: %v", err)
	}
	if len(page) != 2 || page[0].ID != "a" || page[1].ID != "b" {
		t.Fatalf("got page %+v", page)
	}

	page, _ = s.ListIdentitiesWithTokens(ctx, "a", 10)
	if len(page) != 1 || page[0].ID != "b" {
		t.Fatalf("cursor page %+v", page)
	}

	n, err := s.ReplaceTokenEnvelopes(ctx, []EnvelopeUpdate{
		{IdentityID: "a", OldAccessToken: "enc-access", NewAccessToken: "new-a"},
		{IdentityID: "b", OldAccessToken: "stale", NewAccessToken: "new-b"},
	}, testNow)
	if err != nil {
		t.Fatalf("ReplaceTokenEnvelopes: %v", err)
	}
	if n != 1 {
		t.Fatalf("updated %d rows, want 1", n)
	}
	a, _ := s.GetIdentity(ctx, "a")
	b, _ := s.GetIdentity(ctx, "b")
	if a.AccessTokenEncrypted != "new-a" {
		t.Fatalf("a not replaced: %q", a.AccessTokenEncrypted)
	}
	if b.AccessTokenEncrypted != "enc-access" {
		t.Fatalf("b replaced despite stale guard: %q", b.AccessTokenEncrypted)
	}
}

func TestRevocations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Revocation{
		TokenID:    "jti-1",
		IdentityID: "id-1",
		IssuedAt:   testNow.Add(-time.Hour),
		ExpiresAt:  testNow.Add(24 * time.Hour),
		RevokedAt:  testNow,
		RevokedBy:  "admin",
		Reason:     "laptop stolen",
	}
	inserted, err := s.InsertRevocation(ctx, r)
	if err != nil || !inserted {
		t.Fatalf("InsertRevocation = %v, %v", inserted, err)
	}
	inserted, err = s.InsertRevocation(ctx, r)
	if err != nil || inserted {
		t.Fatalf("second InsertRevocation = %v, %v; want false, nil", inserted, err)
	}

	revoked, err := s.IsTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("IsTokenRevoked = %v, %v", revoked, err)
	}
	revoked, _ = s.IsTokenRevoked(ctx, "jti-2")
	if revoked {
		t.Fatal("jti-2 should not be revoked")
	}

	got, err := s.GetRevocation(ctx, "jti-1")
	if err != nil || got == nil {
		t.Fatalf("GetRevocation = %v, %v", got, err)
	}
	if got.Reason != "laptop stolen" || !got.ExpiresAt.Equal(r.ExpiresAt) {
		t.Fatalf("got revocation %+v", got)
	}
}

func TestDeleteRevocationsExpiredBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, exp := range []time.Time{testNow, testNow.Add(5 * time.Minute), testNow.Add(10 * time.Minute)} {
		if _, err := s.InsertRevocation(ctx, &Revocation{
			TokenID:   []string{"t1", "t2", "t3"}[i],
			IssuedAt:  testNow.Add(-time.Hour),
			ExpiresAt: exp,
			RevokedAt: testNow,
		}); err != nil {
			t.Fatalf("InsertRevocation: %v", err)
		}
	}

	n, err := s.DeleteRevocationsExpiredBefore(ctx, testNow.Add(7*time.Minute))
	if err != nil {
		t.Fatalf("DeleteRevocationsExpiredBefore: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d rows, want 2", n)
	}
	if revoked, _ := s.IsTokenRevoked(ctx, "t3"); !revoked {
		t.Fatal("t3 should survive cleanup")
	}
}

func TestKeyRotationUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := testNow.AddDate(0, 0, 90)
	k := &KeyRotation{
		KeyID:                "jwt-signing-key",
		KeyType:              "signing",
		LastRotatedAt:        testNow,
		NextRotationDue:      &due,
		RotationIntervalDays: 90,
	}
	if err := s.UpsertKeyRotation(ctx, k, testNow); err != nil {
		t.Fatalf("UpsertKeyRotation: %v", err)
	}

	later := testNow.AddDate(0, 0, 10)
	due2 := later.AddDate(0, 0, 90)
	k.LastRotatedAt = later
	k.NextRotationDue = &due2
	if err := s.UpsertKeyRotation(ctx, k, later); err != nil {
		t.Fatalf("UpsertKeyRotation (update): %v", err)
	}

	got, err := s.GetKeyRotation(ctx, "jwt-signing-key")
	if err != nil || got == nil {
		t.Fatalf("GetKeyRotation = %v, %v", got, err)
	}
	if !got.LastRotatedAt.Equal(later) || !got.NextRotationDue.Equal(due2) || !got.Active {
		t.Fatalf("got %+v", got)
	}

	all, _ := s.ListActiveKeyRotations(ctx)
	if len(all) != 1 {
		t.Fatalf("expected one active record, got %d", len(all))
	}

	if ok, err := s.SetKeyRotationActive(ctx, "jwt-signing-key", false, later); err != nil || !ok {
		t.Fatalf("SetKeyRotationActive = %v, %v", ok, err)
	}
	all, _ = s.ListActiveKeyRotations(ctx)
	if len(all) != 0 {
		t.Fatalf("expected no active records, got %d", len(all))
	}
}

func TestServiceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	svc := &Service{ServiceID: "ci-runner", APIKeyHash: "hash-1", Description: "CI"}
	if err := s.CreateService(ctx, svc, testNow); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	if err := s.CreateService(ctx, svc, testNow); err != ErrServiceDuplicate {
		t.Fatalf("expected ErrServiceDuplicate, got %v", err)
	}

	got, err := s.GetService(ctx, "ci-runner")
	if err != nil || got == nil {
		t.Fatalf("GetService = %v, %v", got, err)
	}
	if !got.Active || got.APIKeyHash != "hash-1" || got.LastUsedAt != nil {
		t.Fatalf("got %+v", got)
	}

	if ok, _ := s.UpdateServiceKeyHash(ctx, "ci-runner", "hash-2", testNow); !ok {
		t.Fatal("UpdateServiceKeyHash reported missing service")
	}
	if err := s.TouchServiceLastUsed(ctx, "ci-runner", testNow); err != nil {
		t.Fatalf("TouchServiceLastUsed: %v", err)
	}
	if ok, _ := s.SetServiceActive(ctx, "ci-runner", false, testNow); !ok {
		t.Fatal("SetServiceActive reported missing service")
	}

	got, _ = s.GetService(ctx, "ci-runner")
	if got.Active || got.APIKeyHash != "hash-2" || got.LastUsedAt == nil {
		t.Fatalf("got %+v", got)
	}

	list, err := s.ListServices(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListServices = %v, %v", list, err)
	}
}

package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/aspect-build/authgate/internal/crypto"
	"github.com/aspect-build/authgate/internal/keyrotation"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/cenkalti/backoff/v5"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeRefresher struct {
	calls atomic.Int32
	err   error
	token *oauth2.Token
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	f.calls.Add(1)
	if refreshToken != "ghr_refresh" {
		return nil, backoff.Permanent(errors.New("unexpected refresh token " + refreshToken))
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

type fixture struct {
	broker    *Broker
	store     *db.Store
	enc       *crypto.Encryptor
	clock     *testclock.Clock
	refresher *fakeRefresher
	tracker   *keyrotation.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	enc, err := crypto.NewEncryptor("broker-test-master-key-0123456789abcdef")
	require.NoError(t, err)

	clk := testclock.NewClock(epoch)
	ref := &fakeRefresher{}
	tracker := keyrotation.NewTracker(store, clk, keyrotation.DefaultPolicy(), time.Second)
	b := New(store, enc, ref, tracker, clk, Config{
		RefreshThreshold:     time.Hour,
		Timeout:              time.Second,
		ProviderTimeout:      5 * time.Second,
		MaxRefreshTries:      3,
		RetryInitialInterval: time.Millisecond,
	})
	return &fixture{broker: b, store: store, enc: enc, clock: clk, refresher: ref, tracker: tracker}
}

// seed stores an identity whose access token expires at expiresAt.
func (f *fixture) seed(t *testing.T, id string, whitelisted bool, expiresAt *time.Time, withRefresh bool) {
	t.Helper()
	ctx := context.Background()
	access, err := f.enc.Encrypt("gho_original")
	require.NoError(t, err)
	ident := &db.Identity{
		ID: id, GitHubUserID: 9000, GitHubLogin: "octo",
		AccessTokenEncrypted: access, TokenExpiresAt: expiresAt,
	}
	if withRefresh {
		ident.RefreshTokenEncrypted, err = f.enc.Encrypt("ghr_refresh")
		require.NoError(t, err)
	}
	_, err = f.store.UpsertIdentityOnLogin(ctx, ident, epoch)
	require.NoError(t, err)
	if whitelisted {
		_, err = f.store.SetWhitelisted(ctx, id, true, epoch)
		require.NoError(t, err)
	}
}

func at(d time.Duration) *time.Time {
	t := epoch.Add(d)
	return &t
}

func requireCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, apperr.CodeOf(err), "err=%v", err)
}

func TestParseServiceCredentials(t *testing.T) {
	id, key, err := ParseServiceCredentials("Bearer billing:s3cret")
	require.NoError(t, err)
	require.Equal(t, "billing", id)
	require.Equal(t, "s3cret", key)

	basic := "Basic " + base64.StdEncoding.EncodeToString([]byte("billing:s3cret:with:colons"))
	id, key, err = ParseServiceCredentials(basic)
	require.NoError(t, err)
	require.Equal(t, "billing", id)
	require.Equal(t, "s3cret:with:colons", key)

	for _, bad := range []string{"", "Bearer", "Bearer nocolon", "Bearer :key", "Bearer id:", "Basic !!!", "Digest a:b"} {
		_, _, err := ParseServiceCredentials(bad)
		requireCode(t, err, apperr.CodeUnauthorized)
	}
}

func TestServiceKeyLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.broker.RegisterService(ctx, "billing", "billing worker")
	require.NoError(t, err)
	require.NotEmpty(t, issued.APIKey)

	_, err = f.broker.Authenticate(ctx, "billing", issued.APIKey)
	require.NoError(t, err)

	rotated, err := f.broker.RotateServiceKey(ctx, "billing")
	require.NoError(t, err)
	require.NotEqual(t, issued.APIKey, rotated.APIKey)

	_, err = f.broker.Authenticate(ctx, "billing", issued.APIKey)
	requireCode(t, err, apperr.CodeUnauthorized)
	_, err = f.broker.Authenticate(ctx, "billing", rotated.APIKey)
	require.NoError(t, err)

	svc, err := f.store.GetService(ctx, "billing")
	require.NoError(t, err)
	require.NotNil(t, svc.LastUsedAt)

	st, err := f.tracker.Status(ctx, keyrotation.ServiceKeyID("billing"))
	require.NoError(t, err)
	require.Equal(t, "rotated", st.Metadata)
	require.Equal(t, 90, st.IntervalDays)

	require.NoError(t, f.broker.DeactivateService(ctx, "billing"))
	_, err = f.broker.Authenticate(ctx, "billing", rotated.APIKey)
	requireCode(t, err, apperr.CodeUnauthorized)
}

func TestAuthenticateUnknownServiceIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.broker.RegisterService(ctx, "billing", "")
	require.NoError(t, err)

	_, wrongKey := f.broker.Authenticate(ctx, "billing", "not-the-key")
	_, unknown := f.broker.Authenticate(ctx, "ghost", "not-the-key")
	requireCode(t, wrongKey, apperr.CodeUnauthorized)
	requireCode(t, unknown, apperr.CodeUnauthorized)
	require.Equal(t, wrongKey.Error(), unknown.Error())
}

func TestServiceAdminErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.broker.RegisterService(ctx, "Bad Name!", "")
	requireCode(t, err, apperr.CodeInvalidRequest)

	_, err = f.broker.RegisterService(ctx, "billing", "")
	require.NoError(t, err)
	_, err = f.broker.RegisterService(ctx, "billing", "")
	requireCode(t, err, apperr.CodeServiceExists)

	_, err = f.broker.RotateServiceKey(ctx, "ghost")
	requireCode(t, err, apperr.CodeServiceNotFound)
	requireCode(t, f.broker.DeactivateService(ctx, "ghost"), apperr.CodeServiceNotFound)

	_, err = f.broker.Authenticate(ctx, "ghost", "whatever")
	requireCode(t, err, apperr.CodeUnauthorized)

	list, err := f.broker.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestFetchRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.broker.FetchThirdPartyToken(ctx, Lookup{})
	requireCode(t, err, apperr.CodeMissingUserID)
	_, err = f.broker.FetchThirdPartyToken(ctx, Lookup{IdentityID: "ghost"})
	requireCode(t, err, apperr.CodeUserNotFound)

	f.seed(t, "unlisted", false, at(24*time.Hour), true)
	_, err = f.broker.FetchThirdPartyToken(ctx, Lookup{IdentityID: "unlisted"})
	requireCode(t, err, apperr.CodeUserNotWhitelisted)

	_, err = f.store.UpsertIdentityOnLogin(ctx, &db.Identity{ID: "empty", GitHubUserID: 1, GitHubLogin: "e"}, epoch)
	require.NoError(t, err)
	_, err = f.store.SetWhitelisted(ctx, "empty", true, epoch)
	require.NoError(t, err)
	_, err = f.broker.FetchThirdPartyToken(ctx, Lookup{IdentityID: "empty"})
	requireCode(t, err, apperr.CodeTokenNotAvailable)
}

func TestFetchFreshTokenSkipsRefresh(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u", true, at(24*time.Hour), true)

	got, err := f.broker.FetchThirdPartyToken(context.Background(), Lookup{GitHubUserID: 9000})
	require.NoError(t, err)
	require.Equal(t, "gho_original", got.AccessToken)
	require.False(t, got.Refreshed)
	require.Equal(t, int32(0), f.refresher.calls.Load())
}

func TestFetchRefreshesNearExpiryAndPersists(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u", true, at(30*time.Minute), true)
	f.refresher.token = &oauth2.Token{
		AccessToken:  "gho_new",
		RefreshToken: "ghr_refresh",
		Expiry:       epoch.Add(8 * time.Hour),
	}
	ctx := context.Background()

	got, err := f.broker.FetchThirdPartyToken(ctx, Lookup{IdentityID: "u"})
	require.NoError(t, err)
	require.True(t, got.Refreshed)
	require.Equal(t, "gho_new", got.AccessToken)
	require.True(t, got.ExpiresAt.Equal(epoch.Add(8*time.Hour)))

	ident, err := f.store.GetIdentity(ctx, "u")
	require.NoError(t, err)
	stored, err := f.enc.Decrypt(ident.AccessTokenEncrypted)
	require.NoError(t, err)
	require.Equal(t, "gho_new", stored)

	got, err = f.broker.FetchThirdPartyToken(ctx, Lookup{IdentityID: "u"})
	require.NoError(t, err)
	require.False(t, got.Refreshed)
	require.Equal(t, int32(1), f.refresher.calls.Load())
}

func TestFetchRefreshFailureServesUnexpiredToken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u", true, at(30*time.Minute), true)
	f.refresher.err = errors.New("provider 502")

	got, err := f.broker.FetchThirdPartyToken(context.Background(), Lookup{IdentityID: "u"})
	require.NoError(t, err)
	require.Equal(t, "gho_original", got.AccessToken)
	require.False(t, got.Refreshed)
	require.Equal(t, int32(3), f.refresher.calls.Load(), "transient errors are retried up to the cap")
}

func TestFetchRefreshFailureOnExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u", true, at(-time.Minute), true)
	f.refresher.err = backoff.Permanent(errors.New("invalid_grant"))

	_, err := f.broker.FetchThirdPartyToken(context.Background(), Lookup{IdentityID: "u"})
	requireCode(t, err, apperr.CodeRefreshFailed)
	require.Equal(t, 503, apperr.Status(apperr.CodeRefreshFailed))
	require.Equal(t, int32(1), f.refresher.calls.Load(), "permanent errors are not retried")
}

func TestFetchExpiredWithoutRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u", true, at(-time.Minute), false)

	_, err := f.broker.FetchThirdPartyToken(context.Background(), Lookup{IdentityID: "u"})
	requireCode(t, err, apperr.CodeTokenNotAvailable)
	require.Equal(t, int32(0), f.refresher.calls.Load())
}

func TestFetchTokenWithoutExpiry(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u", true, nil, false)

	f.clock.Advance(365 * 24 * time.Hour)
	got, err := f.broker.FetchThirdPartyToken(context.Background(), Lookup{IdentityID: "u"})
	require.NoError(t, err)
	require.Equal(t, "gho_original", got.AccessToken)
	require.Nil(t, got.ExpiresAt)
}

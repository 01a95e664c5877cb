package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"batch-mailer/internal/models"
	"batch-mailer/internal/secrets"
	"batch-mailer/internal/store"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeCredStore struct {
	cred    models.MailCredential
	credErr error

	rotatedAccess  []byte
	rotatedRefresh []byte
	rotatedExpiry  time.Time
	rotations      int
}

func (f *fakeCredStore) DefaultCredential(context.Context, string) (models.MailCredential, error) {
	return f.cred, f.credErr
}

func (f *fakeCredStore) RotateTokens(_ context.Context, _ string, access, refresh []byte, expiry time.Time) error {
	f.rotatedAccess = access
	f.rotatedRefresh = refresh
	f.rotatedExpiry = expiry
	f.rotations++
	return nil
}

func newBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.NewBox(testKey)
	require.NoError(t, err)
	return box
}

func seal(t *testing.T, box *secrets.Box, s string) []byte {
	t.Helper()
	out, err := box.SealString(s)
	require.NoError(t, err)
	return out
}

func TestResolveSMTP(t *testing.T) {
	box := newBox(t)
	st := &fakeCredStore{cred: models.MailCredential{
		ID:             "cred-1",
		TenantID:       "acme",
		Provider:       models.ProviderSMTP,
		FromAddress:    "noreply@acme.test",
		Host:           "smtp.acme.test",
		Port:           587,
		Username:       "mailer",
		SealedPassword: seal(t, box, "hunter2"),
	}}

	p := New(st, box, 5*time.Minute, zerolog.Nop())
	res := p.Resolve(context.Background(), "acme")

	require.Equal(t, Resolved, res.Outcome)
	require.Equal(t, "hunter2", res.Identity.Password)
	require.Equal(t, "smtp.acme.test", res.Identity.Host)
}

func TestResolveUnavailable(t *testing.T) {
	p := New(&fakeCredStore{credErr: store.ErrNoCredential}, newBox(t), 5*time.Minute, zerolog.Nop())
	res := p.Resolve(context.Background(), "acme")
	require.Equal(t, Unavailable, res.Outcome)
}

func TestResolveInvalidOnUnsealFailure(t *testing.T) {
	st := &fakeCredStore{cred: models.MailCredential{
		ID:             "cred-1",
		Provider:       models.ProviderSMTP,
		SealedPassword: []byte("garbage"),
	}}
	p := New(st, newBox(t), 5*time.Minute, zerolog.Nop())
	res := p.Resolve(context.Background(), "acme")
	require.Equal(t, Invalid, res.Outcome)
	require.Error(t, res.Err)
}

func TestResolveOAuthUsesCachedToken(t *testing.T) {
	box := newBox(t)
	expiry := time.Now().Add(time.Hour)
	st := &fakeCredStore{cred: models.MailCredential{
		ID:                 "cred-1",
		TenantID:           "acme",
		Provider:           models.ProviderOAuthGoogle,
		SealedAccessToken:  seal(t, box, "cached-token"),
		SealedRefreshToken: seal(t, box, "refresh"),
		SealedClientSecret: seal(t, box, "secret"),
		TokenExpiry:        &expiry,
	}}

	p := New(st, box, 5*time.Minute, zerolog.Nop())
	res := p.Resolve(context.Background(), "acme")

	require.Equal(t, Resolved, res.Outcome)
	require.Equal(t, "cached-token", res.Identity.AccessToken)
	require.Zero(t, st.rotations, "fresh token must not trigger a refresh")
}

func TestResolveOAuthRefreshesNearExpiry(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenServer.Close()

	box := newBox(t)
	expiry := time.Now().Add(30 * time.Second) // inside the 5m margin
	st := &fakeCredStore{cred: models.MailCredential{
		ID:                 "cred-1",
		TenantID:           "acme",
		Provider:           models.ProviderOAuthGoogle,
		ClientID:           "client",
		SealedAccessToken:  seal(t, box, "stale"),
		SealedRefreshToken: seal(t, box, "old-refresh"),
		SealedClientSecret: seal(t, box, "secret"),
		TokenExpiry:        &expiry,
	}}

	p := New(st, box, 5*time.Minute, zerolog.Nop())
	p.SetEndpoint(models.ProviderOAuthGoogle, oauth2.Endpoint{TokenURL: tokenServer.URL})

	res := p.Resolve(context.Background(), "acme")
	require.Equal(t, Resolved, res.Outcome)
	require.Equal(t, "new-access", res.Identity.AccessToken)

	require.Equal(t, 1, st.rotations, "rotated tokens must be persisted")
	access, err := box.OpenString(st.rotatedAccess)
	require.NoError(t, err)
	require.Equal(t, "new-access", access)
	refresh, err := box.OpenString(st.rotatedRefresh)
	require.NoError(t, err)
	require.Equal(t, "new-refresh", refresh)
}

func TestResolveOAuthRefreshFailureIsInvalid(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer tokenServer.Close()

	box := newBox(t)
	st := &fakeCredStore{cred: models.MailCredential{
		ID:                 "cred-1",
		Provider:           models.ProviderOAuthMicrosoft,
		ClientID:           "client",
		SealedRefreshToken: seal(t, box, "revoked"),
		SealedClientSecret: seal(t, box, "secret"),
	}}

	p := New(st, box, 5*time.Minute, zerolog.Nop())
	p.SetEndpoint(models.ProviderOAuthMicrosoft, oauth2.Endpoint{TokenURL: tokenServer.URL})

	res := p.Resolve(context.Background(), "acme")
	require.Equal(t, Invalid, res.Outcome)
	require.Error(t, res.Err)
}

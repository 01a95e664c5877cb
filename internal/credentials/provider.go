// Package credentials resolves a tenant's active outbound mail identity.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"batch-mailer/internal/models"
	"batch-mailer/internal/secrets"
	"batch-mailer/internal/store"
)

// Outcome classifies a resolution attempt. Callers must branch on it rather
// than receive an implicit nil identity.
type Outcome int

const (
	// Resolved carries a usable sender identity.
	Resolved Outcome = iota
	// Unavailable means the tenant has no active default credential.
	Unavailable
	// Invalid means the credential exists but cannot be used: unseal or
	// token refresh failed.
	Invalid
)

// Resolution is the explicit result of resolving a tenant's sender identity.
type Resolution struct {
	Outcome  Outcome
	Identity models.SenderIdentity
	Err      error
}

// Store is the credential persistence surface the provider needs.
type Store interface {
	DefaultCredential(ctx context.Context, tenantID string) (models.MailCredential, error)
	RotateTokens(ctx context.Context, credentialID string, sealedAccess, sealedRefresh []byte, expiry time.Time) error
}

// Provider unseals stored credentials and keeps OAuth tokens fresh.
type Provider struct {
	store     Store
	box       *secrets.Box
	margin    time.Duration
	endpoints map[string]oauth2.Endpoint
	log       zerolog.Logger
}

// New constructs a provider refreshing OAuth tokens within margin of expiry.
func New(st Store, box *secrets.Box, margin time.Duration, log zerolog.Logger) *Provider {
	return &Provider{
		store:  st,
		box:    box,
		margin: margin,
		endpoints: map[string]oauth2.Endpoint{
			models.ProviderOAuthGoogle:    google.Endpoint,
			models.ProviderOAuthMicrosoft: microsoft.AzureADEndpoint("common"),
		},
		log: log.With().Str("component", "credentials").Logger(),
	}
}

// SetEndpoint overrides the token endpoint for a provider kind. Used by tests
// and by deployments pointing at sovereign-cloud endpoints.
func (p *Provider) SetEndpoint(provider string, ep oauth2.Endpoint) {
	p.endpoints[provider] = ep
}

// Resolve selects the tenant's active default credential and returns a
// ready-to-use identity, refreshing OAuth tokens when near expiry.
func (p *Provider) Resolve(ctx context.Context, tenantID string) Resolution {
	cred, err := p.store.DefaultCredential(ctx, tenantID)
	if errors.Is(err, store.ErrNoCredential) {
		return Resolution{Outcome: Unavailable, Err: err}
	}
	if err != nil {
		return Resolution{Outcome: Invalid, Err: fmt.Errorf("load credential: %w", err)}
	}

	identity := models.SenderIdentity{
		CredentialID: cred.ID,
		TenantID:     cred.TenantID,
		Provider:     cred.Provider,
		FromAddress:  cred.FromAddress,
		FromName:     cred.FromName,
		Host:         cred.Host,
		Port:         cred.Port,
		Username:     cred.Username,
	}

	switch cred.Provider {
	case models.ProviderSMTP:
		password, err := p.box.OpenString(cred.SealedPassword)
		if err != nil {
			return Resolution{Outcome: Invalid, Err: fmt.Errorf("unseal password: %w", err)}
		}
		identity.Password = password
		return Resolution{Outcome: Resolved, Identity: identity}

	case models.ProviderOAuthGoogle, models.ProviderOAuthMicrosoft:
		token, err := p.accessToken(ctx, cred)
		if err != nil {
			return Resolution{Outcome: Invalid, Err: err}
		}
		identity.AccessToken = token
		return Resolution{Outcome: Resolved, Identity: identity}

	default:
		return Resolution{Outcome: Invalid, Err: fmt.Errorf("unknown provider kind %q", cred.Provider)}
	}
}

// accessToken returns a live access token, exchanging the refresh token and
// persisting the rotated set when the stored one is expired or close to it.
func (p *Provider) accessToken(ctx context.Context, cred models.MailCredential) (string, error) {
	if len(cred.SealedAccessToken) > 0 && cred.TokenExpiry != nil &&
		time.Until(*cred.TokenExpiry) > p.margin {
		return p.box.OpenString(cred.SealedAccessToken)
	}

	refreshToken, err := p.box.OpenString(cred.SealedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("unseal refresh token: %w", err)
	}
	clientSecret, err := p.box.OpenString(cred.SealedClientSecret)
	if err != nil {
		return "", fmt.Errorf("unseal client secret: %w", err)
	}

	endpoint, ok := p.endpoints[cred.Provider]
	if !ok {
		return "", fmt.Errorf("no token endpoint for provider %q", cred.Provider)
	}
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoint,
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh token exchange: %w", err)
	}

	sealedAccess, err := p.box.SealString(token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("seal access token: %w", err)
	}
	// Providers may rotate the refresh token on exchange; keep the old one
	// when they do not.
	newRefresh := token.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	sealedRefresh, err := p.box.SealString(newRefresh)
	if err != nil {
		return "", fmt.Errorf("seal refresh token: %w", err)
	}

	// Persist before returning so a crash mid-batch never strands the newer
	// token set.
	if err := p.store.RotateTokens(ctx, cred.ID, sealedAccess, sealedRefresh, token.Expiry); err != nil {
		return "", fmt.Errorf("persist rotated tokens: %w", err)
	}
	p.log.Info().Str("credential_id", cred.ID).Str("tenant_id", cred.TenantID).
		Time("expiry", token.Expiry).Msg("oauth token refreshed")
	return token.AccessToken, nil
}

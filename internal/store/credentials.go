package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"batch-mailer/internal/models"
)

// DefaultCredential returns the tenant's active default outbound identity.
func (s *Store) DefaultCredential(ctx context.Context, tenantID string) (models.MailCredential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, provider, from_address, from_name, host, port, username,
			sealed_password, sealed_client_secret, client_id, sealed_refresh_token,
			sealed_access_token, token_expiry, is_active, is_default, updated_at
		FROM mail_credentials
		WHERE tenant_id = $1 AND is_active AND is_default
	`, tenantID)

	var c models.MailCredential
	var expiry pgtype.Timestamptz
	err := row.Scan(&c.ID, &c.TenantID, &c.Provider, &c.FromAddress, &c.FromName, &c.Host, &c.Port,
		&c.Username, &c.SealedPassword, &c.SealedClientSecret, &c.ClientID, &c.SealedRefreshToken,
		&c.SealedAccessToken, &expiry, &c.IsActive, &c.IsDefault, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MailCredential{}, ErrNoCredential
	}
	if err != nil {
		return models.MailCredential{}, fmt.Errorf("scan credential: %w", err)
	}
	if expiry.Valid {
		t := expiry.Time
		c.TokenExpiry = &t
	}
	return c, nil
}

// RotateTokens persists a refreshed OAuth token set for a credential.
func (s *Store) RotateTokens(ctx context.Context, credentialID string, sealedAccess, sealedRefresh []byte, expiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_credentials
		SET sealed_access_token = $2, sealed_refresh_token = $3, token_expiry = $4, updated_at = NOW()
		WHERE id = $1
	`, credentialID, sealedAccess, sealedRefresh, expiry)
	if err != nil {
		return fmt.Errorf("rotate tokens: %w", err)
	}
	return nil
}

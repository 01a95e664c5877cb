package models

import "time"

// Outbound mail provider kinds.
const (
	ProviderSMTP           = "smtp"
	ProviderOAuthGoogle    = "oauth_google"
	ProviderOAuthMicrosoft = "oauth_microsoft"
)

// MailCredential is a tenant's stored outbound identity. Secret columns hold
// sealed ciphertext; the credential provider unseals them at resolve time.
type MailCredential struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Provider    string `json:"provider"`
	FromAddress string `json:"from_address"`
	FromName    string `json:"from_name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`

	SealedPassword     []byte `json:"-"`
	SealedClientSecret []byte `json:"-"`
	ClientID           string `json:"-"`
	SealedRefreshToken []byte `json:"-"`
	SealedAccessToken  []byte `json:"-"`

	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
	IsActive    bool       `json:"is_active"`
	IsDefault   bool       `json:"is_default"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SenderIdentity is a fully resolved, ready-to-use outbound identity. Secrets
// are plaintext here and must never be persisted or logged.
type SenderIdentity struct {
	CredentialID string
	TenantID     string
	Provider     string
	FromAddress  string
	FromName     string
	Host         string
	Port         int
	Username     string
	Password     string
	AccessToken  string
}

// Package mailer delivers individual messages over SMTP for a resolved
// sender identity.
package mailer

import (
	"crypto/tls"
	"fmt"

	gomail "gopkg.in/gomail.v2"

	"batch-mailer/internal/models"
)

// Sender delivers one message to one recipient.
type Sender interface {
	Send(identity models.SenderIdentity, to, subject, body string) error
}

// SMTPSender sends through the identity's SMTP endpoint. Password identities
// use the dialer's plain auth; OAuth identities authenticate with XOAUTH2.
type SMTPSender struct {
	// InsecureSkipVerify disables TLS verification, for test rigs only.
	InsecureSkipVerify bool
}

// NewSMTPSender constructs a sender.
func NewSMTPSender() *SMTPSender {
	return &SMTPSender{}
}

func (s *SMTPSender) Send(identity models.SenderIdentity, to, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", identity.FromAddress, identity.FromName)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)

	d := s.dialer(identity)
	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

func (s *SMTPSender) dialer(identity models.SenderIdentity) *gomail.Dialer {
	host, port := identity.Host, identity.Port
	switch identity.Provider {
	case models.ProviderOAuthGoogle:
		if host == "" {
			host, port = "smtp.gmail.com", 587
		}
	case models.ProviderOAuthMicrosoft:
		if host == "" {
			host, port = "smtp.office365.com", 587
		}
	}

	d := gomail.NewDialer(host, port, identity.Username, identity.Password)
	if identity.AccessToken != "" {
		user := identity.Username
		if user == "" {
			user = identity.FromAddress
		}
		d.Auth = xoauth2Auth{user: user, token: identity.AccessToken}
	}
	if s.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

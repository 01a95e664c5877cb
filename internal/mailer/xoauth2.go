package mailer

import (
	"errors"
	"fmt"
	"net/smtp"
)

// xoauth2Auth implements the SASL XOAUTH2 mechanism used by Gmail and
// Office 365 SMTP endpoints.
type xoauth2Auth struct {
	user  string
	token string
}

func (a xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("xoauth2 requires a TLS connection")
	}
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.user, a.token)
	return "XOAUTH2", []byte(resp), nil
}

func (a xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// The server sent an error payload; an empty response makes it
		// terminate the exchange with the real SMTP error code.
		return []byte{}, nil
	}
	return nil, nil
}

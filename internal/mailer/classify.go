package mailer

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"
)

// Class separates failures that may succeed on retry from definitive
// rejections.
type Class int

const (
	// Transient failures (connection problems, timeouts, throttling,
	// SMTP 4yz) are retried up to the configured cap.
	Transient Class = iota
	// Permanent failures (bad address, auth rejection, SMTP 5yz) are
	// recorded immediately without retry.
	Permanent
)

// Classify maps a send error to a retry class. Unknown errors default to
// transient so a flaky provider does not burn recipients permanently.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	var proto *textproto.Error
	if errors.As(err, &proto) {
		if proto.Code >= 500 {
			return Permanent
		}
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporarily"),
		strings.Contains(msg, "too many"),
		strings.Contains(msg, "rate limit"):
		return Transient
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "auth failed"),
		strings.Contains(msg, "invalid address"),
		strings.Contains(msg, "no such user"),
		strings.Contains(msg, "mailbox unavailable"):
		return Permanent
	}
	return Transient
}

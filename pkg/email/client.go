// Package email provides a delivery client that sends notifications over SMTP.
package email

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/mail.v2"

	"github.com/polizaops/scheduled-notifier/internal/delivery"
)

// Client sends notification payloads as plain-text emails.
type Client struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
}

// NewClient creates a new email Client instance.
func NewClient(smtpHost string, smtpPort int, username, password, from string) *Client {
	return &Client{
		smtpHost: smtpHost,
		smtpPort: smtpPort,
		username: username,
		password: password,
		from:     from,
	}
}

// Send delivers the flattened payload to the mailbox identified by address.
// SMTP failures are tagged transient: the dialer cannot distinguish a bad
// mailbox from a flaky relay, and the retry limit bounds the damage.
func (c *Client) Send(ctx context.Context, address string, payload map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := payload["subject"]
	if subject == "" {
		subject = "Notification"
	}

	message := mail.NewMessage()
	message.SetHeader("From", c.from)
	message.SetHeader("To", address)
	message.SetHeader("Subject", subject)
	message.SetBody("text/plain", delivery.FormatText(payload))

	if err := c.dialer(ctx).DialAndSend(message); err != nil {
		return delivery.Transient(fmt.Errorf("send email: %w", err))
	}

	return nil
}

// dialer returns an SMTP dialer whose timeout is bounded by the context
// deadline, so a send never outlives the delivery timeout.
func (c *Client) dialer(ctx context.Context) *mail.Dialer {
	d := mail.NewDialer(c.smtpHost, c.smtpPort, c.username, c.password)

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d.Timeout {
			d.Timeout = remaining
		}
	}

	return d
}

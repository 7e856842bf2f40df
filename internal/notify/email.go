package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// StartTLS requires STARTTLS on plain ports; implicit TLS is used on 465.
	StartTLS bool
}

type mailClient interface {
	DialAndSendWithContext(ctx context.Context, msgs ...*mail.Msg) error
}

// Email sends notifications over SMTP.
type Email struct {
	client mailClient
	from   string
	to     []string
}

// NewEmail builds an SMTP client from cfg.
func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp from and to are required")
	}
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	switch {
	case cfg.Port == 465:
		opts = append(opts, mail.WithSSLPort(false))
	case cfg.StartTLS:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return newEmailWithClient(client, cfg.From, cfg.To), nil
}

func newEmailWithClient(client mailClient, from string, to []string) *Email {
	return &Email{client: client, from: from, to: append([]string(nil), to...)}
}

// Send mails evt to every recipient.
func (e *Email) Send(ctx context.Context, evt Event) error {
	msg := mail.NewMsg()
	if err := msg.From(e.from); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(e.to...); err != nil {
		return fmt.Errorf("set to: %w", err)
	}
	msg.Subject(evt.Subject())
	msg.SetBodyString(mail.TypeTextPlain, evt.Body())
	if err := e.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

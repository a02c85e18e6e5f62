// Package email is the email channel, sending over SMTP with gomail.
package email

import (
	"context"
	"html"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"wedding-campaign/internal/apperr"
	"wedding-campaign/internal/dispatch"
	"wedding-campaign/internal/models"
)

const defaultSubject = "Wedding invitation"

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// From defaults to Username.
	From    string
	Subject string
}

// Sender is satisfied by *gomail.Dialer.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Service sends rendered messages as multipart text and HTML mail.
type Service struct {
	sender  Sender
	from    string
	subject string
	log     zerolog.Logger
}

var _ dispatch.Adapter = (*Service)(nil)

// NewService returns an SMTP-backed email channel.
func NewService(cfg Config, logger zerolog.Logger) *Service {
	return NewServiceWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg, logger)
}

// NewServiceWithSender uses sender instead of dialing SMTP.
func NewServiceWithSender(sender Sender, cfg Config, logger zerolog.Logger) *Service {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject
	}
	return &Service{
		sender:  sender,
		from:    from,
		subject: subject,
		log:     logger.With().Str("component", "Email").Logger(),
	}
}

func (s *Service) Channel() models.Channel { return models.ChannelEmail }

// Send mails msg.Body to the guest. Guests without an address fail.
func (s *Service) Send(ctx context.Context, msg dispatch.Message) (models.AttemptStatus, error) {
	if msg.Guest.Email == "" {
		return models.AttemptFailed, apperr.New(apperr.CodeDispatch, "guest %s has no email address", msg.Guest.Name)
	}
	if err := ctx.Err(); err != nil {
		return models.AttemptFailed, err
	}

	m := s.Build(msg)
	if err := s.sender.DialAndSend(m); err != nil {
		s.log.Warn().Err(err).Str("to", msg.Guest.Email).Msg("Failed to send email")
		return models.AttemptFailed, apperr.Wrap(apperr.CodeDispatch, err, "failed to send email to %s", msg.Guest.Email)
	}
	s.log.Info().Str("to", msg.Guest.Email).Msg("Email sent")
	return models.AttemptSent, nil
}

// Build assembles the mail for msg.
func (s *Service) Build(msg dispatch.Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetAddressHeader("To", msg.Guest.Email, msg.Guest.Name)
	m.SetHeader("Subject", s.subject)
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", toHTML(msg.Body))
	return m
}

// toHTML escapes body and keeps its line breaks. Chat-style *bold* markers are
// rendered as <strong>.
func toHTML(body string) string {
	lines := strings.Split(html.EscapeString(body), "\n")
	for i, line := range lines {
		lines[i] = bold(line)
	}
	return `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: auto; padding: 20px;">` +
		strings.Join(lines, "<br>") +
		`</div>`
}

func bold(line string) string {
	parts := strings.Split(line, "*")
	if len(parts) < 3 {
		return line
	}
	var b strings.Builder
	for i, p := range parts {
		switch {
		case i == 0:
		case i%2 == 1 && i < len(parts)-1:
			b.WriteString("<strong>")
		case i%2 == 0:
			b.WriteString("</strong>")
		default:
			b.WriteString("*")
		}
		b.WriteString(p)
	}
	return b.String()
}

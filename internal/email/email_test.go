package email

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"wedding-campaign/internal/apperr"
	"wedding-campaign/internal/dispatch"
	"wedding-campaign/internal/models"
)

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m...)
	return nil
}

func TestSendBuildsMultipartMail(t *testing.T) {
	fake := &fakeSender{}
	s := NewServiceWithSender(fake, Config{Username: "couple@example.com"}, zerolog.Nop())

	status, err := s.Send(context.Background(), dispatch.Message{
		Guest:   models.Guest{Name: "Dana", Email: "dana@example.com"},
		Channel: models.ChannelEmail,
		Body:    "Dear Dana,\n*Anat* & *David* <3",
	})
	if err != nil || status != models.AttemptSent {
		t.Fatalf("unexpected result %s (%v)", status, err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(fake.sent))
	}
	m := fake.sent[0]
	if got := m.GetHeader("From"); len(got) != 1 || got[0] != "couple@example.com" {
		t.Fatalf("unexpected from %v", got)
	}
	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != defaultSubject {
		t.Fatalf("unexpected subject %v", got)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("write mail: %v", err)
	}
	raw := buf.String()
	for _, want := range []string{"dana@example.com", "text/plain", "text/html", "<strong>Anat</strong>", "&lt;3"} {
		if !strings.Contains(raw, want) {
			t.Fatalf("expected %q in mail:\n%s", want, raw)
		}
	}
}

func TestSendFailures(t *testing.T) {
	s := NewServiceWithSender(&fakeSender{}, Config{}, zerolog.Nop())
	if status, err := s.Send(context.Background(), dispatch.Message{Guest: models.Guest{Name: "Dana"}}); status != models.AttemptFailed || !errors.Is(err, apperr.ErrDispatch) {
		t.Fatalf("expected dispatch failure without address, got %s (%v)", status, err)
	}

	broken := NewServiceWithSender(&fakeSender{err: errors.New("connection refused")}, Config{}, zerolog.Nop())
	status, err := broken.Send(context.Background(), dispatch.Message{Guest: models.Guest{Name: "Dana", Email: "dana@example.com"}})
	if status != models.AttemptFailed || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected smtp failure, got %s (%v)", status, err)
	}
}

func TestBold(t *testing.T) {
	tests := map[string]string{
		"plain":         "plain",
		"a *b* c":       "a <strong>b</strong> c",
		"a *b* c *d":    "a <strong>b</strong> c *d",
		"*x* and *y*":   "<strong>x</strong> and <strong>y</strong>",
		"lonely * star": "lonely * star",
	}
	for in, want := range tests {
		if got := bold(in); got != want {
			t.Fatalf("bold(%q) = %q, want %q", in, got, want)
		}
	}
}

package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wedding-campaign/internal/apperr"
	"wedding-campaign/internal/dispatch"
	"wedding-campaign/internal/models"
)

// ErrNotConnected is returned by sends before Connect succeeded.
var ErrNotConnected = errors.New("whatsapp is not connected")

// MessageHandler is a callback function for handling messages
type MessageHandler func(*events.Message) error

type Config struct {
	DataDir string
	// QROut receives the pairing QR code. Defaults to stdout.
	QROut io.Writer
}

// Service is the chat channel. It implements dispatch.Adapter.
type Service struct {
	client *whatsmeow.Client
	cfg    Config
	log    zerolog.Logger

	mu             sync.RWMutex
	messageHandler MessageHandler
}

var _ dispatch.Adapter = (*Service)(nil)

// NewService opens the device store under cfg.DataDir and prepares a client.
func NewService(ctx context.Context, cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.QROut == nil {
		cfg.QROut = os.Stdout
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	// Use nil logger - sqlstore will use a no-op logger by default
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(cfg.DataDir, "whatsmeow.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	s := &Service{
		client: whatsmeow.NewClient(deviceStore, nil),
		cfg:    cfg,
		log:    logger.With().Str("component", "WhatsApp").Logger(),
	}
	s.client.AddEventHandler(s.eventHandler)
	return s, nil
}

// NormalizePhoneNumber returns the international digits WhatsApp expects.
// Israeli local numbers (05XXXXXXXX) become 9725XXXXXXXX.
func NormalizePhoneNumber(phoneNumber string) string {
	phoneNumber = models.NormalizePhone(phoneNumber)

	if strings.HasPrefix(phoneNumber, "0") && len(phoneNumber) == 10 {
		phoneNumber = "972" + phoneNumber[1:]
	}
	// 9720... is a local number with the country code glued on.
	if strings.HasPrefix(phoneNumber, "9720") {
		phoneNumber = "972" + phoneNumber[4:]
	}
	return phoneNumber
}

// LocalPhoneNumber is the inverse for Israeli numbers: 9725XXXXXXXX becomes
// 05XXXXXXXX. Other numbers are returned as digits.
func LocalPhoneNumber(phoneNumber string) string {
	phoneNumber = models.NormalizePhone(phoneNumber)
	if strings.HasPrefix(phoneNumber, "972") && len(phoneNumber) == 12 {
		return "0" + phoneNumber[3:]
	}
	return phoneNumber
}

// Connect connects to WhatsApp, printing a pairing QR code on first use.
func (s *Service) Connect(ctx context.Context) error {
	if s.client.Store.ID != nil {
		if err := s.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return nil
	}

	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			s.log.Info().Str("event", evt.Event).Msg("Login event")
			continue
		}
		s.printQR(evt.Code)
	}
	return nil
}

func (s *Service) printQR(code string) {
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(s.cfg.QROut, "QR Code: %s\n", code)
		fmt.Fprintln(s.cfg.QROut, "Please scan this QR code with WhatsApp to connect.")
		return
	}
	fmt.Fprintln(s.cfg.QROut, "\n"+q.ToSmallString(false))
	fmt.Fprintln(s.cfg.QROut, "📱 Please scan the QR code above with WhatsApp:")
	fmt.Fprintln(s.cfg.QROut, "   1. Open WhatsApp on your phone")
	fmt.Fprintln(s.cfg.QROut, "   2. Go to Settings > Linked Devices")
	fmt.Fprintln(s.cfg.QROut, "   3. Tap 'Link a Device'")
	fmt.Fprintln(s.cfg.QROut, "   4. Scan the QR code shown above")
}

// Disconnect disconnects from WhatsApp
func (s *Service) Disconnect() {
	if s.client != nil {
		s.client.Disconnect()
	}
}

func (s *Service) Channel() models.Channel { return models.ChannelWhatsApp }

// Send delivers one rendered invitation or reminder.
func (s *Service) Send(ctx context.Context, msg dispatch.Message) (models.AttemptStatus, error) {
	if err := s.SendText(ctx, msg.Guest.Phone, msg.Body); err != nil {
		return models.AttemptFailed, err
	}
	return models.AttemptSent, nil
}

// SendText sends a plain text message to phoneNumber.
func (s *Service) SendText(ctx context.Context, phoneNumber, text string) error {
	if s.client == nil || !s.client.IsConnected() {
		return ErrNotConnected
	}
	phoneNumber = NormalizePhoneNumber(phoneNumber)

	// Verify the number is on WhatsApp before sending
	resp, err := s.client.IsOnWhatsApp(ctx, []string{"+" + phoneNumber})
	if err != nil {
		return fmt.Errorf("failed to verify number on WhatsApp: %w", err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return apperr.New(apperr.CodeDispatch, "number %s is not registered on WhatsApp", phoneNumber)
	}
	jid := resp[0].JID

	s.log.Debug().Str("jid", jid.String()).Str("phone", phoneNumber).Msg("Attempting to send message")
	sent, err := s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		if strings.Contains(err.Error(), "unknown server") || strings.Contains(err.Error(), "can't send message") {
			return fmt.Errorf("failed to send message to %s (JID: %s), the recipient may need to be in your contacts: %w", phoneNumber, jid, err)
		}
		return fmt.Errorf("failed to send message: %w", err)
	}
	s.log.Info().Str("message_id", sent.ID).Str("phone", phoneNumber).Msg("Message sent")
	return nil
}

// SetMessageHandler sets a custom handler for incoming messages
func (s *Service) SetMessageHandler(handler MessageHandler) {
	s.mu.Lock()
	s.messageHandler = handler
	s.mu.Unlock()
}

// MessageText extracts the text of a plain or extended text message.
func MessageText(msg *events.Message) string {
	if msg == nil || msg.Message == nil {
		return ""
	}
	if text := msg.Message.GetConversation(); text != "" {
		return text
	}
	return msg.Message.GetExtendedTextMessage().GetText()
}

// SenderPhone returns the phone digits of the sender. Messages addressed by
// a hidden user id fall back to the alternate phone JID when present.
func SenderPhone(msg *events.Message) string {
	sender := msg.Info.Sender
	if sender.Server != types.DefaultUserServer && msg.Info.SenderAlt.User != "" {
		sender = msg.Info.SenderAlt
	}
	return models.NormalizePhone(sender.User)
}

// eventHandler handles incoming WhatsApp events
func (s *Service) eventHandler(evt any) {
	switch evt := evt.(type) {
	case *events.Message:
		s.handleMessage(evt)
	case *events.Connected:
		s.log.Info().Msg("Connected to WhatsApp")
	case *events.Disconnected:
		s.log.Info().Msg("Disconnected from WhatsApp")
	case *events.LoggedOut:
		s.log.Warn().Msg("Logged out from WhatsApp")
	}
}

// handleMessage processes incoming messages
func (s *Service) handleMessage(msg *events.Message) {
	if msg.Info.IsFromMe {
		return
	}

	s.mu.RLock()
	handler := s.messageHandler
	s.mu.RUnlock()

	if handler == nil {
		s.log.Info().
			Str("sender", msg.Info.Sender.String()).
			Str("message", MessageText(msg)).
			Msg("Received message")
		return
	}
	if err := handler(msg); err != nil {
		s.log.Error().Err(err).Str("sender", msg.Info.Sender.String()).Msg("Error handling message")
	}
}

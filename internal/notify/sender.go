package notify

import (
	"bytes"
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/sells-group/intake-cli/internal/model"
)

// Sender delivers a composed Message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SendError reports a failed delivery.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return "notify: send: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// FailureReason implements model.Reasoner.
func (e *SendError) FailureReason() model.FailureReason { return model.ReasonNotificationFailed }

// SMTPConfig holds mail transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender sends mail over SMTP with STARTTLS and plain auth.
type SMTPSender struct {
	cfg  SMTPConfig
	dial func(ctx context.Context, m *mail.Msg) error
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, eris.New("notify: smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &SMTPSender{cfg: cfg}
	s.dial = s.dialAndSend
	return s, nil
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	msg, err := s.build(m)
	if err != nil {
		return &SendError{Err: err}
	}
	if err := s.dial(ctx, msg); err != nil {
		return &SendError{Err: eris.Wrap(err, "smtp deliver")}
	}
	zap.L().Info("notify: email sent",
		zap.String("to", m.To),
		zap.String("delivery_mode", m.DeliveryMode),
		zap.Bool("attachment", m.Attachment != nil),
	)
	return nil
}

func (s *SMTPSender) build(m Message) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return nil, eris.Wrap(err, "set from")
	}
	if err := msg.To(m.To); err != nil {
		return nil, eris.Wrap(err, "set to")
	}
	msg.Subject(m.Subject)
	msg.SetGenHeader(mail.Header("X-Delivery-Mode"), m.DeliveryMode)
	msg.SetBodyString(mail.TypeTextPlain, m.Text)
	msg.AddAlternativeString(mail.TypeTextHTML, m.HTML)
	if a := m.Attachment; a != nil {
		ct := a.ContentType
		if ct == "" {
			ct = "application/pdf"
		}
		if err := msg.AttachReader(a.Filename, bytes.NewReader(a.Data), mail.WithFileContentType(mail.ContentType(ct))); err != nil {
			return nil, eris.Wrap(err, "attach "+a.Filename)
		}
	}
	return msg, nil
}

func (s *SMTPSender) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return eris.Wrap(err, "create smtp client")
	}
	return c.DialAndSendWithContext(ctx, msg)
}

// LogSender logs messages instead of sending them.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, m Message) error {
	fields := []zap.Field{
		zap.String("to", m.To),
		zap.String("subject", m.Subject),
		zap.String("delivery_mode", m.DeliveryMode),
	}
	if m.Attachment != nil {
		fields = append(fields, zap.String("attachment", m.Attachment.Filename), zap.Int("attachment_bytes", len(m.Attachment.Data)))
	}
	zap.L().Info("notify: email not sent (log driver)", fields...)
	return nil
}

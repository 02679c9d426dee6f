package workflow

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/mmdatafocus/tms_backend/models"
	"github.com/wneessen/go-mail"
)

const smtpTimeout = 30 * time.Second

type EmailAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// OutgoingEmail is a rendered message ready for the transport.
type OutgoingEmail struct {
	From        string
	FromName    string
	ReplyTo     string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Text        string
	HTML        string
	Attachments []EmailAttachment
}

type Mailer interface {
	Send(ctx context.Context, e *OutgoingEmail) error
}

// SMTPMailer sends through the server configured in NotificationSettings.
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	UseSSL   bool
}

func NewSMTPMailer(s *models.NotificationSettings) *SMTPMailer {
	return &SMTPMailer{
		Host:     s.SmtpHost,
		Port:     s.SmtpPort,
		Username: s.SmtpUsername,
		Password: s.SmtpPassword,
		UseTLS:   s.SmtpUseTLS,
		UseSSL:   s.SmtpUseSSL,
	}
}

func (m *SMTPMailer) options() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(m.Port),
		mail.WithTimeout(smtpTimeout),
	}
	switch {
	case m.UseSSL:
		opts = append(opts, mail.WithSSL())
	case m.UseTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if m.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.Username),
			mail.WithPassword(m.Password),
		)
	}
	return opts
}

func (m *SMTPMailer) Send(ctx context.Context, e *OutgoingEmail) error {
	msg, err := buildMsg(e)
	if err != nil {
		return err
	}
	client, err := mail.NewClient(m.Host, m.options()...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, smtpTimeout)
	defer cancel()
	return client.DialAndSendWithContext(ctx, msg)
}

func buildMsg(e *OutgoingEmail) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(e.FromName, e.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := msg.To(e.To...); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if len(e.Cc) > 0 {
		if err := msg.Cc(e.Cc...); err != nil {
			return nil, fmt.Errorf("cc: %w", err)
		}
	}
	if len(e.Bcc) > 0 {
		if err := msg.Bcc(e.Bcc...); err != nil {
			return nil, fmt.Errorf("bcc: %w", err)
		}
	}
	if e.ReplyTo != "" {
		if err := msg.ReplyTo(e.ReplyTo); err != nil {
			return nil, fmt.Errorf("reply-to: %w", err)
		}
	}
	msg.Subject(e.Subject)
	msg.SetBodyString(mail.TypeTextPlain, e.Text)
	if e.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, e.HTML)
	}
	for _, a := range e.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		if err := msg.AttachReader(a.Filename, bytes.NewReader(a.Data), mail.WithFileContentType(mail.ContentType(ct))); err != nil {
			return nil, fmt.Errorf("attach %s: %w", a.Filename, err)
		}
	}
	return msg, nil
}

// TextToHTML renders a plain text body as escaped paragraphs.
func TextToHTML(text string) string {
	var b strings.Builder
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>\n")
	}
	return b.String()
}

// ApplyTestMode redirects every recipient to testRecipient and marks the
// message, naming the original recipients in the body.
func ApplyTestMode(e *OutgoingEmail, testRecipient string) {
	marker := "[TESTAVIMO REŽIMAS] Šis laiškas išsiųstas testavimo režimu. Originalus gavėjas: " + strings.Join(e.To, ", ")
	if len(e.Cc) > 0 {
		marker += " (CC: " + strings.Join(e.Cc, ", ") + ")"
	}
	e.Subject = "[TEST] " + e.Subject
	e.Text = marker + "\n\n" + e.Text
	if e.HTML != "" {
		e.HTML = "<p><strong>" + html.EscapeString(marker) + "</strong></p>\n" + e.HTML
	}
	e.To = []string{testRecipient}
	e.Cc = nil
	e.Bcc = nil
}

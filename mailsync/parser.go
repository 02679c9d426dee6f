package mailsync

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

// ParsedMessage is a decoded RFC 5322 message before it is stored.
type ParsedMessage struct {
	MessageID   string
	Subject     string
	FromName    string
	FromEmail   string
	To          []string
	Cc          []string
	Date        *time.Time
	Text        string
	HTML        string
	Headers     map[string]string
	Attachments []ParsedAttachment
}

type ParsedAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (a ParsedAttachment) IsPDF() bool {
	return a.ContentType == "application/pdf" || strings.HasSuffix(strings.ToLower(a.Filename), ".pdf")
}

// headers kept for classification
var classifierHeaders = []string{"List-Unsubscribe", "List-Id", "Precedence", "Auto-Submitted", "X-Mailer"}

func ParseMessage(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	defer mr.Close()

	h := mr.Header
	out := &ParsedMessage{Headers: map[string]string{}}
	if out.Subject, err = h.Subject(); err != nil {
		out.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil {
		out.MessageID = id
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.FromName = from[0].Name
		out.FromEmail = strings.ToLower(from[0].Address)
	}
	out.To = addressList(h, "To")
	out.Cc = addressList(h, "Cc")
	if d, err := h.Date(); err == nil && !d.IsZero() {
		out.Date = &d
	}
	for _, k := range classifierHeaders {
		if v := h.Get(k); v != "" {
			out.Headers[k] = v
		}
	}

	for i := 0; ; i++ {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !(p != nil && message.IsUnknownCharset(err)) {
			return out, fmt.Errorf("part %d: %w", i, err)
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return out, fmt.Errorf("part %d: %w", i, err)
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := ph.ContentType()
			switch {
			case ct == "text/plain" && out.Text == "":
				out.Text = string(body)
			case ct == "text/html" && out.HTML == "":
				out.HTML = string(body)
			case params["name"] != "":
				out.Attachments = append(out.Attachments, newAttachment(params["name"], ct, body, i))
			}
		case *mail.AttachmentHeader:
			ct, _, _ := ph.ContentType()
			name, _ := ph.Filename()
			out.Attachments = append(out.Attachments, newAttachment(name, ct, body, i))
		}
	}

	if strings.TrimSpace(out.Text) == "" && out.HTML != "" {
		out.Text = HTMLToText(out.HTML)
	}
	return out, nil
}

func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

func newAttachment(name, contentType string, data []byte, index int) ParsedAttachment {
	name = SafeFilename(name)
	if name == "" {
		name = fmt.Sprintf("attachment-%d", index)
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			name += exts[0]
		}
	}
	return ParsedAttachment{Filename: name, ContentType: contentType, Data: data}
}

var unsafeFilenameChars = regexp.MustCompile(`[\x00-\x1f\\/:*?"<>|]+`)

// SafeFilename strips directories and characters that break storage keys.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if len(name) > 200 {
		ext := path.Ext(name)
		name = name[:200-len(ext)] + ext
	}
	return name
}

var (
	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
	blockBreaks  = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|tr|li|h[1-6]|table)>`)
	blankRuns    = regexp.MustCompile(`[ \t]+`)
	emptyLines   = regexp.MustCompile(`\n\s*\n+`)
)

// SanitizeHTML drops scripts, event handler attributes and javascript: URLs.
func SanitizeHTML(s string) string {
	if s == "" {
		return ""
	}
	return ugcPolicy.Sanitize(s)
}

func HTMLToText(s string) string {
	s = blockBreaks.ReplaceAllString(s, "\n")
	s = html.UnescapeString(strictPolicy.Sanitize(s))
	s = blankRuns.ReplaceAllString(s, " ")
	s = emptyLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

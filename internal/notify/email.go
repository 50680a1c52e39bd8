package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"pmcc-scanner/internal/scanerr"
)

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host     string
	Port     int // default 587
	Username string
	Password string
	From     string
	To       []string
}

// Email delivers long-form reports over SMTP. The message carries a text
// alternative, an HTML body, and the JSON artifact as attachment.
type Email struct {
	cfg  EmailConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmail validates the config and builds the channel.
func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.Host == "" {
		return nil, scanerr.New(scanerr.KindConfig, "smtp host is required")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, scanerr.New(scanerr.KindConfig, "smtp from and to addresses are required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &Email{cfg: cfg, send: smtp.SendMail}, nil
}

// Name implements Channel.
func (e *Email) Name() string { return "email" }

// Send builds the MIME message and hands it to SMTP. smtp.SendMail has no
// context hook, so cancellation is checked before dialing; an in-flight send
// runs to completion.
func (e *Email) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return scanerr.Wrap(scanerr.KindCancelled, err, "email send")
	}

	raw, err := e.compose(msg)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	if err := e.send(addr, auth, e.cfg.From, e.cfg.To, raw); err != nil {
		return e.classify(err)
	}
	return nil
}

// classify maps SMTP failures onto the shared taxonomy: network problems and
// 4xx transient codes retry, 5xx permanent codes and auth rejections do not.
func (e *Email) classify(err error) error {
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok {
		return scanerr.Wrap(scanerr.KindUpstreamTransient, err, "smtp dial")
	}

	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "535") || strings.Contains(msg, "authentication failed"):
		return scanerr.Wrap(scanerr.KindAuth, err, "smtp auth").WithProvider(e.Name())
	case strings.HasPrefix(msg, "4"):
		// 4xx SMTP codes are transient by definition
		return scanerr.Wrap(scanerr.KindUpstreamTransient, err, "smtp send").WithProvider(e.Name())
	case strings.HasPrefix(msg, "5"):
		return scanerr.Wrap(scanerr.KindUpstreamClient, err, "smtp send").WithProvider(e.Name())
	default:
		return scanerr.Wrap(scanerr.KindUpstreamTransient, err, "smtp send").WithProvider(e.Name())
	}
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// compose renders the full RFC 2045 multipart message.
func (e *Email) compose(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mixed.Boundary())

	// text + html alternatives
	altBuf := &bytes.Buffer{}
	alt := multipart.NewWriter(altBuf)
	if msg.Body != "" {
		part, err := alt.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/plain; charset=utf-8"},
		})
		if err != nil {
			return nil, scanerr.Wrap(scanerr.KindParse, err, "email text part")
		}
		fmt.Fprint(part, msg.Body)
	}
	if msg.HTML != "" {
		part, err := alt.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/html; charset=utf-8"},
		})
		if err != nil {
			return nil, scanerr.Wrap(scanerr.KindParse, err, "email html part")
		}
		fmt.Fprint(part, msg.HTML)
	}
	if err := alt.Close(); err != nil {
		return nil, scanerr.Wrap(scanerr.KindParse, err, "email alternative")
	}

	body, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%s", alt.Boundary())},
	})
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindParse, err, "email body")
	}
	body.Write(altBuf.Bytes())

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {contentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", att.Filename)},
		})
		if err != nil {
			return nil, scanerr.Wrap(scanerr.KindParse, err, "email attachment %s", att.Filename)
		}
		encodeBase64Wrapped(part, att.Data)
	}

	if err := mixed.Close(); err != nil {
		return nil, scanerr.Wrap(scanerr.KindParse, err, "email message")
	}
	return buf.Bytes(), nil
}

// encodeBase64Wrapped writes base64 data in 76-character lines per RFC 2045.
func encodeBase64Wrapped(w io.Writer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	const lineLen = 76
	for len(encoded) > lineLen {
		io.WriteString(w, encoded[:lineLen])
		io.WriteString(w, "\r\n")
		encoded = encoded[lineLen:]
	}
	io.WriteString(w, encoded)
	io.WriteString(w, "\r\n")
}

// Package email sends chat notifications via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
	"unicode/utf8"
)

const (
	appName       = "Ofiz"
	previewLength = 140
	boundary      = "boundary-ofiz-chat"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// AppURL is where conversation links point to.
	AppURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart/alternative message with a text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// NewMessageData feeds the new-message template.
type NewMessageData struct {
	AppName           string
	RecipientName     string
	SenderName        string
	ConversationTitle string
	Preview           string
	ConversationURL   string
}

// SendNewMessageEmail tells an offline user that someone wrote to them.
func (s *Service) SendNewMessageEmail(to, recipientName, senderName, conversationTitle, conversationID, content string) error {
	data := NewMessageData{
		AppName:           appName,
		RecipientName:     recipientName,
		SenderName:        senderName,
		ConversationTitle: conversationTitle,
		Preview:           preview(content),
		ConversationURL:   strings.TrimRight(s.config.AppURL, "/") + "/mensajes/" + conversationID,
	}

	html, err := renderTemplate(newMessageEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render new message template: %w", err)
	}
	text := fmt.Sprintf("Hola %s,\r\n\r\n%s te ha enviado un mensaje en \"%s\":\r\n\r\n%s\r\n\r\nResponde en %s\r\n",
		recipientName, senderName, conversationTitle, data.Preview, data.ConversationURL)

	subject := fmt.Sprintf("Nuevo mensaje de %s", senderName)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return "(archivo adjunto)"
	}
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const newMessageEmailTemplate = `<!DOCTYPE html>
<html lang="es">
<head>
    <meta charset="UTF-8">
    <title>Nuevo mensaje en {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .quote { background: #f5f7fa; border-left: 3px solid #0066cc; padding: 12px; margin: 16px 0; white-space: pre-wrap; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hola {{.RecipientName}},</p>

    <p><strong>{{.SenderName}}</strong> te ha enviado un mensaje en <em>{{.ConversationTitle}}</em>:</p>

    <div class="quote">{{.Preview}}</div>

    <p>
        <a href="{{.ConversationURL}}" class="button">Responder</a>
    </p>

    <div class="footer">
        <p>Recibes este correo porque no estabas conectado cuando llegó el mensaje.</p>
    </div>
</body>
</html>`

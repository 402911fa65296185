// ABOUTME: Verification email composition and the Sender transport seam
// ABOUTME: Markdown bodies are rendered to HTML with goldmark

package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"text/template"

	"github.com/yuin/goldmark"

	"github.com/2389/docwrite/internal/store"
)

// ErrNoEmail is returned when a user has no address to send to.
var ErrNoEmail = errors.New("user has no email address")

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. Pass nil logger for default.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "mail")}
}

// Send logs the message.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("email", "to", msg.To, "subject", msg.Subject, "text", msg.Text)
	return nil
}

// Outbox records messages in memory.
type Outbox struct {
	mu       sync.Mutex
	messages []Message
}

// Send appends the message.
func (o *Outbox) Send(_ context.Context, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.messages...)
}

const verificationTemplate = `Hi {{.Username}},

You are being asked to confirm the e-mail address **{{.Email}}** with {{.AppName}}.

[Confirm your email]({{.Link}})
`

type verificationData struct {
	Username string
	Email    string
	AppName  string
	Link     string
}

// Verifier sends email verification links.
type Verifier struct {
	sender    Sender
	appName   string
	publicURL string
	tmpl      *template.Template
}

// NewVerifier creates a Verifier. publicURL is the externally reachable
// server URL the verification link points at.
func NewVerifier(sender Sender, appName, publicURL string) *Verifier {
	return &Verifier{
		sender:    sender,
		appName:   appName,
		publicURL: publicURL,
		tmpl:      template.Must(template.New("verify").Parse(verificationTemplate)),
	}
}

// Link returns the verification URL for token and username.
func (v *Verifier) Link(token, username string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("username", username)
	return v.publicURL + "/apps/" + url.PathEscape(v.appName) + "/verify_email?" + q.Encode()
}

// SendVerification emails user the link for its _email_verify_token.
func (v *Verifier) SendVerification(ctx context.Context, user store.Record) error {
	email := user.String("email")
	if email == "" {
		return ErrNoEmail
	}
	data := verificationData{
		Username: user.String("username"),
		Email:    email,
		AppName:  v.appName,
		Link:     v.Link(user.String("_email_verify_token"), user.String("username")),
	}

	var text bytes.Buffer
	if err := v.tmpl.Execute(&text, data); err != nil {
		return fmt.Errorf("rendering verification email: %w", err)
	}
	html, err := Render(text.Bytes())
	if err != nil {
		return err
	}

	msg := Message{
		To:      email,
		Subject: "Please verify your e-mail for " + v.appName,
		Text:    text.String(),
		HTML:    html,
	}
	if err := v.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending verification email: %w", err)
	}
	return nil
}

// Render converts Markdown to HTML.
func Render(markdown []byte) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(markdown, &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}

// ABOUTME: Tests for verification email composition
// ABOUTME: Uses the in-memory Outbox sender

package mail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/docwrite/internal/store"
)

func TestSendVerification(t *testing.T) {
	outbox := &Outbox{}
	v := NewVerifier(outbox, "notes", "https://api.example.com")

	err := v.SendVerification(context.Background(), store.Record{
		"username":            "amy",
		"email":               "amy@example.com",
		"_email_verify_token": "tok123",
	})
	require.NoError(t, err)

	msgs := outbox.Messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "amy@example.com", msg.To)
	assert.Equal(t, "Please verify your e-mail for notes", msg.Subject)
	assert.Contains(t, msg.Text, "https://api.example.com/apps/notes/verify_email?token=tok123&username=amy")
	assert.Contains(t, msg.HTML, "<strong>amy@example.com</strong>")
	assert.Contains(t, msg.HTML, `<a href="https://api.example.com/apps/notes/verify_email?token=tok123&amp;username=amy">`)
}

func TestSendVerificationWithoutEmail(t *testing.T) {
	v := NewVerifier(&Outbox{}, "notes", "https://api.example.com")
	err := v.SendVerification(context.Background(), store.Record{"username": "amy"})
	assert.ErrorIs(t, err, ErrNoEmail)
}

func TestRender(t *testing.T) {
	html, err := Render([]byte("# Title\n\nbody"))
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Title</h1>")
	assert.Contains(t, html, "<p>body</p>")
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(nil)
	assert.NoError(t, s.Send(context.Background(), Message{To: "a@b.c", Subject: "s"}))
}

package notify

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openauthhq/openauth/pkg/observability"
)

type captureMailer struct {
	mu       sync.Mutex
	messages []string
	done     chan struct{}
}

func (m *captureMailer) Send(to, subject, _ string) error {
	m.mu.Lock()
	m.messages = append(m.messages, to+"|"+subject)
	m.mu.Unlock()
	close(m.done)
	return nil
}

func TestSendInvitation_DispatchesAsync(t *testing.T) {
	mailer := &captureMailer{done: make(chan struct{})}
	notifier := New(mailer, observability.NewLogger(observability.ErrorLevel, io.Discard))

	notifier.SendInvitation("dev@acme.io", "Acme", "https://auth.acme.io/invite/tok-1")

	select {
	case <-mailer.done:
	case <-time.After(time.Second):
		t.Fatal("mail was never dispatched")
	}

	mailer.mu.Lock()
	defer mailer.mu.Unlock()
	assert.Len(t, mailer.messages, 1)
	assert.Contains(t, mailer.messages[0], "dev@acme.io")
	assert.Contains(t, mailer.messages[0], "Acme")
}

func TestLogMailer_NeverFails(t *testing.T) {
	mailer := NewLogMailer(observability.NewLogger(observability.ErrorLevel, io.Discard))
	assert.NoError(t, mailer.Send("dev@acme.io", "subject", "body"))
}

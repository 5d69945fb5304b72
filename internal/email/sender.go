package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"MailTrace/internal/queue"
)

// Sender wraps the SMTP client. Plain SMTP reports no provider message id,
// so the adapter mints the Message-ID header itself and returns it for the
// log entry.
type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	ReplyTo  string
	Timeout  time.Duration
}

// Send delivers one job. html is the tracking-injected body and is passed
// separately so the job payload keeps the original content across retries.
// The call blocks at most Timeout (or until ctx is done) before failing.
func (s *Sender) Send(ctx context.Context, job *queue.Job, html string) (string, error) {
	from := job.From
	if from == "" {
		from = s.From
	}
	replyTo := job.ReplyTo
	if replyTo == "" {
		replyTo = s.ReplyTo
	}

	messageID := mintMessageID(from)

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", job.To)
	if len(job.CC) > 0 {
		m.SetHeader("Cc", job.CC...)
	}
	if len(job.BCC) > 0 {
		m.SetHeader("Bcc", job.BCC...)
	}
	if replyTo != "" {
		m.SetHeader("Reply-To", replyTo)
	}
	m.SetHeader("Subject", job.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("X-Tracking-ID", job.TrackingID)

	switch {
	case job.Text != "" && html != "":
		m.SetBody("text/plain", job.Text)
		m.AddAlternative("text/html", html)
	case html != "":
		m.SetBody("text/html", html)
	default:
		m.SetBody("text/plain", job.Text)
	}

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp send error: %w", err)
		}
		return messageID, nil
	case <-sendCtx.Done():
		return "", fmt.Errorf("smtp send aborted: %w", sendCtx.Err())
	}
}

func mintMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = strings.TrimRight(from[at+1:], ">")
	}

	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

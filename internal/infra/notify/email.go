package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"pdp-submission-service/internal/domain"
)

// sendFunc は smtp.SendMail と同じシグネチャの送信関数。
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email は取引メールで通知する NotificationSink。
// 文書の受信者アドレスがあり、利用者がメール通知を有効にしている場合のみ送信する。
type Email struct {
	addr string
	from string
	auth smtp.Auth
	send sendFunc
	now  func() time.Time
}

// NewEmail は新しい Email を生成する。username が空の場合は認証しない。
func NewEmail(addr, from, username, password string) *Email {
	var auth smtp.Auth
	if username != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			host = addr[:i]
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &Email{addr: addr, from: from, auth: auth, send: smtp.SendMail, now: time.Now}
}

// NotifyAccepted は受理メールを送信する。
func (e *Email) NotifyAccepted(ctx context.Context, s *domain.Submission, doc *domain.Document) error {
	return e.deliver(ctx, s, doc, acceptedMessage(s, doc))
}

// NotifyRejected は却下・失敗メールを送信する。
func (e *Email) NotifyRejected(ctx context.Context, s *domain.Submission, doc *domain.Document) error {
	return e.deliver(ctx, s, doc, rejectedMessage(s, doc))
}

func (e *Email) deliver(ctx context.Context, s *domain.Submission, doc *domain.Document, m message) error {
	if !doc.NotifyByEmail || doc.RecipientEmail == "" {
		slog.DebugContext(ctx, "email notification skipped",
			"submission_id", s.SubmissionID,
			"kind", m.kind,
		)
		return nil
	}
	if err := e.send(e.addr, e.auth, e.from, []string{doc.RecipientEmail}, e.compose(doc.RecipientEmail, m)); err != nil {
		return fmt.Errorf("sending notification email: %w", err)
	}
	return nil
}

func (e *Email) compose(to string, m message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.title)
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

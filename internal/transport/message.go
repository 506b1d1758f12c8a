package transport

import (
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// buildRFC5322 renders a Message into wire format. The returned message ID
// (without angle brackets) doubles as the provider message id for SMTP
// accounts, which have no provider-assigned identifier.
func buildRFC5322(msg *Message, hostname string, now time.Time) ([]byte, string) {
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), hostname)

	var b strings.Builder
	if msg.FromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", msg.FromName), msg.From)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	}
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s>\r\n", messageID)
	if msg.ThreadID != "" {
		fmt.Fprintf(&b, "In-Reply-To: <%s>\r\n", msg.ThreadID)
		fmt.Fprintf(&b, "References: <%s>\r\n", msg.ThreadID)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")

	// Normalize bare LF to CRLF for the wire
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\r\n") {
		b.WriteString("\r\n")
	}

	return []byte(b.String()), messageID
}
